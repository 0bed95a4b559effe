package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-ra/internal/metrics"
	"github.com/glimte/mmate-ra/provider"
)

// ManagedConnection owns one physical connection and its default session.
// Handles share it one at a time through a reentrant lock keyed by the
// handle id.
type ManagedConnection struct {
	id     string
	mcf    *ManagedConnectionFactory
	info   ConnectionRequestInfo
	logger *slog.Logger
	lock   *ReentrantLock

	mu        sync.Mutex
	user      string
	password  string
	destroyed bool
	handles   map[*Handle]struct{}

	conn         provider.Connection
	session      provider.Session
	xaSession    provider.XASession
	xaTransacted bool
	opened       bool

	xaOnce     sync.Once
	xaResource provider.XAResource

	listenersMu sync.Mutex
	listeners   []ConnectionEventListener

	errorReported atomic.Bool
}

func newManagedConnection(mcf *ManagedConnectionFactory, info ConnectionRequestInfo, user, password string) *ManagedConnection {
	id := uuid.NewString()
	return &ManagedConnection{
		id:       id,
		mcf:      mcf,
		info:     info,
		logger:   mcf.logger.With("managed_connection", id),
		lock:     NewReentrantLock(),
		user:     user,
		password: password,
		handles:  make(map[*Handle]struct{}),
	}
}

// setup opens the physical connection and its default session
func (mc *ManagedConnection) setup(ctx context.Context) error {
	props := mc.mcf.props
	if props.ConnectionFactory == "" {
		return fmt.Errorf("%w: no configured connection factory", ErrInvalidConfiguration)
	}
	if mc.mcf.directories == nil {
		return fmt.Errorf("%w: no directory factory", ErrInvalidConfiguration)
	}

	dir, err := mc.mcf.directories(provider.ParseProperties(props.JNDIParameters))
	if err != nil {
		return &ConnectionError{Op: "open directory", Err: err, Timestamp: time.Now()}
	}
	plain, xa, err := provider.LookupConnectionFactory(ctx, dir, props.ConnectionFactory)
	if cerr := dir.Close(); cerr != nil {
		mc.logger.Debug("error closing directory", "error", cerr)
	}
	if err != nil {
		return &ConnectionError{Op: "lookup connection factory", Err: err, Timestamp: time.Now()}
	}

	mc.logger.Debug("creating connection", "user", mc.user, "type", mc.info.Type)
	var conn provider.Connection
	switch {
	case xa != nil:
		var xaConn provider.XAConnection
		if xaConn, err = xa.CreateXAConnection(ctx, mc.user, mc.password); err == nil {
			conn = xaConn
		}
	case plain != nil:
		conn, err = plain.CreateConnection(ctx, mc.user, mc.password)
	default:
		err = fmt.Errorf("%q is not a connection factory", props.ConnectionFactory)
	}
	if err != nil {
		return &ConnectionError{Op: "create connection", Err: err, Timestamp: time.Now()}
	}
	mc.conn = conn

	clientID := mc.info.ClientID
	if clientID == "" {
		clientID = props.ClientID
	}
	if clientID != "" {
		if err := mc.conn.SetClientID(clientID); err != nil {
			return &ConnectionError{Op: "set client id", Err: err, Timestamp: time.Now()}
		}
	}
	if err := mc.conn.SetExceptionListener(mc); err != nil {
		return &ConnectionError{Op: "set exception listener", Err: err, Timestamp: time.Now()}
	}

	if xaConn, ok := mc.conn.(provider.XAConnection); ok {
		mc.xaSession, err = xaConn.CreateXASession()
		if err != nil {
			return &ConnectionError{Op: "create xa session", Err: err, Timestamp: time.Now()}
		}
		mc.session = mc.xaSession.Session()
		mc.xaTransacted = true
	} else {
		mc.session, err = mc.conn.CreateSession(mc.info.Transacted, provider.AutoAcknowledge)
		if err != nil {
			return &ConnectionError{Op: "create session", Err: err, Timestamp: time.Now()}
		}
		mc.logger.Debug("using a non-xa connection, it cannot join a global transaction")
	}

	mc.opened = true
	metrics.ManagedConnectionOpened()
	mc.logger.Debug("managed connection set up", "xa", mc.xaTransacted, "transacted", mc.info.Transacted)
	return nil
}

// ID returns the connection id
func (mc *ManagedConnection) ID() string { return mc.id }

// Info returns the request info the connection was created for
func (mc *ManagedConnection) Info() ConnectionRequestInfo { return mc.info }

// Factory returns the owning factory
func (mc *ManagedConnection) Factory() *ManagedConnectionFactory { return mc.mcf }

// UserName returns the authenticated user, empty when anonymous
func (mc *ManagedConnection) UserName() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.user
}

// Destroyed reports whether Destroy was called
func (mc *ManagedConnection) Destroyed() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.destroyed
}

// XATransacted reports whether the connection uses an xa session
func (mc *ManagedConnection) XATransacted() bool { return mc.xaTransacted }

// HandleCount returns the number of attached handles
func (mc *ManagedConnection) HandleCount() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.handles)
}

// LockSnapshot exposes the lock diagnostics
func (mc *ManagedConnection) LockSnapshot() LockSnapshot {
	return mc.lock.Snapshot()
}

// GetConnection creates a handle. An anonymous connection only serves
// anonymous requests and a named user only serves that user.
func (mc *ManagedConnection) GetConnection(subject *Credentials, info *ConnectionRequestInfo) (*Handle, error) {
	cred := mc.mcf.credentials(subject, info)

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if (mc.user != "" && mc.user != cred.UserName) || (cred.UserName != "" && mc.user == "") {
		return nil, &SecurityError{Op: "get connection", Bound: mc.user, Requested: cred.UserName, Timestamp: time.Now()}
	}
	if mc.destroyed {
		return nil, ErrDestroyed
	}
	reqInfo := mc.info
	if info != nil {
		reqInfo = *info
	}
	h := newHandle(mc, reqInfo)
	mc.handles[h] = struct{}{}
	return h, nil
}

// AssociateConnection moves h from its current managed connection to mc
func (mc *ManagedConnection) AssociateConnection(h *Handle) error {
	if h == nil {
		return fmt.Errorf("outbound: nil handle")
	}
	mc.mu.Lock()
	if mc.destroyed {
		mc.mu.Unlock()
		return fmt.Errorf("%w: cannot associate handle %s", ErrDestroyed, h.ID())
	}
	mc.handles[h] = struct{}{}
	mc.mu.Unlock()

	if old := h.setManagedConnection(mc); old != nil && old != mc {
		old.removeHandle(h)
	}
	return nil
}

func (mc *ManagedConnection) removeHandle(h *Handle) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.handles, h)
}

func (mc *ManagedConnection) destroyHandles() {
	if mc.conn != nil {
		if err := mc.conn.Stop(); err != nil {
			mc.logger.Debug("ignored error stopping connection", "error", err)
		}
	}
	mc.mu.Lock()
	handles := make([]*Handle, 0, len(mc.handles))
	for h := range mc.handles {
		handles = append(handles, h)
	}
	mc.handles = make(map[*Handle]struct{})
	mc.mu.Unlock()

	for _, h := range handles {
		h.destroy()
	}
}

// Cleanup detaches every handle so the connection can be pooled again. It
// fails with ErrStillActive while anyone holds or waits for the lock, so
// the pool discards the connection instead.
func (mc *ManagedConnection) Cleanup() error {
	if mc.Destroyed() {
		return ErrDestroyed
	}
	mc.destroyHandles()

	snap := mc.lock.Snapshot()
	for _, w := range snap.Waiters {
		mc.logger.Warn("owner waiting for lock during cleanup", "owner", w.Owner, "waiting_since", w.Since)
	}
	if snap.Locked() {
		mc.logger.Warn("lock owned during cleanup", "owner", snap.Owner, "holds", snap.Holds, "acquired_at", snap.AcquiredAt)
	}
	if snap.Locked() || len(snap.Waiters) > 0 {
		return fmt.Errorf("%w: %s (%s)", ErrStillActive, mc.id, snap)
	}
	return nil
}

// Destroy closes the default session and the physical connection. Calls
// after the first, or on a connection that never connected, do nothing.
func (mc *ManagedConnection) Destroy() error {
	mc.mu.Lock()
	if mc.destroyed || mc.conn == nil {
		mc.mu.Unlock()
		return nil
	}
	mc.destroyed = true
	mc.mu.Unlock()

	if err := mc.conn.SetExceptionListener(nil); err != nil {
		mc.logger.Debug("error unsetting the exception listener", "error", err)
	}
	mc.destroyHandles()

	if mc.session != nil {
		if err := mc.session.Close(); err != nil {
			mc.logger.Debug("error closing session", "error", err)
		}
	}
	if mc.xaTransacted && mc.xaSession != nil {
		if err := mc.xaSession.Close(); err != nil {
			mc.logger.Debug("error closing xa session", "error", err)
		}
	}
	if mc.opened {
		metrics.ManagedConnectionDestroyed()
	}
	if err := mc.conn.Close(); err != nil {
		return &ConnectionError{Op: "close connection", Err: err, Timestamp: time.Now()}
	}
	mc.logger.Debug("managed connection destroyed")
	return nil
}

// Lock acquires the connection lock for owner without any timeout
func (mc *ManagedConnection) Lock(ctx context.Context, owner string) error {
	if err := mc.lock.Lock(ctx, owner); err != nil {
		metrics.IncLockTimeout()
		return mc.allocationError(owner, 0, err)
	}
	return nil
}

// TryLock acquires the connection lock for owner, bounded by the
// factory's UseTryLock setting
func (mc *ManagedConnection) TryLock(ctx context.Context, owner string) error {
	timeout := mc.mcf.props.LockTimeout()
	if timeout <= 0 {
		return mc.Lock(ctx, owner)
	}
	if err := mc.lock.TryLock(ctx, owner, timeout); err != nil {
		metrics.IncLockTimeout()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return mc.allocationError(owner, timeout, err)
		}
		return mc.allocationError(owner, 0, err)
	}
	return nil
}

func (mc *ManagedConnection) allocationError(owner string, timeout time.Duration, err error) error {
	return &ResourceAllocationError{
		Connection: mc.id,
		Owner:      owner,
		Timeout:    timeout,
		Snapshot:   mc.lock.Snapshot(),
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// Unlock releases one hold of owner; releasing a lock owner does not hold
// is logged and otherwise ignored
func (mc *ManagedConnection) Unlock(owner string) {
	if !mc.lock.Unlock(owner) {
		mc.logger.Warn("unlock by an owner not holding the lock", "owner", owner, "lock", mc.lock.Snapshot().String())
	}
}

// OnException implements provider.ExceptionListener for failures reported
// by the provider without a caller
func (mc *ManagedConnection) OnException(err error) {
	mc.connectionError(nil, err)
}

// connectionError releases the caller's hold on the lock before
// broadcasting the error, so listeners may clean the connection up
// without deadlocking. h is nil for failures reported by the provider.
func (mc *ManagedConnection) connectionError(h *Handle, err error) {
	if h != nil && mc.lock.Release(h.id) {
		mc.logger.Debug("released lock before reporting connection error", "owner", h.id)
	}
	if mc.Destroyed() {
		mc.logger.Debug("ignoring error on already destroyed connection", "error", err)
		return
	}
	if !mc.errorReported.CompareAndSwap(false, true) {
		return
	}
	mc.logger.Warn("handling connection exception", "error", err)

	if mc.conn != nil {
		if lerr := mc.conn.SetExceptionListener(nil); lerr != nil {
			mc.logger.Debug("unable to unset exception listener", "error", lerr)
		}
	}
	mc.sendEvent(ConnectionErrorOccurred, h, err)
}

// XAResource returns the cached, lock-guarded XA resource of the default session
func (mc *ManagedConnection) XAResource() (provider.XAResource, error) {
	if !mc.xaTransacted {
		return nil, fmt.Errorf("%w: non xa transaction", ErrNotSupported)
	}
	mc.xaOnce.Do(func() {
		mc.xaResource = &lockedXAResource{mc: mc, owner: "xa:" + mc.id, res: mc.xaSession.XAResource()}
	})
	return mc.xaResource, nil
}

// LocalTransaction returns a local transaction over the default session
func (mc *ManagedConnection) LocalTransaction() *LocalTransaction {
	return &LocalTransaction{mc: mc, owner: "local:" + mc.id}
}

// MetaData describes the connection
func (mc *ManagedConnection) MetaData() (MetaData, error) {
	if mc.Destroyed() {
		return MetaData{}, ErrDestroyed
	}
	return MetaData{
		ProductName:    ProductName,
		ProductVersion: ProductVersion,
		UserName:       mc.UserName(),
	}, nil
}

// Start resumes delivery on the physical connection
func (mc *ManagedConnection) Start() error {
	if mc.conn == nil {
		return ErrDestroyed
	}
	return mc.conn.Start()
}

// Stop pauses delivery on the physical connection
func (mc *ManagedConnection) Stop() error {
	if mc.conn == nil {
		return ErrDestroyed
	}
	return mc.conn.Stop()
}

func (mc *ManagedConnection) defaultSession() (provider.Session, error) {
	if mc.Destroyed() {
		return nil, ErrDestroyed
	}
	return mc.session, nil
}

func (mc *ManagedConnection) String() string {
	return fmt.Sprintf("ManagedConnection(id=%s user=%s xa=%t handles=%d destroyed=%t lock=%s)",
		mc.id, mc.UserName(), mc.xaTransacted, mc.HandleCount(), mc.Destroyed(), mc.lock.Snapshot())
}
