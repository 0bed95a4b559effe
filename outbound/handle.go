package outbound

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/mmate-ra/provider"
)

// Handle is the logical session an application holds. Any number of
// handles share a managed connection; each call takes the connection
// lock under the handle's id.
type Handle struct {
	id   string
	info ConnectionRequestInfo

	mu     sync.Mutex
	mc     *ManagedConnection
	closed bool
}

func newHandle(mc *ManagedConnection, info ConnectionRequestInfo) *Handle {
	return &Handle{id: uuid.NewString(), info: info, mc: mc}
}

// ID identifies the handle and is its lock owner identity
func (h *Handle) ID() string { return h.id }

// Info returns the request info the handle was created with
func (h *Handle) Info() ConnectionRequestInfo { return h.info }

// ManagedConnection returns the connection the handle is attached to
func (h *Handle) ManagedConnection() *ManagedConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mc
}

// Closed reports whether the handle was closed or its connection cleaned up
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) setManagedConnection(mc *ManagedConnection) *ManagedConnection {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.mc
	h.mc = mc
	h.closed = false
	return old
}

func (h *Handle) current() (*ManagedConnection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.mc == nil {
		return nil, fmt.Errorf("%w: %s", ErrHandleClosed, h.id)
	}
	return h.mc, nil
}

// WithLock runs fn with exclusive use of the connection's default session.
// Calls nest: fn may call back into the handle.
func (h *Handle) WithLock(ctx context.Context, fn func(provider.Session) error) error {
	mc, err := h.current()
	if err != nil {
		return err
	}
	if err := mc.TryLock(ctx, h.id); err != nil {
		return err
	}
	released := false
	defer func() {
		if !released {
			mc.Unlock(h.id)
		}
	}()

	session, err := mc.defaultSession()
	if err != nil {
		return err
	}
	err = fn(session)
	if provider.IsConnectionFailure(err) {
		released = true
		mc.connectionError(h, err)
	}
	return err
}

// Send publishes msg to dest through the default session
func (h *Handle) Send(ctx context.Context, dest provider.Destination, msg provider.Message) error {
	return h.WithLock(ctx, func(s provider.Session) error {
		return s.Send(ctx, dest, msg)
	})
}

// Commit commits the default session
func (h *Handle) Commit(ctx context.Context) error {
	return h.WithLock(ctx, func(s provider.Session) error {
		return s.Commit()
	})
}

// Rollback rolls the default session back
func (h *Handle) Rollback(ctx context.Context) error {
	return h.WithLock(ctx, func(s provider.Session) error {
		return s.Rollback()
	})
}

// Close detaches the handle and notifies the connection's listeners.
// Closing twice does nothing.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	mc := h.mc
	h.mu.Unlock()

	if mc != nil {
		mc.removeHandle(h)
		mc.sendEvent(ConnectionClosed, h, nil)
	}
	return nil
}

// destroy invalidates the handle without notifying anyone
func (h *Handle) destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *Handle) String() string {
	return fmt.Sprintf("Handle(id=%s closed=%t)", h.id, h.Closed())
}
