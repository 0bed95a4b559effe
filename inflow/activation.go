// Package inflow delivers broker messages to endpoints.
//
// An Activation binds one endpoint factory to one destination. It owns the
// physical connection and a ServerSessionPool, runs setup asynchronously on
// a work.Scheduler and recovers from connection failures with a
// fixed-interval reconnect loop.
package inflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-ra/internal/metrics"
	"github.com/glimte/mmate-ra/internal/reliability"
	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/work"
)

// State is the lifecycle state of an Activation
type State int32

const (
	StateInactive State = iota
	StateStarting
	StateActive
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Activation is the live binding between an endpoint factory and a destination
type Activation struct {
	spec            ActivationSpec
	endpointFactory EndpointFactory
	scheduler       work.Scheduler
	logger          *slog.Logger
	directories     provider.DirectoryFactory
	locateTM        TransactionManagerLocator
	execCtx         ExecutionContext
	policy          reliability.ReconnectPolicy
	transacted      bool

	deliveryActive atomic.Bool
	inFailure      atomic.Bool
	state          atomic.Int32
	teardowns      atomic.Int64

	// setupMu serialises setup and teardown
	setupMu sync.Mutex

	mu          sync.RWMutex
	destination provider.Destination
	isTopic     bool
	connection  provider.Connection
	pool        *ServerSessionPool
	ctx         context.Context
	cancel      context.CancelFunc
	stopping    bool

	// failMu orders pending failure reports against the end of a recovery loop
	failMu      sync.Mutex
	pending     error
	pendingConn provider.Connection

	tmOnce sync.Once
	tm     TransactionManager

	wg sync.WaitGroup
}

// ActivationOption configures an Activation
type ActivationOption func(*Activation)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ActivationOption {
	return func(a *Activation) {
		a.logger = logger
	}
}

// WithDirectoryFactory sets the directory used to look up the destination
// and connection factory
func WithDirectoryFactory(f provider.DirectoryFactory) ActivationOption {
	return func(a *Activation) {
		a.directories = f
	}
}

// WithTransactionManager sets the transaction manager locator
func WithTransactionManager(locate TransactionManagerLocator) ActivationOption {
	return func(a *Activation) {
		a.locateTM = locate
	}
}

// WithExecutionContext sets the context setup runs under
func WithExecutionContext(ec ExecutionContext) ActivationOption {
	return func(a *Activation) {
		a.execCtx = ec
	}
}

// NewActivation validates spec and asks the endpoint factory once whether
// delivery is transacted
func NewActivation(spec ActivationSpec, factory EndpointFactory, scheduler work.Scheduler, options ...ActivationOption) (*Activation, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("inflow: endpoint factory is required")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("inflow: scheduler is required")
	}

	a := &Activation{
		spec:            spec,
		endpointFactory: factory,
		scheduler:       scheduler,
		logger:          slog.Default(),
		execCtx:         noopExecutionContext{},
		policy:          reliability.NewReconnectPolicy(spec.ReconnectDelay(), spec.ReconnectAttempts),
	}
	for _, opt := range options {
		opt(a)
	}
	a.logger = a.logger.With("destination", spec.Destination)

	transacted, err := factory.IsDeliveryTransacted(OnMessage)
	if err != nil {
		return nil, fmt.Errorf("inflow: unable to determine delivery transaction mode: %w", err)
	}
	a.transacted = transacted
	a.setState(StateInactive)
	return a, nil
}

// Start schedules setup and returns immediately. Setup failures, including
// a rejected schedule, enter the recovery loop.
func (a *Activation) Start() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.stopping = false
	a.mu.Unlock()

	a.deliveryActive.Store(true)
	a.setState(StateStarting)

	setup := work.WorkFunc(func() {
		if err := a.setup(); err != nil {
			a.HandleFailure(err)
		}
	})
	if err := a.scheduler.ScheduleWork(setup); err != nil {
		a.logger.Warn("unable to schedule activation setup", "error", err)
		a.goHandleFailure(err)
	}
	return nil
}

// Stop ends delivery and tears down unconditionally, bypassing recovery
func (a *Activation) Stop() {
	a.deliveryActive.Store(false)
	a.mu.Lock()
	cancel := a.cancel
	a.stopping = true
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.teardown()
	a.setState(StateStopped)
	a.wg.Wait()
	a.logger.Debug("activation stopped")
}

// OnException implements provider.ExceptionListener
func (a *Activation) OnException(err error) {
	a.goHandleFailure(err)
}

func (a *Activation) goHandleFailure(cause error) {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.wg.Done()
		a.HandleFailure(cause)
	}()
}

// connectionWatch forwards the exceptions of one connection
type connectionWatch struct {
	a    *Activation
	conn provider.Connection
}

func (w *connectionWatch) OnException(err error) {
	w.a.connectionFailed(w.conn, err)
}

// connectionFailed starts recovery for a failure of the current connection.
// Exceptions of replaced connections are ignored. A failure reported while a
// recovery loop runs is kept and handled once that loop ends, in case the
// loop just set this connection up.
func (a *Activation) connectionFailed(conn provider.Connection, err error) {
	a.failMu.Lock()
	if conn != a.Connection() {
		a.failMu.Unlock()
		a.logger.Debug("ignoring exception of a replaced connection", "error", err)
		return
	}
	if a.inFailure.Load() {
		a.pending, a.pendingConn = err, conn
		a.failMu.Unlock()
		return
	}
	a.failMu.Unlock()
	a.goHandleFailure(err)
}

// HandleFailure tears down and reconnects until setup succeeds, attempts run
// out or the activation is stopped. Only one recovery loop runs at a time;
// calls made while one is running return immediately.
func (a *Activation) HandleFailure(cause error) {
	for cause != nil {
		cause = a.recoverFrom(cause)
	}
}

// recoverFrom runs one recovery loop and returns a failure of the connection
// it left in place that was reported before the loop ended
func (a *Activation) recoverFrom(cause error) (pending error) {
	if IsConfigError(cause) {
		a.logger.Error("activation configuration failure", "error", cause)
		return nil
	}
	if !a.inFailure.CompareAndSwap(false, true) {
		return nil
	}
	defer func() { pending = a.endFailure() }()

	a.logger.Warn("failure in activation", "error", cause)
	if !a.deliveryActive.Load() {
		return nil
	}
	a.setState(StateRecovering)
	ctx := a.context()

	attempt := 0
	for a.deliveryActive.Load() && a.policy.Allows(attempt) {
		a.teardown()

		if err := reliability.Sleep(ctx, a.policy.NextDelay(attempt)); err != nil {
			a.logger.Debug("interrupted trying to reconnect", "error", err)
			return nil
		}

		a.logger.Info("attempting to reconnect", "attempt", attempt+1)
		err := a.setup()
		if err == nil {
			metrics.IncRecoveryAttempt(a.spec.Destination, metrics.OutcomeSuccess)
			a.logger.Info("reconnected with messaging provider", "attempt", attempt+1)
			return nil
		}
		metrics.IncRecoveryAttempt(a.spec.Destination, metrics.OutcomeFailed)
		a.logger.Error("unable to reconnect", "attempt", attempt+1, "error", err)
		if IsConfigError(err) {
			break
		}
		attempt++
	}

	if a.deliveryActive.CompareAndSwap(true, false) {
		a.teardown()
		a.setState(StateInactive)
		a.logger.Error("giving up reconnecting", "attempts", attempt)
	}
	return nil
}

func (a *Activation) endFailure() error {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	a.inFailure.Store(false)
	pending, conn := a.pending, a.pendingConn
	a.pending, a.pendingConn = nil, nil
	if pending == nil || !a.deliveryActive.Load() || conn != a.Connection() {
		return nil
	}
	return pending
}

// setup runs under the execution context, which is restored on every exit
func (a *Activation) setup() (err error) {
	restore := a.execCtx.Enter()
	defer restore()

	a.setupMu.Lock()
	defer a.setupMu.Unlock()

	if !a.deliveryActive.Load() {
		return ErrActivationStopped
	}
	ctx := a.context()
	if err := ctx.Err(); err != nil {
		return err
	}
	a.logger.Debug("setting up activation", "spec", a.spec.String())

	if a.directories == nil {
		return setupError("open directory", ErrNoDirectory)
	}
	dir, err := a.directories(provider.ParseProperties(a.spec.JNDIParameters))
	if err != nil {
		return setupError("open directory", err)
	}
	err = func() error {
		defer func() {
			if cerr := dir.Close(); cerr != nil {
				a.logger.Debug("error closing directory", "error", cerr)
			}
		}()
		if err := a.setupDestination(ctx, dir); err != nil {
			return err
		}
		return a.setupConnection(ctx, dir)
	}()
	if err != nil {
		return err
	}

	if err := a.setupSessionPool(); err != nil {
		return err
	}
	if !a.deliveryActive.Load() {
		return ErrActivationStopped
	}
	a.setState(StateActive)
	a.logger.Debug("setup complete", "activation", a.String())
	return nil
}

func (a *Activation) setupDestination(ctx context.Context, dir provider.Directory) error {
	kind := a.spec.DestinationKind()
	a.logger.Debug("retrieving destination", "type", kind)
	dest, err := provider.LookupDestination(ctx, dir, a.spec.Destination, kind)
	if err != nil {
		return setupError("lookup destination", err)
	}
	a.mu.Lock()
	a.destination = dest
	a.isTopic = dest.Kind() == provider.KindTopic
	a.mu.Unlock()
	return nil
}

// connector opens a connection; it is picked once per setup from the
// delivery mode and the capabilities of the looked up factory
type connector func(ctx context.Context, user, password string) (provider.Connection, error)

func (a *Activation) chooseConnector(plain provider.ConnectionFactory, xa provider.XAConnectionFactory) (connector, error) {
	useXA := func(ctx context.Context, user, password string) (provider.Connection, error) {
		return xa.CreateXAConnection(ctx, user, password)
	}
	switch {
	case a.transacted && xa != nil:
		return useXA, nil
	case a.transacted:
		return nil, setupError("lookup connection factory", fmt.Errorf("%w: %q is not an xa connection factory", ErrNotXACapable, a.spec.ConnectionFactory))
	case xa != nil:
		return useXA, nil
	case plain != nil:
		return plain.CreateConnection, nil
	}
	return nil, setupError("lookup connection factory", fmt.Errorf("%q is not a connection factory", a.spec.ConnectionFactory))
}

func (a *Activation) setupConnection(ctx context.Context, dir provider.Directory) error {
	plain, xa, err := provider.LookupConnectionFactory(ctx, dir, a.spec.ConnectionFactory)
	if err != nil {
		return setupError("lookup connection factory", err)
	}
	connect, err := a.chooseConnector(plain, xa)
	if err != nil {
		return err
	}

	a.logger.Debug("creating connection", "user", a.spec.User)
	conn, err := connect(ctx, a.spec.User, a.spec.Password)
	if err != nil {
		return setupError("create connection", err)
	}

	if err := a.configureConnection(conn); err != nil {
		if cerr := conn.Close(); cerr != nil {
			a.logger.Debug("ignored error closing connection", "error", cerr)
		}
		return setupError("configure connection", err)
	}

	a.mu.Lock()
	a.connection = conn
	a.mu.Unlock()
	return nil
}

func (a *Activation) configureConnection(conn provider.Connection) error {
	if a.spec.ClientID != "" {
		if err := conn.SetClientID(a.spec.ClientID); err != nil {
			return err
		}
	}
	return conn.SetExceptionListener(&connectionWatch{a: a, conn: conn})
}

func (a *Activation) setupSessionPool() error {
	pool := newServerSessionPool(a)
	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()

	if err := pool.Start(); err != nil {
		return err
	}
	conn := a.Connection()
	if conn == nil {
		return setupError("start delivery", errors.New("connection torn down"))
	}
	if err := conn.Start(); err != nil {
		return setupError("start delivery", err)
	}
	return nil
}

// teardown stops delivery, stops the pool, closes the connection and drops
// the destination. Every step runs regardless of earlier failures.
func (a *Activation) teardown() {
	a.setupMu.Lock()
	defer a.setupMu.Unlock()
	a.teardowns.Add(1)

	a.mu.Lock()
	conn := a.connection
	pool := a.pool
	a.connection = nil
	a.pool = nil
	a.destination = nil
	a.isTopic = false
	a.mu.Unlock()

	var report teardownReport
	if conn != nil {
		report.add("stop delivery", conn.Stop())
	}
	if pool != nil {
		report.add("stop session pool", safely(pool.Stop))
	}
	if conn != nil {
		report.add("unregister exception listener", conn.SetExceptionListener(nil))
		report.add("close connection", conn.Close())
	}
	report.log(a.logger, "error during activation teardown")
	a.logger.Debug("teardown complete")
}

func (a *Activation) context() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func (a *Activation) setState(s State) {
	a.state.Store(int32(s))
	metrics.SetActivationState(a.spec.Destination, int(s))
}

// State returns the lifecycle state
func (a *Activation) State() State {
	return State(a.state.Load())
}

// Spec returns a copy of the activation spec
func (a *Activation) Spec() ActivationSpec {
	return a.spec
}

// EndpointFactory returns the endpoint factory
func (a *Activation) EndpointFactory() EndpointFactory {
	return a.endpointFactory
}

// IsDeliveryTransacted reports whether deliveries join XA transactions
func (a *Activation) IsDeliveryTransacted() bool {
	return a.transacted
}

// IsTopic reports whether the looked up destination is a topic
func (a *Activation) IsTopic() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isTopic
}

// Destination returns the looked up destination, nil while torn down
func (a *Activation) Destination() provider.Destination {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.destination
}

// Connection returns the physical connection, nil while torn down
func (a *Activation) Connection() provider.Connection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connection
}

// Pool returns the session pool, nil while torn down
func (a *Activation) Pool() *ServerSessionPool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pool
}

// DeliveryActive reports whether the activation is meant to deliver
func (a *Activation) DeliveryActive() bool {
	return a.deliveryActive.Load()
}

// InFailure reports whether a recovery loop is running
func (a *Activation) InFailure() bool {
	return a.inFailure.Load()
}

// TransactionManager returns the transaction manager, looked up on first use.
// A failed lookup is cached as nil.
func (a *Activation) TransactionManager() TransactionManager {
	a.tmOnce.Do(func() {
		if a.locateTM == nil {
			return
		}
		tm, err := a.locateTM()
		if err != nil {
			a.logger.Debug("unable to locate transaction manager", "error", err)
			return
		}
		a.tm = tm
	})
	return a.tm
}

func (a *Activation) String() string {
	var b []byte
	b = fmt.Appendf(b, "Activation(spec=%s deliveryActive=%t state=%s", a.spec.String(), a.deliveryActive.Load(), a.State())
	if d := a.Destination(); d != nil {
		b = fmt.Appendf(b, " destination=%v", d)
	}
	if p := a.Pool(); p != nil {
		idle, busy := p.Size()
		b = fmt.Appendf(b, " pool=(idle=%d busy=%d)", idle, busy)
	}
	b = fmt.Appendf(b, " isDeliveryTransacted=%t)", a.transacted)
	return string(b)
}
