package inflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/transports/memory"
	"github.com/glimte/mmate-ra/work"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingFactory creates endpoints that record every delivery
type recordingFactory struct {
	transacted    bool
	transactedErr error
	createErr     error
	delay         time.Duration
	handle        func(msg provider.Message) error

	mu        sync.Mutex
	created   int
	released  int
	delivered []string
	active    int
	maxActive int
	before    int
	after     int
	xa        []provider.XAResource
}

type recordingEndpoint struct {
	f *recordingFactory
}

func (f *recordingFactory) CreateEndpoint(xa provider.XAResource) (Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	f.xa = append(f.xa, xa)
	return &recordingEndpoint{f: f}, nil
}

func (f *recordingFactory) IsDeliveryTransacted(method DeliveryMethod) (bool, error) {
	return f.transacted, f.transactedErr
}

func (e *recordingEndpoint) BeforeDelivery(method DeliveryMethod) error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.before++
	e.f.active++
	if e.f.active > e.f.maxActive {
		e.f.maxActive = e.f.active
	}
	return nil
}

func (e *recordingEndpoint) OnMessage(msg provider.Message) error {
	if e.f.delay > 0 {
		time.Sleep(e.f.delay)
	}
	e.f.mu.Lock()
	e.f.delivered = append(e.f.delivered, msg.ID())
	handle := e.f.handle
	e.f.mu.Unlock()
	if handle != nil {
		return handle(msg)
	}
	return nil
}

func (e *recordingEndpoint) AfterDelivery() error {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.after++
	e.f.active--
	return nil
}

func (e *recordingEndpoint) Release() {
	e.f.mu.Lock()
	defer e.f.mu.Unlock()
	e.f.released++
}

func (f *recordingFactory) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func (f *recordingFactory) snapshot() (delivered []string, before, after, maxActive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...), f.before, f.after, f.maxActive
}

type mockTransactionManager struct {
	mock.Mock
}

func (m *mockTransactionManager) SetTransactionTimeout(seconds int) error {
	return m.Called(seconds).Error(0)
}

// countingContext counts how often the execution context is entered and restored
type countingContext struct {
	mu       sync.Mutex
	entered  int
	restored int
}

func (c *countingContext) Enter() func() {
	c.mu.Lock()
	c.entered++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.restored++
		c.mu.Unlock()
	}
}

func (c *countingContext) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered, c.restored
}

// rejectingScheduler refuses every work item after reporting the rejection
type rejectingScheduler struct{}

func (rejectingScheduler) ScheduleWork(w work.Work) error {
	return errors.New("rejected")
}

func (rejectingScheduler) ScheduleWorkWithListener(w work.Work, startTimeout time.Duration, l work.Listener) error {
	err := errors.New("rejected")
	if l != nil {
		l.WorkRejected(work.Event{Type: work.EventRejected, Work: w, Err: err, Timestamp: time.Now()})
	}
	return err
}

func newTestBroker() *memory.Broker {
	b := memory.NewBroker()
	b.DeclareQueue("orders")
	b.DeclareTopic("prices")
	b.Bind("cf", b.ConnectionFactory())
	b.Bind("xacf", b.XAConnectionFactory())
	return b
}

func queueSpec() ActivationSpec {
	spec := DefaultActivationSpec()
	spec.Destination = "orders"
	spec.DestinationType = "queue"
	spec.ConnectionFactory = "cf"
	spec.ReconnectInterval = 100 * time.Millisecond
	return spec
}

func newManager(t *testing.T) *work.Manager {
	t.Helper()
	m := work.NewManager(work.WithMaxConcurrency(16))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(ctx))
	})
	return m
}

func startActivation(t *testing.T, b *memory.Broker, spec ActivationSpec, f EndpointFactory, options ...ActivationOption) *Activation {
	t.Helper()
	options = append([]ActivationOption{WithDirectoryFactory(b.DirectoryFactory())}, options...)
	a, err := NewActivation(spec, f, newManager(t), options...)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	return a
}

func waitForState(t *testing.T, a *Activation, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return a.State() == want }, 3*time.Second, 5*time.Millisecond,
		"activation state %s, want %s", a.State(), want)
}
