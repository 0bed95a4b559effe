package inflow

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-ra/provider"
	"github.com/glimte/mmate-ra/transports/memory"
)

func TestNewActivation(t *testing.T) {
	t.Run("invalid spec is a configuration error", func(t *testing.T) {
		spec := queueSpec()
		spec.Destination = ""
		_, err := NewActivation(spec, &recordingFactory{}, rejectingScheduler{})
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("transaction mode failure aborts construction", func(t *testing.T) {
		_, err := NewActivation(queueSpec(), &recordingFactory{transactedErr: errors.New("no method")}, rejectingScheduler{})
		assert.Error(t, err)
	})

	t.Run("new activation is inactive", func(t *testing.T) {
		a, err := NewActivation(queueSpec(), &recordingFactory{transacted: true}, rejectingScheduler{})
		require.NoError(t, err)
		assert.Equal(t, StateInactive, a.State())
		assert.True(t, a.IsDeliveryTransacted())
		assert.Nil(t, a.Connection())
		assert.Contains(t, a.String(), "destination=orders")
	})
}

func TestActivationLifecycle(t *testing.T) {
	t.Run("delivers queue messages and stops cleanly", func(t *testing.T) {
		b := newTestBroker()
		f := &recordingFactory{}
		a := startActivation(t, b, queueSpec(), f)
		waitForState(t, a, StateActive)
		assert.False(t, a.IsTopic())
		assert.True(t, a.DeliveryActive())

		for i := 0; i < 5; i++ {
			require.NoError(t, b.Publish(provider.NewQueue("orders"), memory.NewMessage([]byte("order"), nil)))
		}
		assert.Eventually(t, func() bool { return f.deliveredCount() == 5 }, 2*time.Second, 5*time.Millisecond)

		a.Stop()
		assert.Equal(t, StateStopped, a.State())
		assert.False(t, a.DeliveryActive())
		assert.Nil(t, a.Connection())
		assert.Nil(t, a.Destination())
		assert.Equal(t, 0, b.OpenConnections())

		_, before, after, _ := f.snapshot()
		assert.Equal(t, before, after, "delivery brackets are paired")
	})

	t.Run("handler factory", func(t *testing.T) {
		b := newTestBroker()
		var mu sync.Mutex
		var bodies []string
		f := NewHandlerFactory(func(msg provider.Message) error {
			mu.Lock()
			defer mu.Unlock()
			bodies = append(bodies, string(msg.Body()))
			return nil
		})
		a := startActivation(t, b, queueSpec(), f)
		waitForState(t, a, StateActive)
		assert.False(t, a.IsDeliveryTransacted())

		require.NoError(t, b.Publish(provider.NewQueue("orders"), memory.NewMessage([]byte("order-1"), nil)))
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(bodies) == 1 && bodies[0] == "order-1"
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("setup runs under the execution context", func(t *testing.T) {
		b := newTestBroker()
		b.Down()
		ec := &countingContext{}
		spec := queueSpec()
		spec.ReconnectAttempts = 1
		a := startActivation(t, b, spec, &recordingFactory{}, WithExecutionContext(ec))
		waitForState(t, a, StateInactive)

		entered, restored := ec.counts()
		assert.Equal(t, 2, entered)
		assert.Equal(t, entered, restored)
	})

	t.Run("missing directory factory fails setup", func(t *testing.T) {
		spec := queueSpec()
		spec.ReconnectAttempts = 0
		a, err := NewActivation(spec, &recordingFactory{}, newManager(t))
		require.NoError(t, err)
		require.NoError(t, a.Start())
		t.Cleanup(a.Stop)
		waitForState(t, a, StateInactive)
	})

	t.Run("rejected setup work enters recovery", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.ReconnectAttempts = 1
		a, err := NewActivation(spec, &recordingFactory{}, rejectingScheduler{}, WithDirectoryFactory(b.DirectoryFactory()))
		require.NoError(t, err)
		require.NoError(t, a.Start())
		t.Cleanup(a.Stop)

		waitForState(t, a, StateActive)
		assert.False(t, a.InFailure())
	})

	t.Run("destination type mismatch fails setup", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.DestinationType = "topic"
		spec.ReconnectAttempts = 0
		a := startActivation(t, b, spec, &recordingFactory{})
		waitForState(t, a, StateInactive)
		assert.Equal(t, 0, b.ConnectionsOpened())
	})

	t.Run("client id conflict closes the fresh connection", func(t *testing.T) {
		b := newTestBroker()
		holder, err := b.ConnectionFactory().CreateConnection(t.Context(), "", "")
		require.NoError(t, err)
		require.NoError(t, holder.SetClientID("c1"))
		defer holder.Close()

		spec := queueSpec()
		spec.ClientID = "c1"
		spec.ReconnectAttempts = 0
		a := startActivation(t, b, spec, &recordingFactory{})
		waitForState(t, a, StateInactive)
		assert.Equal(t, 1, b.OpenConnections())
	})
}

func TestActivationRecovery(t *testing.T) {
	t.Run("bounded retries wait between attempts and give up", func(t *testing.T) {
		b := newTestBroker()
		b.Down()
		spec := queueSpec()
		spec.ReconnectAttempts = 3
		spec.ReconnectInterval = 100 * time.Millisecond

		started := time.Now()
		a := startActivation(t, b, spec, &recordingFactory{})
		waitForState(t, a, StateInactive)
		elapsed := time.Since(started)

		// one initial setup plus exactly three retries
		assert.Equal(t, 4, b.DirectoriesOpened())
		assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
		assert.False(t, a.DeliveryActive())
		assert.Eventually(t, func() bool { return !a.InFailure() }, time.Second, 5*time.Millisecond)
	})

	t.Run("unlimited retries reconnect after two failures", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.ReconnectAttempts = -1
		spec.ReconnectInterval = 20 * time.Millisecond
		f := &recordingFactory{}
		a := startActivation(t, b, spec, f)
		waitForState(t, a, StateActive)
		require.Equal(t, 1, b.DirectoriesOpened())

		b.RefuseConnections(2)
		b.Fail(errors.New("connection reset"))

		assert.Eventually(t, func() bool {
			return a.State() == StateActive && b.ConnectionsOpened() == 2 && !a.InFailure()
		}, 3*time.Second, 5*time.Millisecond)
		// two failed attempts and the successful third
		assert.Equal(t, 4, b.DirectoriesOpened())

		require.NoError(t, b.Publish(provider.NewQueue("orders"), memory.NewMessage(nil, nil)))
		assert.Eventually(t, func() bool { return f.deliveredCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("concurrent failures run a single recovery loop", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.ReconnectInterval = 300 * time.Millisecond
		a := startActivation(t, b, spec, &recordingFactory{})
		waitForState(t, a, StateActive)
		teardownsBefore := a.teardowns.Load()

		loopDone := make(chan struct{})
		go func() {
			defer close(loopDone)
			a.HandleFailure(errors.New("first"))
		}()
		require.Eventually(t, a.InFailure, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.HandleFailure(errors.New("again"))
			}()
		}
		wg.Wait()
		assert.True(t, a.InFailure(), "later calls return while the loop still runs")

		<-loopDone
		assert.False(t, a.InFailure())
		assert.Equal(t, StateActive, a.State())
		assert.Equal(t, int64(1), a.teardowns.Load()-teardownsBefore)
	})

	t.Run("session creation failure during delivery recovers", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.MinSession = 0
		spec.ReconnectInterval = 20 * time.Millisecond
		f := &recordingFactory{createErr: errors.New("endpoint unavailable")}
		a := startActivation(t, b, spec, f)
		waitForState(t, a, StateActive)

		orders := provider.NewQueue("orders")
		require.NoError(t, b.Publish(orders, memory.NewMessage([]byte("first"), nil)))
		require.Eventually(t, func() bool { return b.ConnectionsOpened() >= 2 }, 3*time.Second, 5*time.Millisecond,
			"a failed dispatch must reach the recovery loop")
		assert.Zero(t, f.deliveredCount())

		f.mu.Lock()
		f.createErr = nil
		f.mu.Unlock()
		require.NoError(t, b.Publish(orders, memory.NewMessage([]byte("second"), nil)))

		assert.Eventually(t, func() bool {
			return f.deliveredCount() == 2 && a.State() == StateActive
		}, 3*time.Second, 5*time.Millisecond)
		assert.Zero(t, b.Depth("orders"))
	})

	t.Run("exceptions of a replaced connection are ignored", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.ReconnectInterval = 10 * time.Millisecond
		a := startActivation(t, b, spec, &recordingFactory{})
		waitForState(t, a, StateActive)
		old := a.Connection()

		a.HandleFailure(errors.New("reset"))
		require.Equal(t, StateActive, a.State())
		require.NotSame(t, old, a.Connection())
		teardowns := a.teardowns.Load()

		a.connectionFailed(old, errors.New("late exception"))
		assert.Never(t, func() bool { return a.teardowns.Load() != teardowns }, 50*time.Millisecond, 5*time.Millisecond)
		assert.Equal(t, 2, b.ConnectionsOpened())
	})

	t.Run("failures racing stop start no recovery", func(t *testing.T) {
		b := newTestBroker()
		a := startActivation(t, b, queueSpec(), &recordingFactory{})
		waitForState(t, a, StateActive)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.OnException(errors.New("reset"))
			}()
		}
		a.Stop()
		wg.Wait()
		a.OnException(errors.New("after stop"))

		assert.Equal(t, StateStopped, a.State())
		assert.False(t, a.DeliveryActive())
	})

	t.Run("stop interrupts the reconnect wait", func(t *testing.T) {
		b := newTestBroker()
		b.Down()
		spec := queueSpec()
		spec.ReconnectInterval = 10 * time.Second
		a := startActivation(t, b, spec, &recordingFactory{})
		require.Eventually(t, a.InFailure, time.Second, time.Millisecond)

		stopped := time.Now()
		a.Stop()
		assert.Less(t, time.Since(stopped), time.Second)
		assert.Equal(t, StateStopped, a.State())
		assert.Eventually(t, func() bool { return !a.InFailure() }, time.Second, 5*time.Millisecond)
	})

	t.Run("failure after stop is ignored", func(t *testing.T) {
		b := newTestBroker()
		a := startActivation(t, b, queueSpec(), &recordingFactory{})
		waitForState(t, a, StateActive)
		a.Stop()

		a.HandleFailure(errors.New("late"))
		assert.Equal(t, StateStopped, a.State())
		assert.Equal(t, 1, b.ConnectionsOpened())
	})
}

func TestDurableTopicDelivery(t *testing.T) {
	b := newTestBroker()
	spec := DefaultActivationSpec()
	spec.Destination = "prices"
	spec.DestinationType = "topic"
	spec.ConnectionFactory = "cf"
	spec.SubscriptionDurability = Durable
	spec.SubscriptionName = "sub1"
	spec.ClientID = "c1"
	spec.MinSession = 1
	spec.MaxSession = 2

	f := &recordingFactory{delay: 50 * time.Millisecond}
	a := startActivation(t, b, spec, f)
	waitForState(t, a, StateActive)
	assert.True(t, a.IsTopic())

	var wg sync.WaitGroup
	sent := make(chan string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := memory.NewMessage([]byte("tick"), nil)
			sent <- msg.ID()
			assert.NoError(t, b.Publish(provider.NewTopic("prices"), msg))
		}()
	}
	wg.Wait()
	close(sent)

	require.Eventually(t, func() bool { return f.deliveredCount() == 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return f.deliveredCount() > 3 }, 100*time.Millisecond, 10*time.Millisecond)

	delivered, before, after, maxActive := f.snapshot()
	var ids []string
	for id := range sent {
		ids = append(ids, id)
	}
	assert.ElementsMatch(t, ids, delivered)
	assert.LessOrEqual(t, maxActive, 2)
	assert.Equal(t, 3, before)
	assert.Equal(t, 3, after)
	assert.Equal(t, 0, b.SubscriptionDepth("prices", "c1", "sub1"))

	idle, busy := a.Pool().Size()
	assert.LessOrEqual(t, idle+busy, 2)
}

func TestTransactedDelivery(t *testing.T) {
	t.Run("plain factory cannot serve transacted delivery", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.ReconnectAttempts = 0
		a := startActivation(t, b, spec, &recordingFactory{transacted: true})
		waitForState(t, a, StateInactive)
		assert.Equal(t, 0, b.ConnectionsOpened())
	})

	t.Run("endpoints receive the session xa resource", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.ConnectionFactory = "xacf"
		f := &recordingFactory{transacted: true}
		a := startActivation(t, b, spec, f)
		waitForState(t, a, StateActive)

		_, ok := a.Connection().(provider.XAConnection)
		assert.True(t, ok)
		f.mu.Lock()
		require.NotEmpty(t, f.xa)
		assert.NotNil(t, f.xa[0])
		f.mu.Unlock()
	})

	t.Run("non-transacted delivery prefers an xa factory", func(t *testing.T) {
		b := newTestBroker()
		spec := queueSpec()
		spec.ConnectionFactory = "xacf"
		f := &recordingFactory{}
		a := startActivation(t, b, spec, f)
		waitForState(t, a, StateActive)

		_, ok := a.Connection().(provider.XAConnection)
		assert.True(t, ok)
		f.mu.Lock()
		assert.Nil(t, f.xa[0])
		f.mu.Unlock()
	})

	t.Run("transaction timeout is set for every message", func(t *testing.T) {
		b := newTestBroker()
		tm := &mockTransactionManager{}
		tm.On("SetTransactionTimeout", 30).Return(nil)
		lookups := 0
		locate := func() (TransactionManager, error) {
			lookups++
			return tm, nil
		}

		spec := queueSpec()
		spec.TransactionTimeout = 30
		f := &recordingFactory{}
		a := startActivation(t, b, spec, f, WithTransactionManager(locate))
		waitForState(t, a, StateActive)

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Publish(provider.NewQueue("orders"), memory.NewMessage(nil, nil)))
		}
		require.Eventually(t, func() bool { return f.deliveredCount() == 3 }, 2*time.Second, 5*time.Millisecond)

		tm.AssertNumberOfCalls(t, "SetTransactionTimeout", 3)
		assert.Same(t, tm, a.TransactionManager())
		assert.Equal(t, 1, lookups)
	})

	t.Run("failed transaction manager lookup is cached as nil", func(t *testing.T) {
		lookups := 0
		a, err := NewActivation(queueSpec(), &recordingFactory{}, rejectingScheduler{},
			WithTransactionManager(func() (TransactionManager, error) {
				lookups++
				return nil, errors.New("not bound")
			}))
		require.NoError(t, err)
		assert.Nil(t, a.TransactionManager())
		assert.Nil(t, a.TransactionManager())
		assert.Equal(t, 1, lookups)
	})
}

func TestHandlerFailures(t *testing.T) {
	b := newTestBroker()
	calls := 0
	f := &recordingFactory{}
	f.handle = func(msg provider.Message) error {
		calls++
		switch calls {
		case 1:
			return errors.New("bad message")
		case 2:
			panic("handler bug")
		}
		return nil
	}
	spec := queueSpec()
	spec.MaxSession = 1
	a := startActivation(t, b, spec, f)
	waitForState(t, a, StateActive)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(provider.NewQueue("orders"), memory.NewMessage(nil, nil)))
	}
	require.Eventually(t, func() bool { return f.deliveredCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	_, before, after, _ := f.snapshot()
	assert.Equal(t, 4, before)
	assert.Equal(t, 4, after)
	assert.Equal(t, StateActive, a.State())
	assert.Eventually(t, func() bool {
		idle, busy := a.Pool().Size()
		return idle == 1 && busy == 0
	}, time.Second, 5*time.Millisecond)
}
