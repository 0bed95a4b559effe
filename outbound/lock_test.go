package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReentrantLock(t *testing.T) {
	t.Run("reentrant for the same owner", func(t *testing.T) {
		l := NewReentrantLock()
		ctx := context.Background()
		require.NoError(t, l.Lock(ctx, "a"))
		require.NoError(t, l.Lock(ctx, "a"))
		assert.Equal(t, 2, l.Snapshot().Holds)

		assert.True(t, l.Unlock("a"))
		assert.True(t, l.HeldBy("a"))
		assert.True(t, l.Unlock("a"))
		assert.False(t, l.HeldBy("a"))
		assert.False(t, l.Snapshot().Locked())
	})

	t.Run("unlock by non owner is refused", func(t *testing.T) {
		l := NewReentrantLock()
		assert.False(t, l.Unlock("a"))
		require.NoError(t, l.Lock(context.Background(), "a"))
		assert.False(t, l.Unlock("b"))
		assert.True(t, l.HeldBy("a"))
	})

	t.Run("empty owner rejected", func(t *testing.T) {
		l := NewReentrantLock()
		assert.Error(t, l.Lock(context.Background(), ""))
	})

	t.Run("release drops every hold", func(t *testing.T) {
		l := NewReentrantLock()
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, l.Lock(ctx, "a"))
		}
		assert.True(t, l.Release("a"))
		assert.False(t, l.Snapshot().Locked())
		assert.False(t, l.Release("a"))
	})

	t.Run("waiters acquire in arrival order", func(t *testing.T) {
		l := NewReentrantLock()
		ctx := context.Background()
		require.NoError(t, l.Lock(ctx, "holder"))

		var (
			mu    sync.Mutex
			order []string
			wg    sync.WaitGroup
		)
		owners := []string{"w1", "w2", "w3"}
		for i, owner := range owners {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, l.Lock(ctx, owner))
				mu.Lock()
				order = append(order, owner)
				mu.Unlock()
				l.Unlock(owner)
			}()
			require.Eventually(t, func() bool { return len(l.Snapshot().Waiters) == i+1 },
				time.Second, time.Millisecond)
		}

		snap := l.Snapshot()
		assert.Equal(t, "holder", snap.Owner)
		require.Len(t, snap.Waiters, 3)
		assert.Equal(t, "w1", snap.Waiters[0].Owner)
		assert.Contains(t, snap.String(), "waiters=[w1 w2 w3]")

		l.Unlock("holder")
		wg.Wait()
		assert.Equal(t, owners, order)
	})

	t.Run("cancelled waiter leaves the queue", func(t *testing.T) {
		l := NewReentrantLock()
		require.NoError(t, l.Lock(context.Background(), "a"))

		err := l.TryLock(context.Background(), "b", 20*time.Millisecond)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Empty(t, l.Snapshot().Waiters)

		assert.True(t, l.Unlock("a"))
		require.NoError(t, l.TryLock(context.Background(), "b", 20*time.Millisecond))
		assert.True(t, l.HeldBy("b"))
	})
}

func TestManagedConnectionTryLock(t *testing.T) {
	t.Run("times out after use try lock seconds", func(t *testing.T) {
		f, _ := newFakeFactory(t, MCFProperties{UseTryLock: 1})
		mc := newConnection(t, f, nil, nil)
		ctx := context.Background()
		require.NoError(t, mc.TryLock(ctx, "holder"))
		defer mc.Unlock("holder")

		start := time.Now()
		err := mc.TryLock(ctx, "late")
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.True(t, IsResourceAllocation(err))
		assert.True(t, errors.Is(err, ErrLockUnavailable))
		assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
		assert.Less(t, elapsed, 3*time.Second)

		var rae *ResourceAllocationError
		require.True(t, errors.As(err, &rae))
		assert.Equal(t, "late", rae.Owner)
		assert.Equal(t, mc.ID(), rae.Connection)
		assert.Equal(t, time.Second, rae.Timeout)
		assert.Equal(t, "holder", rae.Snapshot.Owner)
		assert.Contains(t, err.Error(), "unable to obtain lock in 1s")
	})

	t.Run("zero blocks until released", func(t *testing.T) {
		f, _ := newFakeFactory(t, MCFProperties{UseTryLock: 0})
		mc := newConnection(t, f, nil, nil)
		ctx := context.Background()
		require.NoError(t, mc.TryLock(ctx, "holder"))

		acquired := make(chan error, 1)
		go func() { acquired <- mc.TryLock(ctx, "waiter") }()

		select {
		case err := <-acquired:
			t.Fatalf("lock acquired while held: %v", err)
		case <-time.After(300 * time.Millisecond):
		}

		mc.Unlock("holder")
		select {
		case err := <-acquired:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never acquired the lock")
		}
		assert.True(t, mc.lock.HeldBy("waiter"))
		mc.Unlock("waiter")
	})

	t.Run("cancellation while blocking is an interruption", func(t *testing.T) {
		f, _ := newFakeFactory(t, MCFProperties{})
		mc := newConnection(t, f, nil, nil)
		require.NoError(t, mc.Lock(context.Background(), "holder"))
		defer mc.Unlock("holder")

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := mc.TryLock(ctx, "waiter")
		require.Error(t, err)
		assert.True(t, IsResourceAllocation(err))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Contains(t, err.Error(), "interrupted")
	})

	t.Run("unlock when not held is harmless", func(t *testing.T) {
		f, _ := newFakeFactory(t, MCFProperties{})
		mc := newConnection(t, f, nil, nil)
		mc.Unlock("nobody")
		assert.False(t, mc.LockSnapshot().Locked())
	})
}
