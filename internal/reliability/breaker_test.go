package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreaker(t *testing.T) {
	ctx := context.Background()
	dialErr := errors.New("connection refused")
	fail := func() error { return dialErr }
	ok := func() error { return nil }

	t.Run("opens after threshold consecutive failures", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := NewBreaker(WithThreshold(2), WithCooldown(time.Minute), WithClock(clock.Now))

		assert.ErrorIs(t, b.Execute(ctx, fail), dialErr)
		assert.Equal(t, BreakerClosed, b.State())
		assert.ErrorIs(t, b.Execute(ctx, fail), dialErr)
		assert.Equal(t, BreakerOpen, b.State())

		called := false
		err := b.Execute(ctx, func() error { called = true; return nil })
		assert.False(t, called)
		require.ErrorIs(t, err, ErrBreakerOpen)

		var open *OpenError
		require.ErrorAs(t, err, &open)
		assert.Equal(t, 2, open.Failures)
		assert.Equal(t, dialErr, open.LastError)
		assert.Equal(t, clock.Now().Add(time.Minute), open.NextProbe)
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b := NewBreaker(WithThreshold(2))
		assert.Error(t, b.Execute(ctx, fail))
		assert.NoError(t, b.Execute(ctx, ok))
		assert.Error(t, b.Execute(ctx, fail))
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("half-open probe closes on success", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := NewBreaker(WithThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))
		assert.Error(t, b.Execute(ctx, fail))

		clock.Advance(time.Second)
		assert.Equal(t, BreakerHalfOpen, b.State())
		assert.NoError(t, b.Execute(ctx, ok))
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("half-open probe failure reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := NewBreaker(WithThreshold(3), WithCooldown(time.Second), WithClock(clock.Now))
		for i := 0; i < 3; i++ {
			assert.Error(t, b.Execute(ctx, fail))
		}

		clock.Advance(2 * time.Second)
		assert.ErrorIs(t, b.Execute(ctx, fail), dialErr)
		assert.Equal(t, BreakerOpen, b.State())
		assert.ErrorIs(t, b.Execute(ctx, ok), ErrBreakerOpen)
	})

	t.Run("only one half-open probe at a time", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		b := NewBreaker(WithThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))
		assert.Error(t, b.Execute(ctx, fail))
		clock.Advance(time.Second)

		inside := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- b.Execute(ctx, func() error {
				close(inside)
				<-release
				return nil
			})
		}()
		<-inside
		assert.ErrorIs(t, b.Execute(ctx, ok), ErrBreakerOpen)
		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("cancelled context is not a failure", func(t *testing.T) {
		b := NewBreaker(WithThreshold(1))
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, b.Execute(cancelled, fail), context.Canceled)
		assert.Equal(t, BreakerClosed, b.State())
	})

	t.Run("reset closes", func(t *testing.T) {
		b := NewBreaker(WithThreshold(1))
		assert.Error(t, b.Execute(ctx, fail))
		b.Reset()
		assert.Equal(t, BreakerClosed, b.State())
		assert.NoError(t, b.Execute(ctx, ok))
	})

	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
