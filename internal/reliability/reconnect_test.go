package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicy(t *testing.T) {
	t.Run("bounded policy allows exactly max attempts", func(t *testing.T) {
		p := NewReconnectPolicy(100*time.Millisecond, 3)

		for i := 0; i < 3; i++ {
			assert.True(t, p.Allows(i))
		}
		assert.False(t, p.Allows(3))
		assert.False(t, p.Unlimited())
		assert.Equal(t, 100*time.Millisecond, p.NextDelay(2))
	})

	t.Run("unlimited policy never gives up", func(t *testing.T) {
		p := NewReconnectPolicy(time.Second, UnlimitedAttempts)

		assert.True(t, p.Unlimited())
		assert.True(t, p.Allows(0))
		assert.True(t, p.Allows(1_000_000))
	})

	t.Run("zero attempts allows nothing", func(t *testing.T) {
		p := NewReconnectPolicy(time.Second, 0)
		assert.False(t, p.Allows(0))
	})

	t.Run("negative interval yields no delay", func(t *testing.T) {
		p := NewReconnectPolicy(-time.Second, 1)
		assert.Equal(t, time.Duration(0), p.NextDelay(0))
	})
}

func TestSleep(t *testing.T) {
	t.Run("waits for the full duration", func(t *testing.T) {
		start := time.Now()
		err := Sleep(context.Background(), 50*time.Millisecond)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("returns early when interrupted", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := Sleep(ctx, 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("zero duration reports prior cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
		assert.NoError(t, Sleep(context.Background(), 0))
	})
}
