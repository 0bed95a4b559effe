package reliability

import (
	"context"
	"time"
)

// UnlimitedAttempts makes a ReconnectPolicy retry until stopped
const UnlimitedAttempts = -1

// ReconnectPolicy is a fixed-interval retry policy for re-establishing a
// connection. Attempts are counted from zero.
type ReconnectPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// NewReconnectPolicy creates a reconnect policy; maxAttempts -1 means unlimited
func NewReconnectPolicy(interval time.Duration, maxAttempts int) ReconnectPolicy {
	return ReconnectPolicy{Interval: interval, MaxAttempts: maxAttempts}
}

// Allows reports whether attempt (zero based) may still be made
func (p ReconnectPolicy) Allows(attempt int) bool {
	return p.MaxAttempts == UnlimitedAttempts || attempt < p.MaxAttempts
}

// Unlimited reports whether the policy never gives up
func (p ReconnectPolicy) Unlimited() bool {
	return p.MaxAttempts == UnlimitedAttempts
}

// NextDelay returns the wait before the given attempt
func (p ReconnectPolicy) NextDelay(attempt int) time.Duration {
	if p.Interval < 0 {
		return 0
	}
	return p.Interval
}

// Sleep waits for d or until ctx is done, returning ctx.Err() when interrupted
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
