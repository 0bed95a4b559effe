package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Execute while the breaker rejects calls
var ErrBreakerOpen = errors.New("reliability: breaker is open")

// BreakerState is the state of a Breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError carries the failure that tripped the breaker
type OpenError struct {
	Failures  int
	LastError error
	NextProbe time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker open after %d failures, next probe at %s: %v",
		e.Failures, e.NextProbe.Format(time.RFC3339), e.LastError)
}

func (e *OpenError) Unwrap() error {
	return ErrBreakerOpen
}

// Breaker stops repeating an operation that keeps failing, such as dialing
// a broker that is down. After threshold consecutive failures it opens for
// cooldown; then a single half-open call decides whether it closes again.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	lastErr   error
	openedAt  time.Time
	probing   bool
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithThreshold sets the consecutive failures that open the breaker
func WithThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open
func WithCooldown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// NewBreaker creates a closed breaker, opening after 3 failures for 30s
// unless configured otherwise
func NewBreaker(opts ...BreakerOption) *Breaker {
	b := &Breaker{
		threshold: 3,
		cooldown:  30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the breaker is open. A cancelled ctx is returned
// without running fn and is not counted as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current state, reporting an open breaker whose
// cooldown elapsed as half-open
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !b.now().Before(b.openedAt.Add(b.cooldown)) {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset closes the breaker and forgets failures
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.lastErr = nil
	b.probing = false
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		next := b.openedAt.Add(b.cooldown)
		if b.now().Before(next) {
			return &OpenError{Failures: b.failures, LastError: b.lastErr, NextProbe: next}
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return &OpenError{Failures: b.failures, LastError: b.lastErr, NextProbe: b.now()}
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.state = BreakerClosed
		b.failures = 0
		b.lastErr = nil
		return
	}
	b.failures++
	b.lastErr = err
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}
