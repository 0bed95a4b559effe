package outbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReentrantLock is a fair, reentrant lock keyed by an explicit owner
// identity. Waiters acquire it in arrival order.
type ReentrantLock struct {
	mu         sync.Mutex
	owner      string
	holds      int
	acquiredAt time.Time
	waiters    []*lockWaiter
}

type lockWaiter struct {
	owner   string
	since   time.Time
	ready   chan struct{}
	granted bool
}

// LockSnapshot describes who holds a ReentrantLock and who waits for it
type LockSnapshot struct {
	Owner      string
	Holds      int
	AcquiredAt time.Time
	Waiters    []LockWaiterInfo
}

// LockWaiterInfo describes one blocked owner
type LockWaiterInfo struct {
	Owner string
	Since time.Time
}

// Locked reports whether the snapshot shows an owner
func (s LockSnapshot) Locked() bool { return s.Owner != "" }

func (s LockSnapshot) String() string {
	if !s.Locked() && len(s.Waiters) == 0 {
		return "unlocked"
	}
	var b strings.Builder
	if s.Locked() {
		fmt.Fprintf(&b, "owner=%s holds=%d since=%s", s.Owner, s.Holds, s.AcquiredAt.Format(time.RFC3339Nano))
	} else {
		b.WriteString("owner=none")
	}
	if len(s.Waiters) > 0 {
		names := make([]string, len(s.Waiters))
		for i, w := range s.Waiters {
			names[i] = w.Owner
		}
		fmt.Fprintf(&b, " waiters=[%s]", strings.Join(names, " "))
	}
	return b.String()
}

// NewReentrantLock creates an unlocked lock
func NewReentrantLock() *ReentrantLock {
	return &ReentrantLock{}
}

// Lock blocks until owner holds the lock or ctx ends
func (l *ReentrantLock) Lock(ctx context.Context, owner string) error {
	if owner == "" {
		return fmt.Errorf("outbound: lock owner must not be empty")
	}
	l.mu.Lock()
	if l.owner == owner {
		l.holds++
		l.mu.Unlock()
		return nil
	}
	if l.owner == "" && len(l.waiters) == 0 {
		l.grantLocked(owner)
		l.mu.Unlock()
		return nil
	}
	w := &lockWaiter{owner: owner, since: time.Now(), ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		// handed over while giving up; pass it on
		l.releaseLocked()
		return ctx.Err()
	}
	l.removeWaiterLocked(w)
	return ctx.Err()
}

// TryLock is Lock bounded by timeout; a non-positive timeout waits indefinitely
func (l *ReentrantLock) TryLock(ctx context.Context, owner string, timeout time.Duration) error {
	if timeout <= 0 {
		return l.Lock(ctx, owner)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.Lock(ctx, owner)
}

// Unlock releases one hold of owner. It reports false when owner does not
// hold the lock, leaving the lock untouched.
func (l *ReentrantLock) Unlock(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" || l.owner != owner {
		return false
	}
	l.holds--
	if l.holds == 0 {
		l.releaseLocked()
	}
	return true
}

// Release drops every hold of owner, reporting whether it held the lock
func (l *ReentrantLock) Release(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == "" || l.owner != owner {
		return false
	}
	l.releaseLocked()
	return true
}

// HeldBy reports whether owner holds the lock
func (l *ReentrantLock) HeldBy(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return owner != "" && l.owner == owner
}

// Snapshot returns the current owner and waiters
func (l *ReentrantLock) Snapshot() LockSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := LockSnapshot{Owner: l.owner, Holds: l.holds, AcquiredAt: l.acquiredAt}
	for _, w := range l.waiters {
		s.Waiters = append(s.Waiters, LockWaiterInfo{Owner: w.owner, Since: w.since})
	}
	return s
}

func (l *ReentrantLock) grantLocked(owner string) {
	l.owner = owner
	l.holds = 1
	l.acquiredAt = time.Now()
}

// releaseLocked clears the owner and hands the lock to the first waiter
func (l *ReentrantLock) releaseLocked() {
	l.owner = ""
	l.holds = 0
	l.acquiredAt = time.Time{}
	if len(l.waiters) == 0 {
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	l.grantLocked(next.owner)
	next.granted = true
	close(next.ready)
}

func (l *ReentrantLock) removeWaiterLocked(w *lockWaiter) {
	for i, other := range l.waiters {
		if other == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}
