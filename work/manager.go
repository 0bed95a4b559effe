package work

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Manager is a Scheduler backed by goroutines bounded by a weighted semaphore
type Manager struct {
	maxConcurrency int64
	sem            *semaphore.Weighted
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	running map[*task]struct{}
	wg      sync.WaitGroup
}

type task struct {
	work     Work
	listener Listener
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithMaxConcurrency bounds the number of work items running at once
func WithMaxConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrency = int64(n)
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a work manager
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		maxConcurrency: 64,
		logger:         slog.Default(),
		running:        make(map[*task]struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	m.sem = semaphore.NewWeighted(m.maxConcurrency)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// ScheduleWork implements Scheduler
func (m *Manager) ScheduleWork(w Work) error {
	return m.ScheduleWorkWithListener(w, 0, nil)
}

// ScheduleWorkWithListener implements Scheduler
func (m *Manager) ScheduleWorkWithListener(w Work, startTimeout time.Duration, listener Listener) error {
	if w == nil {
		return &WorkError{Op: "schedule", Err: errors.New("nil work"), Timestamp: time.Now()}
	}
	t := &task{work: w, listener: listener}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		err := &WorkError{Op: "schedule", Err: ErrManagerStopped, Timestamp: time.Now()}
		t.notify(EventRejected, err)
		return err
	}
	m.wg.Add(1)
	m.mu.Unlock()

	t.notify(EventAccepted, nil)
	go m.execute(t, startTimeout)
	return nil
}

func (m *Manager) execute(t *task, startTimeout time.Duration) {
	defer m.wg.Done()

	ctx := m.ctx
	if startTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, startTimeout)
		defer cancel()
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		cause := ErrStartTimeout
		if m.ctx.Err() != nil {
			cause = ErrManagerStopped
		}
		m.logger.Debug("work rejected before start", "error", cause)
		t.notify(EventRejected, &WorkError{Op: "start", Err: cause, Timestamp: time.Now()})
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	m.running[t] = struct{}{}
	m.mu.Unlock()

	t.notify(EventStarted, nil)
	runErr := m.run(t.work)

	m.mu.Lock()
	delete(m.running, t)
	m.mu.Unlock()

	t.notify(EventCompleted, runErr)
}

func (m *Manager) run(w Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("work panicked", "panic", r)
			err = &WorkError{Op: "run", Err: fmt.Errorf("%w: %v", ErrWorkPanicked, r), Timestamp: time.Now()}
		}
	}()
	w.Run()
	return nil
}

// Running returns the number of work items currently executing
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Shutdown rejects new work, rejects work still waiting for a slot, asks
// running work to release, and waits for it to finish or ctx to end
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	running := make([]*task, 0, len(m.running))
	for t := range m.running {
		running = append(running, t)
	}
	m.mu.Unlock()

	m.cancel()
	for _, t := range running {
		t.work.Release()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return &WorkError{Op: "shutdown", Err: ctx.Err(), Timestamp: time.Now()}
	}
}

func (t *task) notify(typ EventType, err error) {
	if t.listener == nil {
		return
	}
	e := Event{Type: typ, Work: t.work, Err: err, Timestamp: time.Now()}
	switch typ {
	case EventAccepted:
		t.listener.WorkAccepted(e)
	case EventRejected:
		t.listener.WorkRejected(e)
	case EventStarted:
		t.listener.WorkStarted(e)
	case EventCompleted:
		t.listener.WorkCompleted(e)
	}
}
