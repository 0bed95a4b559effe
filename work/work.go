// Package work schedules units of work on bounded goroutines and reports their
// progress to listeners.
package work

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrManagerStopped is reported for work submitted after Shutdown
	ErrManagerStopped = errors.New("work: manager stopped")
	// ErrStartTimeout is reported when work could not start within its start timeout
	ErrStartTimeout = errors.New("work: start timeout expired")
	// ErrWorkPanicked is reported when Work.Run panics
	ErrWorkPanicked = errors.New("work: panic during run")
)

// Work is a unit of work executed by a Scheduler
type Work interface {
	Run()
	// Release asks a running work item to finish early
	Release()
}

// EventType identifies a work lifecycle transition
type EventType int

const (
	EventAccepted EventType = iota
	EventRejected
	EventStarted
	EventCompleted
)

func (t EventType) String() string {
	switch t {
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event describes a work lifecycle transition
type Event struct {
	Type      EventType
	Work      Work
	Err       error
	Timestamp time.Time
}

// Listener observes the lifecycle of scheduled work. For every accepted item
// exactly one of WorkCompleted or WorkRejected is delivered.
type Listener interface {
	WorkAccepted(e Event)
	WorkRejected(e Event)
	WorkStarted(e Event)
	WorkCompleted(e Event)
}

// ListenerAdapter implements Listener with no-ops, for embedding
type ListenerAdapter struct{}

func (ListenerAdapter) WorkAccepted(Event)  {}
func (ListenerAdapter) WorkRejected(Event)  {}
func (ListenerAdapter) WorkStarted(Event)   {}
func (ListenerAdapter) WorkCompleted(Event) {}

// Scheduler runs work asynchronously
type Scheduler interface {
	// ScheduleWork accepts work for asynchronous execution
	ScheduleWork(w Work) error
	// ScheduleWorkWithListener accepts work and reports its progress to listener.
	// A non-positive startTimeout waits indefinitely for an execution slot.
	ScheduleWorkWithListener(w Work, startTimeout time.Duration, listener Listener) error
}

// WorkFunc adapts a function to Work
type WorkFunc func()

func (f WorkFunc) Run()     { f() }
func (f WorkFunc) Release() {}

// WorkError describes a work item that was rejected or failed
type WorkError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("work error: %s: %v", e.Op, e.Err)
}

func (e *WorkError) Unwrap() error {
	return e.Err
}
