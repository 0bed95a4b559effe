package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionFailed marks a connection-level failure. Providers wrap it so
	// callers can distinguish broken connections from per-operation errors.
	ErrConnectionFailed = errors.New("provider: connection failed")
	// ErrClosed is returned by operations on closed connections or sessions
	ErrClosed = errors.New("provider: closed")
	// ErrNameNotFound is returned by Directory.Lookup for unbound names
	ErrNameNotFound = errors.New("provider: name not found")
	// ErrInvalidDestination is returned for unusable destinations or types
	ErrInvalidDestination = errors.New("provider: invalid destination")
	// ErrInvalidAckMode is returned for unsupported acknowledgement modes
	ErrInvalidAckMode = errors.New("provider: invalid acknowledgement mode")
	// ErrClientIDInUse is returned when another connection holds the client id
	ErrClientIDInUse = errors.New("provider: client id already in use")
	// ErrInvalidSelector is returned for message selectors a provider cannot evaluate
	ErrInvalidSelector = errors.New("provider: invalid message selector")
	// ErrPoolStopped is wrapped by ServerSessionPool implementations once
	// they stop handing out sessions; connection consumers end quietly on it
	ErrPoolStopped = errors.New("provider: server session pool stopped")
	// ErrXA is returned by XA resources for protocol violations
	ErrXA = errors.New("provider: xa protocol error")
)

// LookupError describes a failed or mistyped Directory lookup
type LookupError struct {
	Name      string
	Want      string
	Got       string
	Err       error
	Timestamp time.Time
}

func (e *LookupError) Error() string {
	if e.Want != "" {
		return fmt.Sprintf("provider lookup error: object at %q is not a %s (got %s)", e.Name, e.Want, e.Got)
	}
	return fmt.Sprintf("provider lookup error: %q: %v", e.Name, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// IsConnectionFailure reports whether err marks a broken connection
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}
