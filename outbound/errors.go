package outbound

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDestroyed is returned by operations on a destroyed managed connection
	ErrDestroyed = errors.New("outbound: managed connection already destroyed")
	// ErrStillActive is returned by Cleanup while the connection lock is held or contended
	ErrStillActive = errors.New("outbound: managed connection still has active locks")
	// ErrNotSupported is returned for capabilities the physical connection lacks
	ErrNotSupported = errors.New("outbound: not supported")
	// ErrHandleClosed is returned by operations on a closed handle
	ErrHandleClosed = errors.New("outbound: handle closed")
	// ErrInvalidConfiguration marks an unusable managed connection factory configuration
	ErrInvalidConfiguration = errors.New("outbound: invalid configuration")
	// ErrLockUnavailable is wrapped by ResourceAllocationError
	ErrLockUnavailable = errors.New("outbound: unable to obtain lock")
)

// ResourceAllocationError reports a lock acquisition that timed out or was interrupted
type ResourceAllocationError struct {
	Connection string
	Owner      string
	Timeout    time.Duration
	Snapshot   LockSnapshot
	Err        error
	Timestamp  time.Time
}

func (e *ResourceAllocationError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("outbound resource allocation error: %s unable to obtain lock in %s on %s (%s): %v",
			e.Owner, e.Timeout, e.Connection, e.Snapshot, e.Err)
	}
	return fmt.Sprintf("outbound resource allocation error: %s interrupted attempting lock on %s (%s): %v",
		e.Owner, e.Connection, e.Snapshot, e.Err)
}

func (e *ResourceAllocationError) Unwrap() []error {
	return []error{ErrLockUnavailable, e.Err}
}

// SecurityError reports credentials that differ from the connection's
// original authentication
type SecurityError struct {
	Op        string
	Bound     string
	Requested string
	Timestamp time.Time
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("outbound security error: %s: password credentials not the same, reauthentication not allowed (bound %q, requested %q)",
		e.Op, e.Bound, e.Requested)
}

// ConnectionError wraps a failure of the physical connection or session
type ConnectionError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("outbound connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsResourceAllocation reports whether err is a lock acquisition failure
func IsResourceAllocation(err error) bool {
	var rae *ResourceAllocationError
	return errors.As(err, &rae)
}

// IsSecurity reports whether err is a credential mismatch
func IsSecurity(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}
