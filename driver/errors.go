package driver

import (
	"errors"
	"fmt"
)

// Transfer status sentinels. Backends wrap their native codes in these so
// callers can classify failures with errors.Is.
var (
	ErrTimeout   = errors.New("transfer timed out")
	ErrCancelled = errors.New("transfer cancelled")
	ErrAborted   = errors.New("transfer aborted")
	ErrStall     = errors.New("pipe stalled")
	ErrOverflow  = errors.New("transfer overflow")
	ErrNoDevice  = errors.New("no such device")
	ErrIO        = errors.New("transfer i/o error")
	ErrBusy      = errors.New("resource busy")
	ErrInFlight  = errors.New("transfer already in flight")
	ErrNotFound  = errors.New("not found")
	ErrClosed    = errors.New("device closed")

	// ErrWaitTimeout reports that Transfer.Wait gave up while the request
	// is still owned by the backend. It is a timeout-class error.
	ErrWaitTimeout = fmt.Errorf("completion wait expired: %w", ErrTimeout)
)

// IsTimeout reports whether err belongs to the timeout class: timed out,
// cancelled or aborted.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrAborted)
}

// StatusError carries a backend native status next to its class sentinel.
type StatusError struct {
	Class  error
	Status int
	Op     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Class, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Class }
