package bench

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUserAbort is the cancellation cause for an operator abort. It is
	// not a failure: workers skip retry handling and drain immediately.
	ErrUserAbort = errors.New("aborted by user")
	// ErrTimeLimit is the cancellation cause when the run time limit
	// elapses. It is handled as a user abort.
	ErrTimeLimit = fmt.Errorf("time limit reached: %w", ErrUserAbort)

	ErrWindowFull    = errors.New("transfer window full")
	ErrWindowNotFull = errors.New("transfer window not full")
	ErrLoopUnderrun  = errors.New("loop data read before it was written")
)

// ConfigurationError reports invalid endpoint geometry or a failed device
// setup step. It is fatal for the session and never retried.
type ConfigurationError struct {
	Pipe   uint8
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration error on EP%02Xh: %s", e.Pipe, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(pipe uint8, err error, format string, args ...any) error {
	return &ConfigurationError{Pipe: pipe, Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsUserAbort reports whether ctx was cancelled by an operator abort or the
// run time limit.
func IsUserAbort(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrUserAbort)
}
