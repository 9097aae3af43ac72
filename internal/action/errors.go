package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobd/internal/job"
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry so
// the executor won't waste attempts on them.
//
// Example:
//
//	return nil, action.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before retrying.
//
// Useful when the downstream returns a Retry-After value (e.g. HTTP 429). The
// executor respects the hint, bounded by the job's MaxRetryDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Coded attaches a stable error code surfaced in the execution record.
func Coded(code string, err error) error {
	if err == nil {
		return nil
	}
	return codedError{code: code, err: err}
}

type codedError struct {
	code string
	err  error
}

func (e codedError) Error() string { return e.code + ": " + e.err.Error() }
func (e codedError) Unwrap() error { return e.err }

// Classify converts a handler error into the execution record's error shape.
// Cancellation and deadline errors keep their conventional codes; everything
// else defaults to retryable unless marked NoRetry.
func Classify(err error) *job.ExecError {
	if err == nil {
		return nil
	}
	out := &job.ExecError{Message: err.Error(), Retryable: true}

	switch {
	case errors.Is(err, context.Canceled):
		out.Code = "cancelled"
		out.Retryable = false
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = "timeout"
	}
	var ce codedError
	if errors.As(err, &ce) {
		out.Code = ce.code
	}
	if IsNoRetry(err) {
		out.Retryable = false
	}
	return out
}

// Hint extracts an explicit retry-after delay, if the error carries one.
func Hint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
