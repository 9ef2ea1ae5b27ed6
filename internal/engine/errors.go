package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotRunning   = errors.New("scheduler not running")
	ErrNoExecutor   = errors.New("scheduler requires an executor")
	ErrStopTimeout  = errors.New("scheduler loop did not exit before the stop deadline")
	ErrStopPending  = errors.New("previous scheduler loop is still exiting")
	ErrRetryExhaust = errors.New("retry attempts exhausted")
)

// ConfigError is returned by Start when the scheduler settings failed validation.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// ActionError is a failed action as reported by an executor. Message is the
// human-readable text the classifier inspects.
type ActionError struct {
	Kind    ActionKind
	Message string
	Err     error
}

func NewActionError(kind ActionKind, message string) error {
	return &ActionError{Kind: kind, Message: message}
}

func (e *ActionError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: failed", e.Kind)
	}
}

func (e *ActionError) Unwrap() error { return e.Err }

// NoRetry marks an error as permanent for Retry.
//
// Example:
//
//	return engine.NoRetry(fmt.Errorf("bad driver url: %w", err))
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

// RetryAfter carries a suggested delay before the next attempt.
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
