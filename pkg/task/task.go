// Package task defines what a registered handler sees: the task view it
// receives, the signature it implements and the error wrappers it uses to
// signal retry intent back to the worker.
package task

import (
	"context"
	"errors"
	"time"
)

// Task is the read-only view of one invocation handed to a handler.
type Task struct {
	ID     string
	Type   string
	Args   []any
	Kwargs map[string]any

	Queue      string
	Priority   int
	EnqueuedAt time.Time

	// RetryCount is the number of recorded failures before this attempt.
	RetryCount int
	MaxRetries int

	progress func(current, total int)
}

// Handler runs one task attempt. A nil error with a result means success.
// A plain non-nil error is retried per policy; wrap it with Fatal or
// RetryAfter to override.
type Handler func(ctx context.Context, t *Task) (any, error)

// WithProgress attaches the callback invoked by Progress. Set by the
// execution pool before dispatch.
func (t *Task) WithProgress(fn func(current, total int)) *Task {
	t.progress = fn
	return t
}

// Progress reports handler progress for long-running tasks. Best effort:
// the report lands in the result backend if one is configured and is
// otherwise dropped.
func (t *Task) Progress(current, total int) {
	if t.progress != nil {
		t.progress(current, total)
	}
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return e.err.Error()
}

func (e *retryAfterError) Unwrap() error {
	return e.err
}

// Fatal marks a handler error as non-retryable. The task is dead-lettered
// regardless of its remaining retry budget.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// RetryAfter marks a handler error as retryable with an explicit delay,
// overriding the worker's backoff policy for this attempt.
func RetryAfter(delay time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, delay: delay}
}

// IsFatal reports whether the error carries non-retryable intent.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// RetryDelay extracts an explicit retry delay, if the handler set one.
func RetryDelay(err error) (time.Duration, bool) {
	var re *retryAfterError
	if errors.As(err, &re) {
		return re.delay, true
	}
	return 0, false
}
