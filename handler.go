package drayq

import (
	"time"

	"github.com/drayq/drayq/pkg/task"
)

// Task is the view of one invocation a handler receives.
type Task = task.Task

// Handler executes one task attempt. The returned value is stored as the
// task's result; the returned error decides retry or dead-letter.
type Handler = task.Handler

// Fatal marks err as non-retryable: the task dead-letters immediately
// instead of consuming its retry budget.
func Fatal(err error) error {
	return task.Fatal(err)
}

// RetryAfter marks err as retryable with an explicit delay, overriding
// the worker's backoff schedule.
func RetryAfter(d time.Duration, err error) error {
	return task.RetryAfter(d, err)
}
