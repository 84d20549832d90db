package ack

import "time"

// Code tags the three possible results of one execution attempt.
type Code int

const (
	CodeSuccess Code = iota + 1
	CodeRetry
	CodeFatal
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeRetry:
		return "retry"
	case CodeFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is produced exactly once per execution attempt and consumed by
// the manager's Settle.
type Outcome struct {
	Code Code

	// Result carries the handler's return value on success.
	Result any

	// Reason describes the failure for retry and fatal outcomes.
	Reason string

	// Delay overrides the backoff policy for a retry outcome when
	// positive.
	Delay time.Duration
}

// Success builds the outcome for a completed attempt.
func Success(result any) Outcome {
	return Outcome{Code: CodeSuccess, Result: result}
}

// Retry builds the outcome for a failure worth retrying. A zero delay
// defers to the worker's backoff policy.
func Retry(reason string, delay time.Duration) Outcome {
	return Outcome{Code: CodeRetry, Reason: reason, Delay: delay}
}

// Fatal builds the outcome for a failure that must not be retried.
func Fatal(reason string) Outcome {
	return Outcome{Code: CodeFatal, Reason: reason}
}
