package errs

import "fmt"

var (
	// ErrConnection marks broker failures that cannot be fixed by retrying:
	// refused connections, authentication failures, unusable URLs. It is
	// surfaced to the process supervisor.
	ErrConnection = fmt.Errorf("connection error")

	// ErrTransient marks broker failures worth retrying with backoff:
	// timeouts, resets, temporarily unreachable hosts. A worker never stops
	// retrying a transient failure unless it is shut down.
	ErrTransient = fmt.Errorf("transient network error")

	// ErrMalformedEnvelope marks payloads that cannot be decoded into an
	// envelope. They are dead-lettered without requeue.
	ErrMalformedEnvelope = fmt.Errorf("malformed envelope")

	// ErrUnknownTaskType marks envelopes whose type has no registered
	// handler. Fatal per-task, dead-lettered.
	ErrUnknownTaskType = fmt.Errorf("unknown task type")

	// ErrInvalidDeliveryTag marks a second ack/reject of the same delivery
	// tag. A programming or integration bug: reported, never silent.
	ErrInvalidDeliveryTag = fmt.Errorf("invalid delivery tag")

	// ErrShutdown is returned by components that have already been closed.
	ErrShutdown = fmt.Errorf("already shutdown")

	ErrNotFound = fmt.Errorf("not found")

	ErrAlreadyExists = fmt.Errorf("already exists")
)

func NewErrConnection(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %v %w", reason, err, ErrConnection)
	}
	return fmt.Errorf("%s %w", reason, ErrConnection)
}

func NewErrTransient(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %v %w", reason, err, ErrTransient)
	}
	return fmt.Errorf("%s %w", reason, ErrTransient)
}

func NewErrMalformedEnvelope(reason string) error {
	return fmt.Errorf("%s %w", reason, ErrMalformedEnvelope)
}

func NewErrUnknownTaskType(taskType string) error {
	return fmt.Errorf("%q %w", taskType, ErrUnknownTaskType)
}

func NewErrInvalidDeliveryTag(tag string) error {
	return fmt.Errorf("tag %q %w", tag, ErrInvalidDeliveryTag)
}

func NewErrNotFound(kind string) error {
	return fmt.Errorf("%s %w", kind, ErrNotFound)
}

func NewErrAlreadyExists(kind string) error {
	return fmt.Errorf("%s %w", kind, ErrAlreadyExists)
}
