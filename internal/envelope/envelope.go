// Package envelope defines the wire format of one task invocation and its
// codec. Envelopes are what producers publish and what the worker fetches;
// everything else in the system passes them around without re-parsing.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	errs "github.com/drayq/drayq/internal/errors"
)

// Envelope describes a single task invocation.
//
// RetryCount counts recorded failures, not deliveries: a task that succeeds
// on first attempt finishes with RetryCount 0. MaxRetries is the number of
// re-deliveries allowed after failures, so a task is attempted at most
// MaxRetries+1 times before it is dead-lettered.
type Envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	Queue    string `json:"queue"`
	Priority int    `json:"priority,omitempty"`

	EnqueuedAt time.Time `json:"enqueuedAt"`

	// NotBefore holds the task back from dispatch until the given time.
	// Zero means immediately eligible.
	NotBefore time.Time `json:"notBefore"`

	// ExpiresAt drops the task without execution once passed.
	// Zero means the task never expires.
	ExpiresAt time.Time `json:"expiresAt"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	// Timeout overrides the worker's default per-task timeout.
	// Zero means use the default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Eligible reports whether the envelope may be dispatched at the given time.
func (e *Envelope) Eligible(now time.Time) bool {
	return e.NotBefore.IsZero() || !now.Before(e.NotBefore)
}

// Expired reports whether the envelope has outlived its ExpiresAt.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Exhausted reports whether the retry budget has been spent.
func (e *Envelope) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// Validate checks the structural invariants a decoded envelope must hold.
func Validate(e *Envelope) error {
	if len(e.ID) == 0 {
		return errs.NewErrMalformedEnvelope("missing task id")
	}
	if len(e.Type) == 0 {
		return errs.NewErrMalformedEnvelope("missing task type")
	}
	if e.RetryCount < 0 {
		return errs.NewErrMalformedEnvelope("negative retry count")
	}
	if e.MaxRetries < 0 {
		return errs.NewErrMalformedEnvelope("negative max retries")
	}
	if e.Timeout < 0 {
		return errs.NewErrMalformedEnvelope("negative timeout")
	}
	return nil
}

// Encode encodes an envelope into a byte slice.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode decodes a byte slice into an envelope.
//
// Schema violations yield ErrMalformedEnvelope; such payloads are poison
// messages and must be dead-lettered, never requeued.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errs.NewErrMalformedEnvelope(fmt.Sprintf("invalid json: %v", err))
	}
	if err := Validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeadLetter wraps a failed envelope with the reason it was given up on.
// Dead letters are published on the dead-letter queue for operator triage;
// they are never silently dropped.
type DeadLetter struct {
	// Envelope is nil for poison messages that could not be decoded;
	// Raw then carries the original bytes.
	Envelope *Envelope `json:"envelope,omitempty"`
	Raw      []byte    `json:"raw,omitempty"`

	Reason   string    `json:"reason"`
	Queue    string    `json:"queue"`
	FailedAt time.Time `json:"failedAt"`
}

// EncodeDeadLetter encodes a dead-letter record into a byte slice.
func EncodeDeadLetter(d *DeadLetter) ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDeadLetter decodes a byte slice into a dead-letter record.
func DecodeDeadLetter(data []byte) (*DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter: %w", err)
	}
	return &d, nil
}
