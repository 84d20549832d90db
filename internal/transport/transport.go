// Package transport defines the contract a broker implementation must
// satisfy. The worker core is written against this interface only; the
// concrete transports live under pkg/transports.
package transport

import (
	"context"
	"time"
)

// Delivery is one fetched message. Tag is the broker-assigned handle used
// to settle the delivery; it is valid for exactly one Ack or Reject.
type Delivery struct {
	Tag   string
	Queue string
	Body  []byte
}

type PublishOptions struct {
	// Priority orders dispatch, higher first.
	Priority int

	// NotBefore delays delivery until the given time. Zero publishes the
	// message as immediately deliverable.
	NotBefore time.Time
}

// QueueStats is a point-in-time snapshot of one queue.
type QueueStats struct {
	Pending   uint64
	Scheduled uint64
	InFlight  uint64
}

type Transport interface {
	Close() error

	// Ping verifies the broker is reachable. Errors are classified:
	// errs.ErrConnection for refusals and auth failures,
	// errs.ErrTransient for anything worth retrying.
	Ping(ctx context.Context) error

	// Publish stores a message on the named queue. Messages with a future
	// NotBefore are held in a scheduled set and become deliverable once due.
	Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) error

	// Fetch returns up to max deliverable messages, highest priority first,
	// oldest first within a priority. It does not block; an empty result
	// means the queue has nothing deliverable right now.
	//
	// Fetched messages are leased, not removed: a delivery whose lease
	// expires without a settle is reclaimed to pending on a later Fetch.
	Fetch(ctx context.Context, queue string, max int) ([]Delivery, error)

	// Ack removes a leased message for good.
	Ack(ctx context.Context, tag string) error

	// Reject settles a leased message negatively. With requeue the message
	// returns to pending unchanged; without it the message is dropped.
	Reject(ctx context.Context, tag string, requeue bool) error

	// Stats reports queue depths for the ops surface.
	Stats(ctx context.Context, queue string) (*QueueStats, error)

	// Peek reads pending message bodies without consuming them, in
	// dispatch order. Used to browse dead-letter queues.
	Peek(ctx context.Context, queue string, skip, limit int) ([][]byte, error)
}
