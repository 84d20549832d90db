package drayq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/drayq/drayq/internal/backend"
	"github.com/drayq/drayq/internal/broker"
	"github.com/drayq/drayq/internal/envelope"
	"github.com/drayq/drayq/internal/transport"
)

// Client enqueues tasks. Obtain one from Worker.Client; it shares the
// worker's broker connection, which for the embedded bolt transport is
// the only way producers and consumers can coexist in one process.
type Client struct {
	logger *slog.Logger
	conn   broker.Connection
	store  backend.Store

	maxRetries int
}

type job struct {
	queue      string
	priority   int
	notBefore  time.Time
	expiresAt  time.Time
	maxRetries int
	timeout    time.Duration
}

// Option customizes one enqueued task.
type Option func(*job)

// WithQueue routes the task to the named queue instead of the default.
func WithQueue(queue string) Option {
	return func(j *job) {
		j.queue = queue
	}
}

// WithPriority ranks the task; higher runs sooner. Valid range 0-255.
func WithPriority(priority int) Option {
	return func(j *job) {
		j.priority = priority
	}
}

// WithDelay holds the task back for d from now.
func WithDelay(d time.Duration) Option {
	return func(j *job) {
		j.notBefore = time.Now().Add(d)
	}
}

// WithAt holds the task back until the given time.
func WithAt(t time.Time) Option {
	return func(j *job) {
		j.notBefore = t
	}
}

// WithExpires drops the task without execution once t has passed.
func WithExpires(t time.Time) Option {
	return func(j *job) {
		j.expiresAt = t
	}
}

// WithMaxRetries overrides the worker's default retry budget.
func WithMaxRetries(n int) Option {
	return func(j *job) {
		j.maxRetries = n
	}
}

// WithTimeout bounds the handler invocation for this task only.
func WithTimeout(d time.Duration) Option {
	return func(j *job) {
		j.timeout = d
	}
}

// Enqueue publishes one task invocation and returns its generated id.
func (c *Client) Enqueue(ctx context.Context, taskType string, args []any, kwargs map[string]any, opts ...Option) (string, error) {
	if len(taskType) == 0 {
		return "", fmt.Errorf("task type is required")
	}

	j := &job{
		queue:      DefaultQueue,
		maxRetries: c.maxRetries,
	}
	for _, opt := range opts {
		opt(j)
	}

	if j.maxRetries < 0 {
		return "", fmt.Errorf("max retries cannot be negative")
	}
	if j.timeout < 0 {
		return "", fmt.Errorf("timeout cannot be negative")
	}

	env := &envelope.Envelope{
		ID:         uuid.NewString(),
		Type:       taskType,
		Args:       args,
		Kwargs:     kwargs,
		Queue:      j.queue,
		Priority:   j.priority,
		EnqueuedAt: time.Now(),
		NotBefore:  j.notBefore,
		ExpiresAt:  j.expiresAt,
		MaxRetries: j.maxRetries,
		Timeout:    j.timeout,
	}

	body, err := envelope.Encode(env)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	err = c.conn.Publish(ctx, j.queue, body, transport.PublishOptions{
		Priority:  j.priority,
		NotBefore: j.notBefore,
	})
	if err != nil {
		return "", err
	}

	c.record(ctx, env)

	return env.ID, nil
}

// record writes the queued state, best effort. A backend failure never
// fails the enqueue: the task is already on the broker.
func (c *Client) record(ctx context.Context, env *envelope.Envelope) {
	entry := &backend.Entry{
		TaskID:     env.ID,
		Type:       env.Type,
		Queue:      env.Queue,
		State:      backend.StateQueued,
		EnqueuedAt: env.EnqueuedAt,
	}
	if !env.NotBefore.IsZero() {
		entry.NextRetryAt = env.NotBefore
	}

	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.
			With("err", err).
			With("task_id", env.ID).
			Error("failed to record queued state")
	}
}
