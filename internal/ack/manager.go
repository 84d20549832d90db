// Package ack converts execution outcomes into broker-level settle
// actions: acknowledge on success, re-publish with backoff on retryable
// failure, dead-letter when the retry budget is spent or the failure is
// fatal. Nothing is ever acknowledged before its outcome is known.
package ack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/drayq/drayq/internal/backend"
	"github.com/drayq/drayq/internal/envelope"
	"github.com/drayq/drayq/internal/transport"
	"github.com/drayq/drayq/internal/utils"
)

// DeadLetterSuffix names the per-queue dead-letter destination when no
// global one is configured.
const DeadLetterSuffix = ".dlq"

// Conn is the slice of the broker connection the manager needs.
type Conn interface {
	Ack(ctx context.Context, tag string) error
	Reject(ctx context.Context, tag string, requeue bool) error
	Publish(ctx context.Context, queue string, body []byte, opts transport.PublishOptions) error
}

type Options struct {
	Logger *slog.Logger

	// Retry paces re-deliveries of retryable failures.
	Retry utils.Backoff

	// DeadLetterQueue overrides the per-queue "<queue>.dlq" default.
	DeadLetterQueue string
}

type Manager struct {
	opts   *Options
	logger *slog.Logger
	conn   Conn
	store  backend.Store
}

func NewManager(opts *Options, conn Conn, store backend.Store) *Manager {
	o := buildOptions(opts)

	return &Manager{
		opts:   o,
		logger: o.Logger,
		conn:   conn,
		store:  store,
	}
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger: slog.Default(),
		Retry: utils.Backoff{
			Base: 3 * time.Second,
			Cap:  10 * time.Minute,
		},
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if opts.Retry.Base > 0 {
		def.Retry = opts.Retry
	}
	if len(opts.DeadLetterQueue) > 0 {
		def.DeadLetterQueue = opts.DeadLetterQueue
	}
	return def
}

// DeadLetterQueue resolves where failures from the given queue end up.
func (m *Manager) DeadLetterQueue(queue string) string {
	if len(m.opts.DeadLetterQueue) > 0 {
		return m.opts.DeadLetterQueue
	}
	return queue + DeadLetterSuffix
}

// Settle applies the outcome of one attempt to the broker.
func (m *Manager) Settle(ctx context.Context, env *envelope.Envelope, tag string, out Outcome) error {
	switch out.Code {
	case CodeSuccess:
		return m.succeed(ctx, env, tag, out)
	case CodeRetry:
		if env.Exhausted() {
			reason := fmt.Sprintf("retries exhausted after %d attempts: %s", env.RetryCount+1, out.Reason)
			return m.deadLetter(ctx, env, tag, reason)
		}
		return m.retry(ctx, env, tag, out)
	case CodeFatal:
		return m.deadLetter(ctx, env, tag, out.Reason)
	}

	return fmt.Errorf("unknown outcome code %d", out.Code)
}

// Requeue returns a delivery whose outcome was never observed, unchanged,
// to its queue. Used at shutdown: the retry count is not incremented
// because no failure was recorded.
func (m *Manager) Requeue(ctx context.Context, env *envelope.Envelope, tag string) error {
	if err := m.conn.Reject(ctx, tag, true); err != nil {
		return err
	}

	m.record(ctx, &backend.Entry{
		TaskID:     env.ID,
		Type:       env.Type,
		Queue:      env.Queue,
		State:      backend.StateQueued,
		RetryCount: env.RetryCount,
		EnqueuedAt: env.EnqueuedAt,
	})

	return nil
}

// Poison dead-letters a delivery whose body never decoded. The raw bytes
// travel with the record so an operator can inspect what arrived.
func (m *Manager) Poison(ctx context.Context, d transport.Delivery, reason string) error {
	m.logger.
		With("queue", d.Queue).
		With("tag", d.Tag).
		With("reason", reason).
		Error("poison message, dead-lettering without retry")

	dl := &envelope.DeadLetter{
		Raw:      d.Body,
		Reason:   reason,
		Queue:    d.Queue,
		FailedAt: time.Now(),
	}
	if err := m.publishDeadLetter(ctx, d.Queue, dl); err != nil {
		return err
	}

	return m.conn.Reject(ctx, d.Tag, false)
}

func (m *Manager) succeed(ctx context.Context, env *envelope.Envelope, tag string, out Outcome) error {
	if err := m.conn.Ack(ctx, tag); err != nil {
		return err
	}

	m.record(ctx, &backend.Entry{
		TaskID:     env.ID,
		Type:       env.Type,
		Queue:      env.Queue,
		State:      backend.StateSuccess,
		Result:     out.Result,
		RetryCount: env.RetryCount,
		EnqueuedAt: env.EnqueuedAt,
	})

	m.logger.
		With("task_id", env.ID).
		With("type", env.Type).
		Debug("task succeeded")
	return nil
}

// retry re-publishes the envelope with an incremented retry count and a
// new eta, then rejects the original delivery. Publish comes first: if
// the process dies between the two, the broker holds a duplicate rather
// than nothing.
func (m *Manager) retry(ctx context.Context, env *envelope.Envelope, tag string, out Outcome) error {
	delay := out.Delay
	if delay <= 0 {
		delay = m.opts.Retry.Delay(env.RetryCount)
	}

	next := *env
	next.RetryCount = env.RetryCount + 1
	next.NotBefore = time.Now().Add(delay)

	body, err := envelope.Encode(&next)
	if err != nil {
		return fmt.Errorf("failed to encode retry envelope: %w", err)
	}

	pubOpts := transport.PublishOptions{
		Priority:  next.Priority,
		NotBefore: next.NotBefore,
	}
	if err := m.conn.Publish(ctx, next.Queue, body, pubOpts); err != nil {
		// The original delivery stays leased; the transport reclaims it
		// and the task is attempted again without the count increment.
		m.logger.
			With("err", err).
			With("task_id", env.ID).
			Error("failed to publish retry, leaving original leased")
		return err
	}

	if err := m.conn.Reject(ctx, tag, false); err != nil {
		return err
	}

	m.record(ctx, &backend.Entry{
		TaskID:      env.ID,
		Type:        env.Type,
		Queue:       env.Queue,
		State:       backend.StateRetry,
		Reason:      out.Reason,
		RetryCount:  next.RetryCount,
		NextRetryAt: next.NotBefore,
		EnqueuedAt:  env.EnqueuedAt,
	})

	m.logger.
		With("task_id", env.ID).
		With("type", env.Type).
		With("retry_count", next.RetryCount).
		With("retry_in", delay).
		With("reason", out.Reason).
		Info("task failed, retry scheduled")
	return nil
}

func (m *Manager) deadLetter(ctx context.Context, env *envelope.Envelope, tag string, reason string) error {
	dl := &envelope.DeadLetter{
		Envelope: env,
		Reason:   reason,
		Queue:    env.Queue,
		FailedAt: time.Now(),
	}
	if err := m.publishDeadLetter(ctx, env.Queue, dl); err != nil {
		// Keep the lease so the delivery is reclaimed and dead-lettered
		// again; a failed task must never vanish without a record.
		return err
	}

	if err := m.conn.Reject(ctx, tag, false); err != nil {
		return err
	}

	m.record(ctx, &backend.Entry{
		TaskID:     env.ID,
		Type:       env.Type,
		Queue:      env.Queue,
		State:      backend.StateFailure,
		Reason:     reason,
		RetryCount: env.RetryCount,
		EnqueuedAt: env.EnqueuedAt,
	})

	m.logger.
		With("task_id", env.ID).
		With("type", env.Type).
		With("queue", env.Queue).
		With("reason", reason).
		Error("task dead-lettered")
	return nil
}

func (m *Manager) publishDeadLetter(ctx context.Context, queue string, dl *envelope.DeadLetter) error {
	body, err := envelope.EncodeDeadLetter(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}

	dlq := m.DeadLetterQueue(queue)
	if err := m.conn.Publish(ctx, dlq, body, transport.PublishOptions{}); err != nil {
		return fmt.Errorf("failed to publish dead letter to %q: %w", dlq, err)
	}

	return nil
}

// record persists a result entry. Best effort by contract: failures are
// logged and never influence the settle decision already made.
func (m *Manager) record(ctx context.Context, e *backend.Entry) {
	if err := m.store.Put(ctx, e); err != nil {
		m.logger.
			With("err", err).
			With("task_id", e.TaskID).
			Error("failed to store result entry")
	}
}
