// Package broker manages the worker's link to its transport: the initial
// dial with its startup grace period, the blocking fetch path with
// reconnect backoff, and the delivery-tag table that guards every settle.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/internal/transport"
	"github.com/drayq/drayq/internal/utils"
)

type Connection interface {
	// Dial verifies the broker is reachable, retrying transient failures
	// until the startup grace period runs out. Refusals and auth failures
	// are fatal immediately.
	Dial(ctx context.Context) error

	// Fetch blocks until at least one delivery is available or the context
	// ends. It polls the configured queues round-robin and keeps retrying
	// with capped backoff through broker outages; it never gives up on its
	// own.
	Fetch(ctx context.Context, max int) (dels []transport.Delivery, err error)

	// Ack settles a delivery positively. A tag may be settled exactly
	// once: a second Ack or Reject returns ErrInvalidDeliveryTag.
	Ack(ctx context.Context, tag string) error

	// Reject settles a delivery negatively, optionally requeueing the
	// original message unchanged.
	Reject(ctx context.Context, tag string, requeue bool) error

	// Publish stores a message on the named queue, retrying transient
	// failures.
	Publish(ctx context.Context, queue string, body []byte, opts transport.PublishOptions) error

	// Outstanding reports how many fetched deliveries are not settled yet.
	Outstanding() int

	Close() error
}

type Options struct {
	Logger *slog.Logger

	// Queues are polled round-robin by Fetch.
	Queues []string

	// StartupGrace bounds how long Dial retries transient failures.
	StartupGrace time.Duration

	// Redial paces retries after fetch failures and during Dial.
	Redial utils.Backoff

	// PollInterval is the idle wait between fetch attempts when every
	// queue came back empty.
	PollInterval time.Duration
}

type connection struct {
	opts   *Options
	logger *slog.Logger
	tr     transport.Transport

	mu   sync.Mutex
	tags utils.UniqueSet
	next int
}

func New(opts *Options, tr transport.Transport) Connection {
	o := buildOptions(opts)

	return &connection{
		opts:   o,
		logger: o.Logger,
		tr:     tr,
		tags:   make(utils.UniqueSet),
	}
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger:       slog.Default(),
		Queues:       []string{"default"},
		StartupGrace: 30 * time.Second,
		Redial: utils.Backoff{
			Base: time.Second,
			Cap:  30 * time.Second,
		},
		PollInterval: 100 * time.Millisecond,
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if len(opts.Queues) > 0 {
		def.Queues = opts.Queues
	}
	if opts.StartupGrace > 0 {
		def.StartupGrace = opts.StartupGrace
	}
	if opts.Redial.Base > 0 {
		def.Redial = opts.Redial
	}
	if opts.PollInterval > 0 {
		def.PollInterval = opts.PollInterval
	}
	return def
}

func (c *connection) Dial(ctx context.Context) error {
	deadline := time.Now().Add(c.opts.StartupGrace)

	for attempt := 0; ; attempt++ {
		err := c.tr.Ping(ctx)
		if err == nil {
			c.logger.
				With("queues", c.opts.Queues).
				Info("broker connection established")
			return nil
		}

		if errors.Is(err, errs.ErrConnection) {
			c.logger.
				With("err", err).
				Error("broker refused connection")
			return err
		}

		delay := c.opts.Redial.Delay(attempt)
		if time.Now().Add(delay).After(deadline) {
			return errs.NewErrConnection("broker unreachable within startup grace", err)
		}

		c.logger.
			With("err", err).
			With("attempt", attempt+1).
			With("retry_in", delay).
			Info("broker not reachable yet, retrying")

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (c *connection) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.tags)
}

func (c *connection) Close() error {
	return c.tr.Close()
}

// sleepCtx waits for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
