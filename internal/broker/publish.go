package broker

import (
	"context"
	"errors"
	"fmt"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/internal/transport"
)

// settleAttempts bounds retries of ack/reject/publish calls. Unlike the
// fetch path these must not block a slot forever: an abandoned lease is
// reclaimed by the transport, which keeps at-least-once intact.
const settleAttempts = 3

func (c *connection) Publish(ctx context.Context, queue string, body []byte, opts transport.PublishOptions) error {
	op := func() error {
		return c.tr.Publish(ctx, queue, body, opts)
	}
	if err := c.withRetry(ctx, op); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", queue, err)
	}

	return nil
}

func (c *connection) withRetry(ctx context.Context, op func() error) (err error) {
	for attempt := 0; attempt < settleAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrTransient) {
			return err
		}

		delay := c.opts.Redial.Delay(attempt)
		c.logger.
			With("err", err).
			With("attempt", attempt+1).
			With("retry_in", delay).
			Error("broker call failed, retrying")

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}

	return err
}
