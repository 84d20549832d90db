package broker

import (
	"context"

	"github.com/drayq/drayq/internal/transport"
)

func (c *connection) Fetch(ctx context.Context, max int) (dels []transport.Delivery, err error) {
	if max <= 0 {
		max = 1
	}

	for attempt := 0; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dels, err := c.fetchOnce(ctx, max)
		if err != nil {
			delay := c.opts.Redial.Delay(attempt)
			attempt += 1

			c.logger.
				With("err", err).
				With("attempt", attempt).
				With("retry_in", delay).
				Error("fetch failed, backing off")

			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
			continue
		}

		if attempt > 0 {
			c.logger.
				With("attempts", attempt).
				Info("broker connection recovered")
			attempt = 0
		}

		if len(dels) > 0 {
			return dels, nil
		}

		if !sleepCtx(ctx, c.opts.PollInterval) {
			return nil, ctx.Err()
		}
	}
}

// fetchOnce polls each queue once, starting after the queue served last
// time so no queue can starve the others. Partial results survive a
// mid-round failure.
func (c *connection) fetchOnce(ctx context.Context, max int) (dels []transport.Delivery, err error) {
	c.mu.Lock()
	start := c.next
	c.next = (c.next + 1) % len(c.opts.Queues)
	c.mu.Unlock()

	for i := 0; i < len(c.opts.Queues) && max > 0; i++ {
		q := c.opts.Queues[(start+i)%len(c.opts.Queues)]

		batch, ferr := c.tr.Fetch(ctx, q, max)
		if ferr != nil {
			if len(dels) > 0 {
				c.logger.
					With("err", ferr).
					With("queue", q).
					Error("fetch round failed partway, returning partial batch")
				return dels, nil
			}
			return nil, ferr
		}

		c.register(batch)
		dels = append(dels, batch...)
		max -= len(batch)
	}

	return dels, nil
}

func (c *connection) register(dels []transport.Delivery) {
	if len(dels) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range dels {
		c.tags.Add(d.Tag)
	}
}
