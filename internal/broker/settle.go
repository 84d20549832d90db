package broker

import (
	"context"
	"fmt"

	errs "github.com/drayq/drayq/internal/errors"
)

func (c *connection) Ack(ctx context.Context, tag string) error {
	if err := c.claim(tag); err != nil {
		return err
	}

	op := func() error {
		return c.tr.Ack(ctx, tag)
	}
	if err := c.withRetry(ctx, op); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}

	return nil
}

func (c *connection) Reject(ctx context.Context, tag string, requeue bool) error {
	if err := c.claim(tag); err != nil {
		return err
	}

	op := func() error {
		return c.tr.Reject(ctx, tag, requeue)
	}
	if err := c.withRetry(ctx, op); err != nil {
		return fmt.Errorf("failed to reject delivery: %w", err)
	}

	return nil
}

// claim removes the tag from the outstanding table, making it the current
// caller's to settle. A tag that is not outstanding was either settled
// already or never fetched; both are integration bugs surfaced as
// ErrInvalidDeliveryTag.
func (c *connection) claim(tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tags.AlreadyExists(tag) {
		return errs.NewErrInvalidDeliveryTag(tag)
	}
	c.tags.Delete(tag)

	return nil
}
