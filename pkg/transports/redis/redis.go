// Package redis provides the broker transport backed by a Redis server,
// for deployments where multiple workers share one broker. Each queue
// lives in a set of hash-tagged keys: a pending sorted set ordered by
// priority and arrival, a scheduled sorted set ordered by eta, a lease
// sorted set for in-flight deliveries and one hash per message. All
// multi-key operations run as scripts so they stay atomic.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/internal/transport"
)

// LeaseDuration is how long a fetched delivery stays reserved before an
// unsettled copy becomes reclaimable again.
const LeaseDuration = time.Minute

type rtransport struct {
	logger *slog.Logger
	client *goredis.Client
	opts   *Options
}

type Options struct {
	Logger *slog.Logger

	// URL is a redis:// or rediss:// connection string.
	URL string

	// Lease overrides LeaseDuration.
	Lease time.Duration
}

func NewTransport(o *Options) (transport.Transport, error) {
	opts := buildOptions(o)

	ropts, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, errs.NewErrConnection("invalid redis url", err)
	}

	return &rtransport{
		logger: opts.Logger,
		client: goredis.NewClient(ropts),
		opts:   opts,
	}, nil
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger: slog.Default(),
		URL:    "redis://localhost:6379/0",
		Lease:  LeaseDuration,
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if len(opts.URL) > 0 {
		def.URL = opts.URL
	}
	if opts.Lease > 0 {
		def.Lease = opts.Lease
	}
	return def
}

func (t *rtransport) Close() error {
	return t.client.Close()
}

func (t *rtransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (t *rtransport) Publish(ctx context.Context, queue string, body []byte, opts transport.PublishOptions) error {
	var eta int64
	if !opts.NotBefore.IsZero() {
		eta = opts.NotBefore.UnixMilli()
	}

	keys := []string{seqKey(queue), pendingKey(queue), scheduledKey(queue)}
	argv := []interface{}{
		msgKeyPrefix(queue),
		body,
		int(clampPriority(opts.Priority)),
		eta,
		time.Now().UnixMilli(),
	}

	if err := publishCmd.Run(ctx, t.client, keys, argv...).Err(); err != nil {
		return classify("publish", err)
	}

	return nil
}

func (t *rtransport) Fetch(ctx context.Context, queue string, max int) ([]transport.Delivery, error) {
	if max <= 0 {
		return nil, nil
	}

	now := time.Now()
	keys := []string{pendingKey(queue), scheduledKey(queue), leaseKey(queue)}
	argv := []interface{}{
		msgKeyPrefix(queue),
		now.UnixMilli(),
		max,
		now.Add(t.opts.Lease).UnixMilli(),
	}

	res, err := fetchCmd.Run(ctx, t.client, keys, argv...).Slice()
	if err != nil {
		return nil, classify("fetch", err)
	}

	if len(res)%2 != 0 {
		return nil, fmt.Errorf("fetch script returned %d elements", len(res))
	}

	deliveries := make([]transport.Delivery, 0, len(res)/2)
	for i := 0; i < len(res); i += 2 {
		seq, ok := res[i].(string)
		if !ok {
			return nil, fmt.Errorf("fetch script returned non-string sequence %T", res[i])
		}
		body, ok := res[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("fetch script returned non-string body %T", res[i+1])
		}

		deliveries = append(deliveries, transport.Delivery{
			Tag:   deliveryTag(queue, seq),
			Queue: queue,
			Body:  []byte(body),
		})
	}

	return deliveries, nil
}

func (t *rtransport) Ack(ctx context.Context, tag string) error {
	queue, seq, err := parseTag(tag)
	if err != nil {
		return err
	}

	keys := []string{leaseKey(queue), msgKey(queue, seq)}

	n, err := ackCmd.Run(ctx, t.client, keys, seq).Int64()
	if err != nil {
		return classify("ack", err)
	}
	if n == 0 {
		return errs.NewErrNotFound("delivery")
	}

	return nil
}

func (t *rtransport) Reject(ctx context.Context, tag string, requeue bool) error {
	queue, seq, err := parseTag(tag)
	if err != nil {
		return err
	}

	flag := "0"
	if requeue {
		flag = "1"
	}

	keys := []string{leaseKey(queue), pendingKey(queue), msgKey(queue, seq)}

	n, err := rejectCmd.Run(ctx, t.client, keys, seq, flag).Int64()
	if err != nil {
		return classify("reject", err)
	}
	if n == 0 {
		return errs.NewErrNotFound("delivery")
	}

	return nil
}

func (t *rtransport) Stats(ctx context.Context, queue string) (*transport.QueueStats, error) {
	pipe := t.client.Pipeline()

	pending := pipe.ZCard(ctx, pendingKey(queue))
	scheduled := pipe.ZCard(ctx, scheduledKey(queue))
	inflight := pipe.ZCard(ctx, leaseKey(queue))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classify("stats", err)
	}

	return &transport.QueueStats{
		Pending:   uint64(pending.Val()),
		Scheduled: uint64(scheduled.Val()),
		InFlight:  uint64(inflight.Val()),
	}, nil
}

func (t *rtransport) Peek(ctx context.Context, queue string, skip, limit int) ([][]byte, error) {
	if skip < 0 {
		skip = 0
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(skip + limit - 1)
	}

	keys := []string{pendingKey(queue)}

	res, err := peekCmd.Run(ctx, t.client, keys, msgKeyPrefix(queue), skip, stop).Slice()
	if err != nil {
		return nil, classify("peek", err)
	}

	bodies := make([][]byte, 0, len(res))
	for _, v := range res {
		body, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("peek script returned non-string body %T", v)
		}
		bodies = append(bodies, []byte(body))
	}

	return bodies, nil
}

func clampPriority(p int) byte {
	if p < 0 {
		return 0
	}
	if p > 255 {
		return 255
	}
	return byte(p)
}

// classify folds driver errors into the broker error taxonomy: failures
// that a redial cannot fix become connection errors, everything network
// shaped becomes transient so callers retry it with backoff.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOAUTH"),
		strings.Contains(msg, "WRONGPASS"),
		strings.Contains(msg, "invalid username-password"),
		strings.Contains(msg, "invalid password"):
		return errs.NewErrConnection("broker rejected credentials", err)
	case strings.Contains(msg, "connection refused"):
		return errs.NewErrConnection("broker refused connection", err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return errs.NewErrTransient(fmt.Sprintf("%s network failure", op), err)
	}

	return errs.NewErrTransient(fmt.Sprintf("%s failed", op), err)
}
