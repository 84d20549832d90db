package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/go-redis/redis/v8"
)

type redisStore struct {
	logger *slog.Logger
	client *redis.Client
	ttl    time.Duration
}

type RedisOpts struct {
	URL    string
	Logger *slog.Logger

	// TTL expires stored results. Zero keeps the 24h default.
	TTL time.Duration
}

func NewRedisStore(opts *RedisOpts) (Store, error) {
	o := defaultRedisOpts(opts)

	ropts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &redisStore{
		logger: o.Logger,
		client: redis.NewClient(ropts),
		ttl:    o.TTL,
	}, nil
}

func defaultRedisOpts(o *RedisOpts) *RedisOpts {
	def := &RedisOpts{
		URL:    "redis://localhost:6379/0",
		Logger: slog.Default(),
		TTL:    24 * time.Hour,
	}
	if o == nil {
		return def
	}
	if len(o.URL) > 0 {
		def.URL = o.URL
	}
	if o.Logger != nil {
		def.Logger = o.Logger
	}
	if o.TTL > 0 {
		def.TTL = o.TTL
	}

	return def
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) Put(ctx context.Context, e *Entry) error {
	e.UpdatedAt = time.Now()

	enc, err := Encode(e)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, resultKey(e.TaskID), enc, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save result entry: %w", err)
	}

	return nil
}

func (s *redisStore) Get(ctx context.Context, taskID string) (*Entry, error) {
	data, err := s.client.Get(ctx, resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.NewErrNotFound("result")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve result entry: %w", err)
	}

	return Decode(data)
}
