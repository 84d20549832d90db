package drayq

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/drayq/drayq/internal/transport"
	"github.com/drayq/drayq/pkg/transports/bolt"
	"github.com/drayq/drayq/pkg/transports/redis"
)

// openTransport builds a transport from a broker URL. bolt://<path>
// opens the embedded store, redis:// and rediss:// a Redis client.
func openTransport(rawURL string, logger *slog.Logger) (transport.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}

	switch u.Scheme {
	case "bolt":
		return bolt.NewTransport(&bolt.Options{
			Logger: logger,
			Path:   u.Host + u.Path,
		})
	case "redis", "rediss":
		return redis.NewTransport(&redis.Options{
			Logger: logger,
			URL:    rawURL,
		})
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
