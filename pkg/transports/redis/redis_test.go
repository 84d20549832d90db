package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/internal/transport"
)

func newTestTransport(t *testing.T) transport.Transport {
	addr := os.Getenv("DRAYQ_TEST_REDIS_ADDR")
	if len(addr) == 0 {
		t.Skip("DRAYQ_TEST_REDIS_ADDR not set")
	}

	url := "redis://" + addr + "/9"

	ropts, err := goredis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := goredis.NewClient(ropts)
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	tr, err := NewTransport(&Options{URL: url, Lease: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Fatal(err)
		}
	})

	return tr
}

func TestRedisPublishFetchSettle(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	if err := tr.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	pub := func(body string, prio int) {
		t.Helper()
		if err := tr.Publish(ctx, "default", []byte(body), transport.PublishOptions{Priority: prio}); err != nil {
			t.Fatal(err)
		}
	}

	pub("low", 0)
	pub("high", 9)
	pub("mid", 5)

	t.Run("fetch in priority order", func(t *testing.T) {
		deliveries, err := tr.Fetch(ctx, "default", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(deliveries) != 3 {
			t.Fatalf("expected 3 deliveries, got %d", len(deliveries))
		}

		want := []string{"high", "mid", "low"}
		for i, d := range deliveries {
			if string(d.Body) != want[i] {
				t.Fatalf("position %d: expected %q, got %q", i, want[i], d.Body)
			}
		}

		stats, err := tr.Stats(ctx, "default")
		if err != nil {
			t.Fatal(err)
		}
		if stats.Pending != 0 || stats.InFlight != 3 {
			t.Fatalf("unexpected stats %+v", stats)
		}

		if err := tr.Ack(ctx, deliveries[0].Tag); err != nil {
			t.Fatal(err)
		}
		if err := tr.Ack(ctx, deliveries[0].Tag); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("expected not found on second ack, got %v", err)
		}

		if err := tr.Reject(ctx, deliveries[1].Tag, true); err != nil {
			t.Fatal(err)
		}
		if err := tr.Reject(ctx, deliveries[2].Tag, false); err != nil {
			t.Fatal(err)
		}

		stats, err = tr.Stats(ctx, "default")
		if err != nil {
			t.Fatal(err)
		}
		if stats.Pending != 1 || stats.InFlight != 0 {
			t.Fatalf("unexpected stats after settle %+v", stats)
		}
	})

	t.Run("requeued delivery comes back", func(t *testing.T) {
		deliveries, err := tr.Fetch(ctx, "default", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(deliveries) != 1 || string(deliveries[0].Body) != "mid" {
			t.Fatalf("unexpected deliveries %v", deliveries)
		}
		if err := tr.Ack(ctx, deliveries[0].Tag); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRedisScheduled(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	opts := transport.PublishOptions{NotBefore: time.Now().Add(100 * time.Millisecond)}
	if err := tr.Publish(ctx, "default", []byte("later"), opts); err != nil {
		t.Fatal(err)
	}

	deliveries, err := tr.Fetch(ctx, "default", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 0 {
		t.Fatal("scheduled message fetched before its eta")
	}

	stats, err := tr.Stats(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scheduled != 1 {
		t.Fatalf("expected 1 scheduled, got %+v", stats)
	}

	time.Sleep(120 * time.Millisecond)

	deliveries, err = tr.Fetch(ctx, "default", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 || string(deliveries[0].Body) != "later" {
		t.Fatalf("due message not delivered: %v", deliveries)
	}
}

func TestRedisLeaseReclaim(t *testing.T) {
	addr := os.Getenv("DRAYQ_TEST_REDIS_ADDR")
	if len(addr) == 0 {
		t.Skip("DRAYQ_TEST_REDIS_ADDR not set")
	}

	tr, err := NewTransport(&Options{
		URL:   "redis://" + addr + "/9",
		Lease: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })

	ctx := context.Background()

	if err := tr.Publish(ctx, "reclaim", []byte("crashy"), transport.PublishOptions{}); err != nil {
		t.Fatal(err)
	}

	deliveries, err := tr.Fetch(ctx, "reclaim", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 {
		t.Fatal("expected a delivery")
	}

	time.Sleep(70 * time.Millisecond)

	deliveries, err = tr.Fetch(ctx, "reclaim", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(deliveries) != 1 || string(deliveries[0].Body) != "crashy" {
		t.Fatalf("expired lease not reclaimed: %v", deliveries)
	}

	if err := tr.Ack(ctx, deliveries[0].Tag); err != nil {
		t.Fatal(err)
	}
}

func TestRedisPeek(t *testing.T) {
	tr := newTestTransport(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		body := []byte(fmt.Sprintf("msg-%d", i))
		if err := tr.Publish(ctx, "peek", body, transport.PublishOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	bodies, err := tr.Peek(ctx, "peek", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 2 || string(bodies[0]) != "msg-1" || string(bodies[1]) != "msg-2" {
		t.Fatalf("unexpected peek result %v", bodies)
	}

	stats, err := tr.Stats(ctx, "peek")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 5 {
		t.Fatalf("peek consumed messages: %+v", stats)
	}
}

func TestClassify(t *testing.T) {
	if err := classify("ping", fmt.Errorf("NOAUTH Authentication required")); !errors.Is(err, errs.ErrConnection) {
		t.Fatalf("auth failure must be a connection error, got %v", err)
	}
	if err := classify("ping", fmt.Errorf("dial tcp 127.0.0.1:6379: connect: connection refused")); !errors.Is(err, errs.ErrConnection) {
		t.Fatalf("refused connection must be a connection error, got %v", err)
	}
	if err := classify("fetch", fmt.Errorf("i/o timeout")); !errors.Is(err, errs.ErrTransient) {
		t.Fatalf("unknown failure must be transient, got %v", err)
	}
	if err := classify("fetch", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must pass through, got %v", err)
	}
}

func TestParseTag(t *testing.T) {
	queue, seq, err := parseTag("imports:42")
	if err != nil {
		t.Fatal(err)
	}
	if queue != "imports" || seq != "42" {
		t.Fatalf("unexpected parse %q %q", queue, seq)
	}

	// Queue names may contain separators themselves.
	queue, seq, err = parseTag("imports.dlq:7")
	if err != nil {
		t.Fatal(err)
	}
	if queue != "imports.dlq" || seq != "7" {
		t.Fatalf("unexpected parse %q %q", queue, seq)
	}

	for _, tag := range []string{"", "noseq", "queue:", ":42", "queue:abc"} {
		if _, _, err := parseTag(tag); !errors.Is(err, errs.ErrInvalidDeliveryTag) {
			t.Fatalf("tag %q: expected invalid delivery tag, got %v", tag, err)
		}
	}
}
