// Package bolt provides the embedded broker transport backed by a bbolt
// file. It is the default transport: a single worker process owns the
// file, which makes it suitable for development and single-node
// deployments without any external broker.
package bolt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	errs "github.com/drayq/drayq/internal/errors"
	"github.com/drayq/drayq/internal/transport"
)

// LeaseDuration is how long a fetched delivery stays reserved before an
// unsettled copy becomes reclaimable again.
const LeaseDuration = time.Minute

type btransport struct {
	mu sync.RWMutex

	logger *slog.Logger
	db     *bbolt.DB
	opts   *Options

	key *keyer
}

type Options struct {
	Logger *slog.Logger
	Path   string

	// Lease overrides LeaseDuration.
	Lease time.Duration
}

func NewTransport(o *Options) (transport.Transport, error) {
	opts := buildOptions(o)
	bt := btransport{
		logger: opts.Logger,
		opts:   opts,
		key:    newKeyer(),
	}
	if err := bt.init(); err != nil {
		bt.logger.
			With("err", err).
			With("path", opts.Path).
			Error("failed to initialize transport")
		return nil, err
	}
	return &bt, nil
}

func buildOptions(opts *Options) *Options {
	def := &Options{
		Logger: slog.Default(),
		Path:   "drayq.db",
		Lease:  LeaseDuration,
	}
	if opts == nil {
		return def
	}
	if opts.Logger != nil {
		def.Logger = opts.Logger
	}
	if len(opts.Path) > 0 {
		def.Path = opts.Path
	}
	if opts.Lease > 0 {
		def.Lease = opts.Lease
	}
	return def
}

func (t *btransport) init() error {
	db, err := bbolt.Open(t.opts.Path, 0600, &bbolt.Options{
		Timeout: time.Second * 1,
	})
	if err != nil {
		return errs.NewErrConnection("failed to open database file", err)
	}
	t.db = db

	return nil
}

func (t *btransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.db == nil {
		return nil
	}

	if err := t.db.Close(); err != nil {
		return err
	}

	t.db = nil

	return nil
}

func (t *btransport) Ping(_ context.Context) error {
	db, err := t.snapshot()
	if err != nil {
		return err
	}

	return db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (t *btransport) Publish(_ context.Context, queue string, body []byte, opts transport.PublishOptions) error {
	db, err := t.snapshot()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		if err := t.publishSingle(tx, queue, body, opts); err != nil {
			t.logger.
				With("err", err).
				With("met", "btransport.Publish").
				Error("failed to publish message")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (t *btransport) publishSingle(tx *bbolt.Tx, queue string, body []byte, opts transport.PublishOptions) error {
	seq := t.key.Next()
	prio := clampPriority(opts.Priority)

	if !opts.NotBefore.IsZero() && opts.NotBefore.After(time.Now()) {
		scheduled, err := tx.CreateBucketIfNotExists(bytes(scheduledKey(queue)))
		if err != nil {
			return fmt.Errorf("failed to create scheduled bucket: %w", err)
		}

		key := scheduledItemKey(opts.NotBefore.UnixNano(), seq)
		if err := scheduled.Put(key, frame(prio, body)); err != nil {
			return fmt.Errorf("failed to put message into scheduled: %w", err)
		}

		return nil
	}

	pending, err := tx.CreateBucketIfNotExists(bytes(pendingKey(queue)))
	if err != nil {
		return fmt.Errorf("failed to create pending bucket: %w", err)
	}

	if err := pending.Put(pendingItemKey(prio, seq), body); err != nil {
		return fmt.Errorf("failed to put message into pending: %w", err)
	}

	return nil
}

// Fetch moves up to max deliverable messages into the in-flight bucket
// and leases them. Due scheduled messages and expired leases are folded
// back into pending in the same transaction, so a crashed worker's
// deliveries resurface here.
func (t *btransport) Fetch(_ context.Context, queue string, max int) ([]transport.Delivery, error) {
	if max <= 0 {
		return nil, nil
	}

	db, err := t.snapshot()
	if err != nil {
		return nil, err
	}

	var deliveries []transport.Delivery

	tx := func(tx *bbolt.Tx) error {
		var err error

		now := time.Now()

		if err = t.migrateDue(tx, queue, now); err != nil {
			t.logger.
				With("err", err).
				With("met", "btransport.Fetch").
				Error("failed to migrate scheduled messages")
			return err
		}

		if err = t.reclaimExpired(tx, queue, now); err != nil {
			t.logger.
				With("err", err).
				With("met", "btransport.Fetch").
				Error("failed to reclaim expired leases")
			return err
		}

		deliveries, err = t.take(tx, queue, max, now)
		if err != nil {
			t.logger.
				With("err", err).
				With("met", "btransport.Fetch").
				Error("failed to take pending messages")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return nil, fmt.Errorf("failed to update database messages: %w", err)
	}

	return deliveries, nil
}

// migrateDue moves scheduled messages whose eta has passed into pending.
func (t *btransport) migrateDue(tx *bbolt.Tx, queue string, now time.Time) error {
	scheduled := tx.Bucket(bytes(scheduledKey(queue)))
	if scheduled == nil {
		return nil
	}

	pending, err := tx.CreateBucketIfNotExists(bytes(pendingKey(queue)))
	if err != nil {
		return fmt.Errorf("failed to create pending bucket: %w", err)
	}

	type due struct {
		key  []byte
		prio byte
		seq  uint64
		body []byte
	}

	var dues []due

	cur := scheduled.Cursor()
	for key, val := cur.First(); key != nil; key, val = cur.Next() {
		if etaFromScheduledKey(key) > now.UnixNano() {
			break
		}

		prio, body, err := unframe(val)
		if err != nil {
			return fmt.Errorf("failed to unframe scheduled message: %w", err)
		}

		dues = append(dues, due{
			key:  append([]byte(nil), key...),
			prio: prio,
			seq:  seqFromScheduledKey(key),
			body: append([]byte(nil), body...),
		})
	}

	for _, d := range dues {
		if err := pending.Put(pendingItemKey(d.prio, d.seq), d.body); err != nil {
			return fmt.Errorf("failed to put message into pending: %w", err)
		}
		if err := scheduled.Delete(d.key); err != nil {
			return fmt.Errorf("failed to delete message from scheduled: %w", err)
		}
	}

	return nil
}

// reclaimExpired folds in-flight messages with expired leases back into
// pending, preserving their original position.
func (t *btransport) reclaimExpired(tx *bbolt.Tx, queue string, now time.Time) error {
	lease := tx.Bucket(bytes(leaseKey(queue)))
	if lease == nil {
		return nil
	}

	inflight := tx.Bucket(bytes(inflightKey(queue)))
	if inflight == nil {
		return nil
	}

	pending, err := tx.CreateBucketIfNotExists(bytes(pendingKey(queue)))
	if err != nil {
		return fmt.Errorf("failed to create pending bucket: %w", err)
	}

	var expired [][]byte

	cur := lease.Cursor()
	for key, val := cur.First(); key != nil; key, val = cur.Next() {
		expiresAt := int64(uint64FromBytes(val))
		if expiresAt > now.UnixNano() {
			continue
		}
		expired = append(expired, append([]byte(nil), key...))
	}

	for _, key := range expired {
		val := inflight.Get(key)
		if val != nil {
			prio, body, err := unframe(val)
			if err != nil {
				return fmt.Errorf("failed to unframe in-flight message: %w", err)
			}

			seq := uint64FromBytes(key)
			if err := pending.Put(pendingItemKey(prio, seq), body); err != nil {
				return fmt.Errorf("failed to put message into pending: %w", err)
			}
			if err := inflight.Delete(key); err != nil {
				return fmt.Errorf("failed to delete message from in-flight: %w", err)
			}
		}

		if err := lease.Delete(key); err != nil {
			return fmt.Errorf("failed to delete lease: %w", err)
		}

		t.logger.
			With("queue", queue).
			With("seq", uint64FromBytes(key)).
			Info("reclaimed expired lease")
	}

	return nil
}

func (t *btransport) take(tx *bbolt.Tx, queue string, max int, now time.Time) ([]transport.Delivery, error) {
	pending := tx.Bucket(bytes(pendingKey(queue)))
	if pending == nil {
		return nil, nil
	}

	inflight, err := tx.CreateBucketIfNotExists(bytes(inflightKey(queue)))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight bucket: %w", err)
	}

	lease, err := tx.CreateBucketIfNotExists(bytes(leaseKey(queue)))
	if err != nil {
		return nil, fmt.Errorf("failed to create lease bucket: %w", err)
	}

	expiresAt := uint64ToBytes(uint64(now.Add(t.opts.Lease).UnixNano()))

	type taken struct {
		key  []byte
		prio byte
		seq  uint64
		body []byte
	}

	var items []taken

	cur := pending.Cursor()
	for key, val := cur.First(); key != nil && len(items) < max; key, val = cur.Next() {
		items = append(items, taken{
			key:  append([]byte(nil), key...),
			prio: prioFromPendingKey(key),
			seq:  seqFromPendingKey(key),
			body: append([]byte(nil), val...),
		})
	}

	deliveries := make([]transport.Delivery, 0, len(items))

	for _, it := range items {
		ik := inflightItemKey(it.seq)

		if err := inflight.Put(ik, frame(it.prio, it.body)); err != nil {
			return nil, fmt.Errorf("failed to move message to in-flight: %w", err)
		}
		if err := lease.Put(ik, expiresAt); err != nil {
			return nil, fmt.Errorf("failed to put lease on message: %w", err)
		}
		if err := pending.Delete(it.key); err != nil {
			return nil, fmt.Errorf("failed to delete message from pending: %w", err)
		}

		deliveries = append(deliveries, transport.Delivery{
			Tag:   deliveryTag(queue, it.seq),
			Queue: queue,
			Body:  it.body,
		})
	}

	return deliveries, nil
}

func (t *btransport) Ack(_ context.Context, tag string) error {
	queue, seq, err := parseTag(tag)
	if err != nil {
		return err
	}

	db, err := t.snapshot()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		if err := t.settleSingle(tx, queue, seq, false); err != nil {
			t.logger.
				With("err", err).
				With("met", "btransport.Ack").
				Error("failed to ack message")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

func (t *btransport) Reject(_ context.Context, tag string, requeue bool) error {
	queue, seq, err := parseTag(tag)
	if err != nil {
		return err
	}

	db, err := t.snapshot()
	if err != nil {
		return err
	}

	tx := func(tx *bbolt.Tx) error {
		if err := t.settleSingle(tx, queue, seq, requeue); err != nil {
			t.logger.
				With("err", err).
				With("met", "btransport.Reject").
				Error("failed to reject message")
			return err
		}

		return nil
	}

	if err := db.Update(tx); err != nil {
		return fmt.Errorf("failed to update database messages: %w", err)
	}

	return nil
}

// settleSingle removes one in-flight message and its lease, putting it
// back into pending at its original position when requeue is set.
func (t *btransport) settleSingle(tx *bbolt.Tx, queue string, seq uint64, requeue bool) error {
	inflight := tx.Bucket(bytes(inflightKey(queue)))
	if inflight == nil {
		return errs.NewErrNotFound("delivery")
	}

	ik := inflightItemKey(seq)

	val := inflight.Get(ik)
	if val == nil {
		return errs.NewErrNotFound("delivery")
	}

	if requeue {
		prio, body, err := unframe(val)
		if err != nil {
			return fmt.Errorf("failed to unframe in-flight message: %w", err)
		}

		pending, err := tx.CreateBucketIfNotExists(bytes(pendingKey(queue)))
		if err != nil {
			return fmt.Errorf("failed to create pending bucket: %w", err)
		}

		if err := pending.Put(pendingItemKey(prio, seq), body); err != nil {
			return fmt.Errorf("failed to put message into pending: %w", err)
		}
	}

	if err := inflight.Delete(ik); err != nil {
		return fmt.Errorf("failed to delete message from in-flight: %w", err)
	}

	if lease := tx.Bucket(bytes(leaseKey(queue))); lease != nil {
		if err := lease.Delete(ik); err != nil {
			return fmt.Errorf("failed to delete lease: %w", err)
		}
	}

	return nil
}

func (t *btransport) Stats(_ context.Context, queue string) (*transport.QueueStats, error) {
	db, err := t.snapshot()
	if err != nil {
		return nil, err
	}

	stats := &transport.QueueStats{}

	tx := func(tx *bbolt.Tx) error {
		stats.Pending = bucketCount(tx, pendingKey(queue))
		stats.Scheduled = bucketCount(tx, scheduledKey(queue))
		stats.InFlight = bucketCount(tx, inflightKey(queue))
		return nil
	}

	if err := db.View(tx); err != nil {
		return nil, fmt.Errorf("failed to view database messages: %w", err)
	}

	return stats, nil
}

// Peek returns pending message bodies without consuming them, in
// dispatch order.
func (t *btransport) Peek(_ context.Context, queue string, skip, limit int) ([][]byte, error) {
	db, err := t.snapshot()
	if err != nil {
		return nil, err
	}

	var bodies [][]byte

	tx := func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bytes(pendingKey(queue)))
		if pending == nil {
			return nil
		}

		cur := pending.Cursor()
		for key, val := cur.First(); key != nil; key, val = cur.Next() {
			if skip > 0 {
				skip -= 1
				continue
			}

			bodies = append(bodies, append([]byte(nil), val...))
			if limit > 0 && len(bodies) >= limit {
				break
			}
		}

		return nil
	}

	if err := db.View(tx); err != nil {
		return nil, fmt.Errorf("failed to view database messages: %w", err)
	}

	return bodies, nil
}

func (t *btransport) snapshot() (*bbolt.DB, error) {
	t.mu.RLock()
	db := t.db
	t.mu.RUnlock()

	if db == nil {
		return nil, errs.ErrShutdown
	}

	return db, nil
}

func bucketCount(tx *bbolt.Tx, name string) uint64 {
	b := tx.Bucket(bytes(name))
	if b == nil {
		return 0
	}

	return uint64(b.Stats().KeyN)
}

func bytes(s string) []byte {
	return []byte(s)
}
