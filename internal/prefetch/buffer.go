// Package prefetch holds fetched, decoded tasks between the broker
// connection and the execution pool. The buffer is bounded: its free
// capacity drives how much the fetch path asks the broker for, which is
// the worker's backpressure mechanism.
package prefetch

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drayq/drayq/internal/envelope"
	"github.com/drayq/drayq/internal/utils"
)

// ErrFull is returned by Put when the buffer has no free capacity. The
// fetch path sizes its requests by Free, so hitting this indicates a
// caller bug rather than normal backpressure.
var ErrFull = fmt.Errorf("prefetch buffer is full")

// Item is one undispatched task: its decoded envelope plus the delivery
// tag needed to settle it later.
type Item struct {
	Env *envelope.Envelope
	Tag string
}

// Buffer is a bounded priority buffer. Eligible items (eta reached) are
// dispatched by priority descending, then arrival order. Items with a
// future eta are parked in a scheduled heap and never block dispatch of
// later-arriving eligible items.
type Buffer struct {
	mu        sync.Mutex
	capacity  int
	seq       uint64
	ready     readyHeap
	scheduled schedHeap

	notify chan utils.Empty
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{
		capacity: capacity,
		notify:   make(chan utils.Empty, 1),
	}
}

func (b *Buffer) Cap() int {
	return b.capacity
}

// Len returns the number of undispatched items, eligible or scheduled.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ready.Len() + b.scheduled.Len()
}

// Free returns the remaining capacity. The fetch path must not request
// more deliveries than this.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.capacity - b.ready.Len() - b.scheduled.Len()
}

// Put inserts an item, routing it to the ready or scheduled heap by eta.
func (b *Buffer) Put(it *Item) error {
	b.mu.Lock()

	if b.ready.Len()+b.scheduled.Len() >= b.capacity {
		b.mu.Unlock()
		return ErrFull
	}

	b.seq += 1
	e := &entry{item: it, seq: b.seq}

	if it.Env.Eligible(time.Now()) {
		heap.Push(&b.ready, e)
	} else {
		heap.Push(&b.scheduled, e)
	}
	b.mu.Unlock()

	b.wake()
	return nil
}

// Next blocks until an item is eligible for dispatch or the context ends.
func (b *Buffer) Next(ctx context.Context) (*Item, error) {
	for {
		b.mu.Lock()
		b.promote(time.Now())

		if b.ready.Len() > 0 {
			e := heap.Pop(&b.ready).(*entry)
			remaining := b.ready.Len()
			b.mu.Unlock()

			if remaining > 0 {
				// Cascade the wakeup to the next blocked slot.
				b.wake()
			}
			return e.item, nil
		}

		wait := time.Second
		if b.scheduled.Len() > 0 {
			if until := time.Until(b.scheduled[0].item.Env.NotBefore); until < wait {
				wait = until
			}
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Drain removes and returns every undispatched item. Called at shutdown
// so the worker can requeue what it fetched but never ran.
func (b *Buffer) Drain() []*Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := make([]*Item, 0, b.ready.Len()+b.scheduled.Len())
	for b.ready.Len() > 0 {
		items = append(items, heap.Pop(&b.ready).(*entry).item)
	}
	for b.scheduled.Len() > 0 {
		items = append(items, heap.Pop(&b.scheduled).(*entry).item)
	}

	return items
}

// promote moves due scheduled items into the ready heap. Caller holds mu.
func (b *Buffer) promote(now time.Time) {
	for b.scheduled.Len() > 0 && b.scheduled[0].item.Env.Eligible(now) {
		heap.Push(&b.ready, heap.Pop(&b.scheduled).(*entry))
	}
}

func (b *Buffer) wake() {
	select {
	case b.notify <- utils.Empty{}:
	default:
	}
}
