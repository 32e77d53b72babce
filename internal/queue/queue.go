// Package queue implements the job work queue: a FIFO with a bounded
// in-memory segment that spills to a persistence.SpillStore. Once anything
// has spilled, new items go to the store as well so order is kept across
// the memory/disk boundary.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marklogic/corb2/internal/persistence"
)

var (
	// ErrClosed is returned by Offer after Close or Discard.
	ErrClosed = errors.New("queue closed")
	// ErrDrained is returned by Take when the queue is closed and empty.
	ErrDrained = errors.New("queue drained")
)

// Item is one unit of work: one URI, or a batch of URIs.
type Item []string

// Options configures a Queue.
type Options struct {
	// MaxInMemory bounds the in-memory segment. Zero or less means unbounded,
	// in which case Store is never used.
	MaxInMemory int
	// Store receives items beyond MaxInMemory.
	Store persistence.SpillStore
}

// Queue is safe for one producer and any number of consumers.
type Queue struct {
	mu      sync.Mutex
	mem     []Item
	limit   int
	store   persistence.SpillStore
	spilled int
	closed  bool
	changed chan struct{}
}

// New creates a queue. A positive MaxInMemory requires a Store.
func New(opts Options) (*Queue, error) {
	if opts.MaxInMemory > 0 && opts.Store == nil {
		return nil, fmt.Errorf("bounded queue of %d items needs a spill store", opts.MaxInMemory)
	}
	limit := opts.MaxInMemory
	if limit < 0 {
		limit = 0
	}
	return &Queue{
		limit:   limit,
		store:   opts.Store,
		changed: make(chan struct{}),
	}, nil
}

// broadcast wakes every waiter. Caller holds q.mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Offer appends item.
func (q *Queue) Offer(ctx context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.limit > 0 && (q.spilled > 0 || len(q.mem) >= q.limit) {
		if err := q.store.Push(ctx, item); err != nil {
			return fmt.Errorf("spilling item: %w", err)
		}
		q.spilled++
	} else {
		q.mem = append(q.mem, item)
	}
	q.broadcast()
	return nil
}

// Poll removes and returns the oldest item without blocking. ok is false
// when the queue is empty.
func (q *Queue) Poll(ctx context.Context) (item Item, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pollLocked(ctx)
}

func (q *Queue) pollLocked(ctx context.Context) (Item, bool, error) {
	if len(q.mem) == 0 && q.spilled > 0 {
		items, err := q.store.Pop(ctx, q.limit)
		if err != nil {
			return nil, false, fmt.Errorf("refilling from spill store: %w", err)
		}
		q.spilled -= len(items)
		for _, it := range items {
			q.mem = append(q.mem, it)
		}
	}
	if len(q.mem) == 0 {
		return nil, false, nil
	}
	item := q.mem[0]
	q.mem[0] = nil
	q.mem = q.mem[1:]
	return item, true, nil
}

// Take blocks until an item is available. It returns ErrDrained once the
// queue is closed and empty, or the context error.
func (q *Queue) Take(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		item, ok, err := q.pollLocked(ctx)
		if err != nil || ok {
			q.mu.Unlock()
			return item, err
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrDrained
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of queued items, in memory and spilled.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mem) + q.spilled
}

// InMemory returns the size of the in-memory segment.
func (q *Queue) InMemory() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mem)
}

// Close marks the producer as done. Queued items can still be taken.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
}

// Discard closes the queue and drops every undispatched item, returning
// how many were dropped.
func (q *Queue) Discard(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.mem)
	q.mem = nil
	if q.spilled > 0 {
		cleared, err := q.store.Clear(ctx)
		if err != nil {
			return n, fmt.Errorf("clearing spill store: %w", err)
		}
		n += cleared
		q.spilled = 0
	}
	q.closed = true
	q.broadcast()
	return n, nil
}

// Release frees the spill store.
func (q *Queue) Release() error {
	if q.store == nil {
		return nil
	}
	return q.store.Close()
}
