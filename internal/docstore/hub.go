package docstore

import (
	"context"
	"sync"
)

// Evaluator computes the current result of a query.
type Evaluator func(ctx context.Context, q Query) (Snapshot, error)

// Hub fans change notifications out to subscriptions for stores that keep
// their data locally. Each subscription runs its own goroutine with a
// one-slot signal channel, so notifications arriving while a callback runs
// collapse into a single re-evaluation.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscription
	next   uint64
	closed bool
}

type subscription struct {
	q      Query
	signal chan struct{}
	cancel context.CancelFunc
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscription)}
}

// Subscribe registers fn for q. The first snapshot is delivered
// asynchronously right away.
func (h *Hub) Subscribe(ctx context.Context, q Query, eval Evaluator, fn Listener) (Unsubscribe, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{q: q, signal: make(chan struct{}, 1), cancel: cancel}
	sub.signal <- struct{}{}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		defer h.remove(id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.signal:
				snap, err := eval(ctx, q)
				if ctx.Err() != nil {
					return
				}
				fn(snap, err)
			}
		}
	}()

	return Unsubscribe(cancel), nil
}

// Publish signals every subscription whose result may include path.
func (h *Hub) Publish(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !sub.q.Affects(path) {
			continue
		}
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, sub := range h.subs {
		sub.cancel()
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}
