package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/chainlog/internal/ir"
)

var (
	// ErrLagged ends a subscription whose live queue overflowed.
	ErrLagged = errors.New("stream: subscriber lagged")

	// ErrClosed ends a subscription closed by its owner or by Hub.Close.
	ErrClosed = errors.New("stream: closed")
)

// Defaults for Hub options.
const (
	DefaultQueueSize   = 256
	DefaultReplayBatch = 256
)

// Reader is the part of the transaction store a Hub replays from.
// Implemented by *store.Store.
type Reader interface {
	ReadRange(ctx context.Context, from, to int64) ([]ir.CommittedTransaction, error)
	Head(ctx context.Context) (int64, ir.Hash, error)
}

// Hub fans committed transactions out to subscribers.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	reader      Reader
	queueSize   int
	replayBatch int

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-subscriber live queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithReplayBatch sets how many entries a replay reads from the store at once.
func WithReplayBatch(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.replayBatch = n
		}
	}
}

// NewHub creates a Hub that replays history from r.
func NewHub(r Reader, opts ...Option) *Hub {
	h := &Hub{
		reader:      r,
		queueSize:   DefaultQueueSize,
		replayBatch: DefaultReplayBatch,
		subs:        make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe starts a subscription at position from. A negative from
// starts after the current head, delivering only new commits.
func (h *Hub) Subscribe(ctx context.Context, from int64) (*Subscription, error) {
	if from < 0 {
		head, _, err := h.reader.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		from = head + 1
	}

	sub := &Subscription{
		id:    uuid.Must(uuid.NewV7()).String(),
		hub:   h,
		queue: newEntryQueue(h.queueSize),
	}
	sub.cursor.Store(from)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.subs[sub.id] = sub

	slog.Debug("subscriber attached", "subscriber", sub.id, "from", from)
	return sub, nil
}

// Publish offers entry to every live subscriber without blocking.
// Subscribers whose queue is full are disconnected with ErrLagged.
func (h *Hub) Publish(entry ir.CommittedTransaction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if !sub.live {
			continue
		}
		if !sub.queue.Push(entry) {
			delete(h.subs, id)
			slog.Warn("subscriber lagged",
				"subscriber", id,
				"seq", entry.Seq,
				"queue_size", h.queueSize,
			)
		}
	}
}

// Len returns the number of attached subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber with ErrClosed and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.queue.Close(ErrClosed)
		delete(h.subs, id)
	}
}

// goLive starts routing published entries to sub.
func (h *Hub) goLive(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		sub.live = true
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.id)
}
