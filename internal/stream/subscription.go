package stream

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/chainlog/internal/ir"
)

// Subscription is one reader of the stream.
//
// Next and All must be called from a single goroutine. Position and Close
// are safe from any goroutine.
type Subscription struct {
	id    string
	hub   *Hub
	queue *entryQueue

	// live is guarded by hub.mu.
	live bool

	cursor  atomic.Int64
	closed  atomic.Bool
	caught  bool // history read; live queue registered
	filled  bool // store re-read after registering
	held    *ir.CommittedTransaction
	pending []ir.CommittedTransaction
	err     error
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Position returns the next position the subscription will deliver.
// After an error, resubscribing from Position loses nothing.
func (s *Subscription) Position() int64 {
	return s.cursor.Load()
}

// Next blocks until the next transaction in log order is available.
//
// It returns ErrLagged if the subscriber fell too far behind, ErrClosed
// after Close or Hub.Close, a store error if replay failed, or ctx.Err().
// Only the context error leaves the subscription usable.
func (s *Subscription) Next(ctx context.Context) (ir.CommittedTransaction, error) {
	for {
		if s.closed.Load() {
			return ir.CommittedTransaction{}, ErrClosed
		}
		if e, ok := s.popPending(); ok {
			return e, nil
		}
		if s.err != nil {
			return ir.CommittedTransaction{}, s.err
		}

		if !s.filled {
			if err := s.replay(ctx); err != nil {
				return ir.CommittedTransaction{}, err
			}
			continue
		}

		e, ok := s.take()
		if ok {
			if err := s.accept(ctx, e); err != nil {
				return ir.CommittedTransaction{}, err
			}
			continue
		}

		if err := s.queue.Err(); err != nil {
			return ir.CommittedTransaction{}, s.fail(err)
		}

		select {
		case <-ctx.Done():
			return ir.CommittedTransaction{}, ctx.Err()
		case <-s.queue.Wait():
		}
	}
}

// All iterates the subscription until an error, which is yielded last.
func (s *Subscription) All(ctx context.Context) iter.Seq2[ir.CommittedTransaction, error] {
	return func(yield func(ir.CommittedTransaction, error) bool) {
		for {
			e, err := s.Next(ctx)
			if err != nil {
				yield(ir.CommittedTransaction{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Close detaches the subscription and drops anything it has buffered.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.hub.remove(s)
	s.queue.Discard(ErrClosed)
	slog.Debug("subscriber detached", "subscriber", s.id, "position", s.Position())
}

// replay reads the next batch of history. When the store has nothing
// more, the subscription goes live and reads the store once more to
// cover commits that landed before the queue was registered.
func (s *Subscription) replay(ctx context.Context) error {
	if err := s.queue.Err(); err != nil {
		return s.fail(err)
	}

	from := s.cursor.Load()
	if !s.caught {
		batch, err := s.hub.reader.ReadRange(ctx, from, from+int64(s.hub.replayBatch))
		if err != nil {
			return s.storeError(ctx, err)
		}
		if len(batch) > 0 {
			s.pending = batch
			return nil
		}

		s.hub.goLive(s)
		s.caught = true
	}

	batch, err := s.hub.reader.ReadRange(ctx, from, -1)
	if err != nil {
		return s.storeError(ctx, err)
	}
	s.pending = batch
	s.filled = true
	return nil
}

// take returns an entry held back by a cancelled gap read, or the next
// queued entry.
func (s *Subscription) take() (ir.CommittedTransaction, bool) {
	if s.held != nil {
		e := *s.held
		s.held = nil
		return e, true
	}
	return s.queue.TryPop()
}

// accept places a live entry relative to the cursor.
func (s *Subscription) accept(ctx context.Context, e ir.CommittedTransaction) error {
	cursor := s.cursor.Load()
	switch {
	case e.Seq < cursor:
		// Already delivered from the store.
		return nil
	case e.Seq == cursor:
		s.pending = append(s.pending, e)
		return nil
	}

	gap, err := s.hub.reader.ReadRange(ctx, cursor, e.Seq)
	if err != nil {
		if ctx.Err() != nil {
			s.held = &e
		}
		return s.storeError(ctx, err)
	}
	s.pending = append(gap, e)
	return nil
}

// popPending delivers buffered entries, skipping any already delivered.
func (s *Subscription) popPending() (ir.CommittedTransaction, bool) {
	for len(s.pending) > 0 {
		e := s.pending[0]
		s.pending[0] = ir.CommittedTransaction{}
		s.pending = s.pending[1:]
		if e.Seq < s.cursor.Load() {
			continue
		}
		s.cursor.Store(e.Seq + 1)
		return e, true
	}
	s.pending = nil
	return ir.CommittedTransaction{}, false
}

// storeError ends the subscription unless ctx was cancelled.
func (s *Subscription) storeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Warn("subscriber replay failed", "subscriber", s.id, "position", s.Position(), "error", err)
	return s.fail(err)
}

func (s *Subscription) fail(err error) error {
	if s.err == nil {
		s.err = err
		s.hub.remove(s)
	}
	return s.err
}
