package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/rules"
	"github.com/roach88/chainlog/internal/store"
)

// Store is the persistence the engine commits through.
// Implemented by *store.Store.
type Store interface {
	GetRecords(ctx context.Context, keys [][]byte) ([]ir.Record, error)
	Commit(ctx context.Context, writes []ir.RecordWrite, version ir.Hash, tx ir.Transaction) (ir.CommittedTransaction, error)
}

// Publisher receives every committed transaction. Publish must not block.
// Implemented by *stream.Hub.
type Publisher interface {
	Publish(entry ir.CommittedTransaction)
}

// State is a step of the commit pipeline.
type State string

const (
	StateReceived            State = "received"
	StatePreconditionChecked State = "precondition_checked"
	StateRuleEvaluated       State = "rule_evaluated"
	StateApplied             State = "applied"
	StateCommitted           State = "committed"
	StateRejected            State = "rejected"
)

// CommitResult describes a committed mutation.
type CommitResult struct {
	// ID correlates log lines for this commit.
	ID string

	State State

	// Mutation is the decoded mutation as committed.
	Mutation ir.Mutation

	// Entry is the log entry the commit produced.
	Entry ir.CommittedTransaction
}

// Engine validates and commits mutations.
//
// Thread-safety: Commit may be called from any number of goroutines.
// The engine holds no lock of its own; the store's compare-and-swap
// decides between concurrent mutations on the same key.
type Engine struct {
	store     Store
	validator rules.Validator
	publisher Publisher
	clock     Clock
	ids       IDGenerator
	limits    Limits
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where committed transactions are announced.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock sets the clock used for transaction timestamps.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the commit ID generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLimits sets the structural limits applied before any store access.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// New creates an Engine. A nil validator accepts everything.
func New(s Store, v rules.Validator, opts ...Option) *Engine {
	if v == nil {
		v = rules.AllowAll{}
	}
	e := &Engine{
		store:     s,
		validator: v,
		clock:     SystemClock{},
		ids:       UUIDv7Generator{},
		limits:    DefaultLimits(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Commit decodes a serialized mutation and commits it.
//
// The mutation is re-serialized canonically before hashing, so two
// encodings of the same mutation produce the same version token.
// metadata is attached to the transaction; nil is treated as empty.
//
// On failure the returned error is a *CommitError and nothing was written.
func (e *Engine) Commit(ctx context.Context, raw []byte, metadata []byte) (*CommitResult, error) {
	id := e.ids.Generate()

	m, err := ir.UnmarshalMutation(raw)
	if err != nil {
		return nil, e.reject(id, newMalformed(StateReceived, err))
	}
	return e.commit(ctx, id, m, metadata)
}

// CommitMutation commits an already decoded mutation.
func (e *Engine) CommitMutation(ctx context.Context, m ir.Mutation, metadata []byte) (*CommitResult, error) {
	return e.commit(ctx, e.ids.Generate(), m, metadata)
}

func (e *Engine) commit(ctx context.Context, id string, m ir.Mutation, metadata []byte) (*CommitResult, error) {
	if metadata == nil {
		metadata = []byte{}
	}
	slog.Debug("mutation received", "id", id, "records", len(m.Records))

	if err := m.Check(); err != nil {
		return nil, e.reject(id, newMalformed(StateReceived, err))
	}
	if err := e.limits.Check(m, metadata); err != nil {
		return nil, e.reject(id, newMalformed(StateReceived, err))
	}
	canonical, err := m.Marshal()
	if err != nil {
		return nil, e.reject(id, newMalformed(StateReceived, err))
	}
	version := ir.MutationHash(canonical)

	// Preconditions against a fresh read. The store checks them again
	// atomically at apply time; this pass lets the validator see current state.
	current, err := e.store.GetRecords(ctx, m.Keys())
	if err != nil {
		return nil, e.reject(id, newStoreUnavailable(StateReceived, err))
	}
	for i, w := range m.Records {
		if !current[i].Version.Equal(w.Version) {
			return nil, e.reject(id, newConflict(w.Key, StateReceived, nil))
		}
	}

	verdict, err := e.validator.Validate(ctx, m, current)
	if err != nil {
		return nil, e.reject(id, newMalformed(StatePreconditionChecked, err))
	}
	if !verdict.Accepted {
		return nil, e.reject(id, newRuleViolation(verdict.Reason))
	}

	tx, err := ir.NewTransaction(canonical, e.clock.Now(), metadata)
	if err != nil {
		return nil, e.reject(id, newMalformed(StateRuleEvaluated, err))
	}

	entry, err := e.store.Commit(ctx, m.Records, version, tx)
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return nil, e.reject(id, newConflict(conflict.Key, StateRuleEvaluated, err))
		}
		return nil, e.reject(id, newStoreUnavailable(StateRuleEvaluated, err))
	}

	result := &CommitResult{ID: id, State: StateApplied, Mutation: m, Entry: entry}

	if e.publisher != nil {
		e.publisher.Publish(entry)
	}
	result.State = StateCommitted

	slog.Info("transaction committed",
		"id", id,
		"seq", entry.Seq,
		"hash", entry.Hash.String(),
		"records", len(m.Records),
	)
	return result, nil
}

// reject logs a failed commit and returns err.
// Only store failures are operational faults; everything else is a
// normal outcome for the submitter.
func (e *Engine) reject(id string, err *CommitError) error {
	attrs := []any{
		"id", id,
		"code", string(err.Code),
		"stage", string(err.Stage),
	}
	if len(err.Key) > 0 {
		attrs = append(attrs, "key", string(err.Key))
	}

	switch {
	case err.Code != ErrCodeStoreUnavailable:
		slog.Info("mutation rejected", append(attrs, "reason", err.Message)...)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		slog.Warn("commit abandoned", append(attrs, "error", err.Err)...)
	default:
		slog.Error("store unavailable", append(attrs, "error", err.Err)...)
	}
	return err
}
