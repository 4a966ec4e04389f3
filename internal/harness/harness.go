package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/chainlog/internal/engine"
	"github.com/roach88/chainlog/internal/ir"
	"github.com/roach88/chainlog/internal/rules"
	"github.com/roach88/chainlog/internal/store"
	"github.com/roach88/chainlog/internal/stream"
	"github.com/roach88/chainlog/internal/testutil"
)

// streamTimeout bounds how long the stream check waits for one entry.
const streamTimeout = 5 * time.Second

// Harness is the state of one scenario run.
type Harness struct {
	store  *store.Store
	engine *engine.Engine

	// versions maps a committed step name to the version it produced;
	// names is the reverse, keyed by hex.
	versions map[string]ir.Hash
	names    map[string]string

	committed []ir.CommittedTransaction
}

// Run executes a scenario against a fresh database and returns the result.
// An error means the scenario could not be executed at all; step and
// assertion failures are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "chainlog-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	validator, err := buildValidator(scenario)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()

	// sub is drained only after the last step, so it must hold every commit.
	hub := stream.NewHub(st, stream.WithQueueSize(max(len(scenario.Steps), stream.DefaultQueueSize)))
	defer hub.Close()
	sub, err := hub.Subscribe(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	h := &Harness{
		store: st,
		engine: engine.New(st, validator,
			engine.WithClock(testutil.NewDeterministicClock()),
			engine.WithIDGenerator(engine.NewFixedGenerator()),
			engine.WithPublisher(hub),
		),
		versions: make(map[string]ir.Hash),
		names:    make(map[string]string),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d] %q: %w", i, step.Name, err)
		}
	}

	h.checkStream(ctx, sub, result)

	for _, msg := range h.evaluateAssertions(ctx, scenario.Assertions, result.Trace) {
		result.AddError(msg)
	}

	final, err := st.ListRecords(ctx, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}
	for _, rec := range final {
		result.Final = append(result.Final, h.traceRecord(rec.Key, rec.Value, rec.Version))
	}

	return result, nil
}

func buildValidator(s *Scenario) (rules.Validator, error) {
	var chain []rules.Validator
	for _, pattern := range s.NonNegative {
		v, err := rules.NonNegative(pattern)
		if err != nil {
			return nil, fmt.Errorf("non_negative: %w", err)
		}
		chain = append(chain, v)
	}
	if strings.TrimSpace(s.Rules) != "" {
		rs, err := rules.CompileRuleSet([]byte(s.Rules), s.Name+".cue")
		if err != nil {
			return nil, fmt.Errorf("rules: %w", err)
		}
		chain = append(chain, rs)
	}
	return rules.Chain(chain...), nil
}

// runStep submits one step and records its outcome.
func (h *Harness) runStep(ctx context.Context, step Step, result *Result) error {
	m := ir.Mutation{
		Namespace: []byte(step.Namespace),
		Records:   make([]ir.RecordWrite, len(step.Records)),
		Metadata:  []byte{},
	}
	event := TraceEvent{Step: step.Name, Seq: -1, Records: make([]TraceRecord, len(step.Records))}

	for i, rec := range step.Records {
		version, err := h.resolveVersion(rec.Version)
		if err != nil {
			return err
		}
		m.Records[i] = ir.RecordWrite{Key: []byte(rec.Key), Version: version, Value: []byte(rec.Value)}
		event.Records[i] = h.traceRecord(m.Records[i].Key, m.Records[i].Value, version)
	}

	res, err := h.engine.CommitMutation(ctx, m, []byte(step.Metadata))
	switch {
	case err == nil:
		event.Outcome = OutcomeCommitted
		event.Seq = res.Entry.Seq
		h.versions[step.Name] = res.Entry.MutationHash
		h.names[res.Entry.MutationHash.Hex()] = versionStepRef + step.Name
		h.committed = append(h.committed, res.Entry)
	default:
		var ce *engine.CommitError
		if !errors.As(err, &ce) {
			return err
		}
		event.Outcome = string(ce.Code)
		event.Key = string(ce.Key)
		event.Message = ce.Message
	}
	result.Trace = append(result.Trace, event)

	expect := step.Expect
	if expect == "" {
		expect = OutcomeCommitted
	}
	if event.Outcome != expect {
		result.AddError(fmt.Sprintf("step %q: expected %s, got %s %s", step.Name, expect, event.Outcome, event.Message))
	}

	slog.Debug("scenario step", "step", step.Name, "outcome", event.Outcome, "seq", event.Seq)
	return nil
}

// resolveVersion turns a symbolic version into a hash.
func (h *Harness) resolveVersion(ref string) (ir.Hash, error) {
	if name, ok := strings.CutPrefix(ref, versionStepRef); ok {
		v, ok := h.versions[name]
		if !ok {
			return nil, fmt.Errorf("version %q: step did not commit", ref)
		}
		return v, nil
	}
	return ir.ParseHash(ref)
}

// versionName is the inverse of resolveVersion.
func (h *Harness) versionName(v ir.Hash) string {
	if v.IsSentinel() {
		return versionEmpty
	}
	if name, ok := h.names[v.Hex()]; ok {
		return name
	}
	return v.Hex()
}

func (h *Harness) traceRecord(key, value []byte, version ir.Hash) TraceRecord {
	return TraceRecord{Key: string(key), Value: string(value), Version: h.versionName(version)}
}

// checkStream reads the whole log back through sub, which was opened
// before the first step, and checks it matches what was committed.
func (h *Harness) checkStream(ctx context.Context, sub *stream.Subscription, result *Result) {
	for i, want := range h.committed {
		nextCtx, cancel := context.WithTimeout(ctx, streamTimeout)
		got, err := sub.Next(nextCtx)
		cancel()
		if err != nil {
			result.AddError(fmt.Sprintf("stream: entry %d: %v", i, err))
			return
		}
		if got.Seq != want.Seq || !got.Hash.Equal(want.Hash) {
			result.AddError(fmt.Sprintf("stream: entry %d: got seq %d (%s), want seq %d (%s)",
				i, got.Seq, got.Hash, want.Seq, want.Hash))
			return
		}
	}
}
