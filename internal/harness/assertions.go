package harness

import (
	"context"
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s -> %s", i+1, event.Step, event.Outcome)
		if event.Seq >= 0 {
			fmt.Fprintf(&buf, " @%d", event.Seq)
		}
		buf.WriteByte('\n')
	}

	return buf.String()
}

// evaluateAssertions checks every assertion against the store and returns
// the failure messages.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion, trace []TraceEvent) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRecord:
			err = h.assertRecord(ctx, a, trace)
		case AssertHead:
			err = h.assertHead(ctx, a, trace)
		case AssertChainValid:
			err = h.assertChainValid(ctx, trace)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func (h *Harness) assertRecord(ctx context.Context, a Assertion, trace []TraceEvent) error {
	rec, err := h.store.GetRecord(ctx, []byte(a.Key))
	if err != nil {
		return err
	}

	if a.Value != nil && string(rec.Value) != *a.Value {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("%s = %q", a.Key, *a.Value),
			Actual:   fmt.Sprintf("%s = %q", a.Key, rec.Value),
			Trace:    trace,
		}
	}

	if a.Version != "" {
		want, err := h.resolveVersion(a.Version)
		if err != nil {
			return err
		}
		if !rec.Version.Equal(want) {
			return &AssertionError{
				Type:     AssertRecord,
				Expected: fmt.Sprintf("%s at version %s", a.Key, h.versionName(want)),
				Actual:   fmt.Sprintf("%s at version %s", a.Key, h.versionName(rec.Version)),
				Trace:    trace,
			}
		}
	}
	return nil
}

func (h *Harness) assertHead(ctx context.Context, a Assertion, trace []TraceEvent) error {
	if a.Seq == nil {
		return fmt.Errorf("seq is required for head")
	}
	head, _, err := h.store.Head(ctx)
	if err != nil {
		return err
	}
	if head != *a.Seq {
		return &AssertionError{
			Type:     AssertHead,
			Expected: fmt.Sprintf("head %d", *a.Seq),
			Actual:   fmt.Sprintf("head %d", head),
			Trace:    trace,
		}
	}
	return nil
}

func (h *Harness) assertChainValid(ctx context.Context, trace []TraceEvent) error {
	if err := h.store.VerifyChain(ctx); err != nil {
		return &AssertionError{
			Type:     AssertChainValid,
			Expected: "intact chain",
			Actual:   err.Error(),
			Trace:    trace,
		}
	}
	return nil
}
