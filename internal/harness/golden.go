package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/chainlog/internal/ir"
)

// Snapshot converts a result into the canonical JSON stored in golden files.
// Timestamps and hashes are left out; versions are named by step.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	trace := make(ir.Array, len(result.Trace))
	for i, event := range result.Trace {
		obj := ir.Object{
			"step":    ir.String(event.Step),
			"outcome": ir.String(event.Outcome),
			"records": recordsNode(event.Records),
		}
		if event.Seq >= 0 {
			obj["seq"] = ir.Int(event.Seq)
		}
		if event.Key != "" {
			obj["key"] = ir.String(event.Key)
		}
		if event.Message != "" {
			obj["message"] = ir.String(event.Message)
		}
		trace[i] = obj
	}

	return ir.MarshalCanonical(ir.Object{
		"scenario_name": ir.String(scenarioName),
		"trace":         trace,
		"final":         recordsNode(result.Final),
	})
}

func recordsNode(records []TraceRecord) ir.Array {
	out := make(ir.Array, len(records))
	for i, r := range records {
		out[i] = ir.Object{
			"key":     ir.String(r.Key),
			"value":   ir.String(r.Value),
			"version": ir.String(r.Version),
		}
	}
	return out
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
