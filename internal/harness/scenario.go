package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sequence of mutations and what should come of them.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules is optional inline CUE compiled into a rule set.
	Rules string `yaml:"rules,omitempty"`

	// NonNegative lists key patterns whose numeric values may not go below zero.
	NonNegative []string `yaml:"non_negative,omitempty"`

	// Steps are submitted in order, one mutation each.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one mutation submission.
type Step struct {
	// Name identifies the step; later steps refer to its version as step:<name>.
	Name string `yaml:"name"`

	Namespace string `yaml:"namespace,omitempty"`

	Records []RecordSpec `yaml:"records"`

	// Metadata is attached to the transaction.
	Metadata string `yaml:"metadata,omitempty"`

	// Expect is "committed" (default) or a commit error code.
	Expect string `yaml:"expect,omitempty"`
}

// RecordSpec is one write of a step.
type RecordSpec struct {
	Key     string `yaml:"key"`
	Value   string `yaml:"value"`
	Version string `yaml:"version"`
}

// Assertion validates the state after all steps ran.
type Assertion struct {
	// Type is one of record, head, chain_valid.
	Type string `yaml:"type"`

	// Key, Value and Version are used by record. Version is optional.
	Key     string  `yaml:"key,omitempty"`
	Value   *string `yaml:"value,omitempty"`
	Version string  `yaml:"version,omitempty"`

	// Seq is the expected head position, used by head.
	Seq *int64 `yaml:"seq,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord     = "record"
	AssertHead       = "head"
	AssertChainValid = "chain_valid"
)

// OutcomeCommitted is the expect value of a step that should commit.
const OutcomeCommitted = "committed"

// Version references.
const (
	versionEmpty   = "empty"
	versionStepRef = "step:"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks required fields and that every step reference
// points at an earlier step.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Steps))
	for i, step := range s.Steps {
		if step.Name == "" {
			return fmt.Errorf("steps[%d]: name is required", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("steps[%d]: duplicate step name %q", i, step.Name)
		}
		for j, rec := range step.Records {
			if err := checkVersionRef(rec.Version, seen); err != nil {
				return fmt.Errorf("steps[%d].records[%d]: %w", i, j, err)
			}
		}
		seen[step.Name] = true
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, seen); err != nil {
			return err
		}
	}
	return nil
}

func checkVersionRef(ref string, steps map[string]bool) error {
	name, ok := strings.CutPrefix(ref, versionStepRef)
	if !ok {
		return nil
	}
	if !steps[name] {
		return fmt.Errorf("version %q refers to an unknown or later step", ref)
	}
	return nil
}

func validateAssertion(index int, a Assertion, steps map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertRecord:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for record", index)
		}
		if a.Value == nil && a.Version == "" {
			return fmt.Errorf("assertions[%d]: value or version is required for record", index)
		}
		if err := checkVersionRef(a.Version, steps); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertHead:
		if a.Seq == nil {
			return fmt.Errorf("assertions[%d]: seq is required for head", index)
		}
	case AssertChainValid:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
