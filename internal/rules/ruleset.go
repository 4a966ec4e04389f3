package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"slices"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/chainlog/internal/ir"
)

// Rule is one compiled entry of a rules file.
type Rule struct {
	Name string `json:"name"`

	// Match selects keys with path.Match semantics.
	Match string `json:"match"`

	// Readonly rejects writes to keys that have already been written.
	Readonly bool `json:"readonly,omitempty"`

	// MaxIncrease, when set, bounds new-minus-current for integer values.
	MaxIncrease *int64 `json:"max_increase,omitempty"`

	// AllowClear permits writing an empty value. Defaults to true.
	AllowClear bool `json:"allow_clear"`

	HasSchema bool `json:"has_schema,omitempty"`

	schema cue.Value
}

var ruleFields = []string{"match", "schema", "readonly", "max_increase", "allow_clear"}

// RuleSet validates mutations against rules declared in CUE.
// Every rule that matches a written key is applied; rules are checked in
// declaration order and the first failure rejects the mutation.
type RuleSet struct {
	// cue.Context is not safe for concurrent use.
	mu    sync.Mutex
	ctx   *cue.Context
	rules []Rule
}

// CompileError reports an invalid rules file, with a source position
// when CUE provides one.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadRuleSet compiles a rules file, or every CUE file of a directory.
func LoadRuleSet(p string) (*RuleSet, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	if !info.IsDir() {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		return CompileRuleSet(src, p)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: p})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load rules: no CUE instances in %s", p)
	}
	if err := instances[0].Err; err != nil {
		return nil, formatCUEError(err)
	}
	return build(ctx, ctx.BuildInstance(instances[0]))
}

// CompileRuleSet compiles rules from CUE source. filename is only used in
// error positions.
func CompileRuleSet(src []byte, filename string) (*RuleSet, error) {
	ctx := cuecontext.New()
	return build(ctx, ctx.CompileBytes(src, cue.Filename(filename)))
}

func build(ctx *cue.Context, v cue.Value) (*RuleSet, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	rs := &RuleSet{ctx: ctx}

	rulesVal := v.LookupPath(cue.ParsePath("rule"))
	if !rulesVal.Exists() {
		return rs, nil
	}

	iter, err := rulesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		r, err := compileRule(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		rs.rules = append(rs.rules, r)
	}

	return rs, nil
}

func compileRule(name string, v cue.Value) (Rule, error) {
	r := Rule{Name: name, AllowClear: true}

	fields, err := v.Fields()
	if err != nil {
		return Rule{}, formatCUEError(err)
	}
	for fields.Next() {
		if !slices.Contains(ruleFields, fields.Label()) {
			return Rule{}, &CompileError{
				Field:   "rule." + name,
				Message: fmt.Sprintf("unknown field %q", fields.Label()),
				Pos:     fields.Value().Pos(),
			}
		}
	}

	matchVal := v.LookupPath(cue.ParsePath("match"))
	if !matchVal.Exists() {
		return Rule{}, &CompileError{Field: "rule." + name, Message: "match is required", Pos: v.Pos()}
	}
	if r.Match, err = matchVal.String(); err != nil {
		return Rule{}, formatCUEError(err)
	}
	if _, err := path.Match(r.Match, ""); err != nil {
		return Rule{}, &CompileError{
			Field:   "rule." + name + ".match",
			Message: fmt.Sprintf("invalid pattern %q", r.Match),
			Pos:     matchVal.Pos(),
		}
	}

	if sv := v.LookupPath(cue.ParsePath("schema")); sv.Exists() {
		r.schema = sv
		r.HasSchema = true
	}

	if rv := v.LookupPath(cue.ParsePath("readonly")); rv.Exists() {
		if r.Readonly, err = rv.Bool(); err != nil {
			return Rule{}, formatCUEError(err)
		}
	}

	if mv := v.LookupPath(cue.ParsePath("max_increase")); mv.Exists() {
		n, err := mv.Int64()
		if err != nil {
			return Rule{}, formatCUEError(err)
		}
		if n < 0 {
			return Rule{}, &CompileError{Field: "rule." + name + ".max_increase", Message: "must not be negative", Pos: mv.Pos()}
		}
		r.MaxIncrease = &n
	}

	if cv := v.LookupPath(cue.ParsePath("allow_clear")); cv.Exists() {
		if r.AllowClear, err = cv.Bool(); err != nil {
			return Rule{}, formatCUEError(err)
		}
	}

	return r, nil
}

// Rules returns the compiled rules in declaration order.
func (rs *RuleSet) Rules() []Rule {
	return slices.Clone(rs.rules)
}

// Validate applies every matching rule to every write.
func (rs *RuleSet) Validate(_ context.Context, mut ir.Mutation, current []ir.Record) (Verdict, error) {
	if err := checkArity(mut, current); err != nil {
		return Verdict{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i, w := range mut.Records {
		for _, r := range rs.rules {
			if ok, _ := path.Match(r.Match, string(w.Key)); !ok {
				continue
			}
			if reason := rs.check(r, w, current[i]); reason != "" {
				return Reject("rule %q: key %q: %s", r.Name, w.Key, reason), nil
			}
		}
	}
	return Accept(), nil
}

// check returns a non-empty reason when w violates r.
func (rs *RuleSet) check(r Rule, w ir.RecordWrite, cur ir.Record) string {
	if r.Readonly && cur.Written() {
		return "record is read-only"
	}

	if len(w.Value) == 0 {
		if !r.AllowClear {
			return "clearing is not allowed"
		}
		return ""
	}

	if r.HasSchema {
		if err := r.schema.Unify(rs.decode(w.Value)).Validate(cue.Concrete(true)); err != nil {
			return "value does not satisfy schema: " + firstError(err)
		}
	}

	if r.MaxIncrease != nil {
		next, ok := parseInt(w.Value)
		if !ok {
			return "value is not an integer"
		}
		var prev int64
		if len(cur.Value) > 0 {
			if prev, ok = parseInt(cur.Value); !ok {
				return "current value is not an integer"
			}
		}
		// The difference of two int64 values always fits in a uint64.
		if next > prev {
			if inc := uint64(next) - uint64(prev); inc > uint64(*r.MaxIncrease) {
				return fmt.Sprintf("increase of %d exceeds limit %d", inc, *r.MaxIncrease)
			}
		}
	}

	return ""
}

// decode turns a record value into a CUE value: JSON when it parses as
// JSON, otherwise the raw string.
func (rs *RuleSet) decode(value []byte) cue.Value {
	if json.Valid(value) {
		if v := rs.ctx.CompileBytes(value); v.Err() == nil {
			return v
		}
	}
	return rs.ctx.Encode(string(value))
}

func firstError(err error) string {
	if errs := errors.Errors(err); len(errs) > 0 {
		return errs[0].Error()
	}
	return err.Error()
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
