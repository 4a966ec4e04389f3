package rules

import (
	"context"
	"fmt"

	"github.com/roach88/chainlog/internal/ir"
)

// Validator decides whether a mutation is allowed.
//
// current[i] is the record addressed by mut.Records[i]. Implementations
// must be safe for concurrent use and must not retain their arguments.
type Validator interface {
	Validate(ctx context.Context, mut ir.Mutation, current []ir.Record) (Verdict, error)
}

// Verdict is the outcome of a validation.
type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Accept returns an accepting verdict.
func Accept() Verdict {
	return Verdict{Accepted: true}
}

// Reject returns a rejecting verdict with a formatted reason.
func Reject(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, mut ir.Mutation, current []ir.Record) (Verdict, error)

func (f ValidatorFunc) Validate(ctx context.Context, mut ir.Mutation, current []ir.Record) (Verdict, error) {
	return f(ctx, mut, current)
}

// AllowAll accepts every mutation.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, ir.Mutation, []ir.Record) (Verdict, error) {
	return Accept(), nil
}

// Chain runs validators in order. The first rejection or error wins.
func Chain(validators ...Validator) Validator {
	return chain(validators)
}

type chain []Validator

func (c chain) Validate(ctx context.Context, mut ir.Mutation, current []ir.Record) (Verdict, error) {
	for _, v := range c {
		verdict, err := v.Validate(ctx, mut, current)
		if err != nil || !verdict.Accepted {
			return verdict, err
		}
	}
	return Accept(), nil
}

// checkArity reports a mismatch between writes and their current records.
func checkArity(mut ir.Mutation, current []ir.Record) error {
	if len(current) != len(mut.Records) {
		return fmt.Errorf("%w: %d records for %d writes", ir.ErrMalformed, len(current), len(mut.Records))
	}
	return nil
}
