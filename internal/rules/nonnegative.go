package rules

import (
	"context"
	"fmt"
	"math/big"
	"path"
	"strconv"
	"strings"

	"github.com/roach88/chainlog/internal/ir"
)

// NonNegative rejects writes of negative numbers to keys matching pattern.
// Integers, decimals and exponent forms are checked. Values that are empty
// or not finite numbers are left to other validators.
// pattern uses path.Match syntax.
func NonNegative(pattern string) (Validator, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return nonNegative{pattern: pattern}, nil
}

type nonNegative struct {
	pattern string
}

func (n nonNegative) Validate(_ context.Context, mut ir.Mutation, current []ir.Record) (Verdict, error) {
	if err := checkArity(mut, current); err != nil {
		return Verdict{}, err
	}

	for _, w := range mut.Records {
		if ok, _ := path.Match(n.pattern, string(w.Key)); !ok {
			continue
		}
		if v, ok := parseNumber(w.Value); ok && v.Sign() < 0 {
			return Reject("key %q: value %s is negative", w.Key, strings.TrimSpace(string(w.Value))), nil
		}
	}
	return Accept(), nil
}

// parseNumber parses b as a decimal number. big.Float keeps the sign of
// values that would underflow a float64, such as -1e-400.
func parseNumber(b []byte) (*big.Float, bool) {
	f, _, err := big.ParseFloat(strings.TrimSpace(string(b)), 10, 64, big.ToNearestEven)
	if err != nil || f.IsInf() {
		return nil, false
	}
	return f, true
}

func parseInt(b []byte) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	return v, err == nil
}
