// Package rules decides whether a mutation may be committed.
//
// A Validator sees the decoded mutation together with the records it
// touches, as read immediately before the decision. It returns a Verdict;
// an error is reserved for input it cannot interpret at all.
//
// RuleSet is the configurable implementation: rules are declared in CUE,
// each matching keys by glob and constraining the values written to them.
//
//	rule: balances: {
//		match:        "/acc/*"
//		schema:       int & >=0
//		max_increase: 1000
//	}
package rules
