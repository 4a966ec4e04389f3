package harness

// TraceEvent records what happened to one step.
type TraceEvent struct {
	Step string `json:"step"`

	// Outcome is "committed" or the commit error code.
	Outcome string `json:"outcome"`

	// Seq is the log position of a committed step, -1 otherwise.
	Seq int64 `json:"seq"`

	// Key and Message describe a rejection.
	Key     string `json:"key,omitempty"`
	Message string `json:"message,omitempty"`

	Records []TraceRecord `json:"records"`
}

// TraceRecord is a record write or a final record, with its version named
// symbolically ("empty", "step:<name>").
type TraceRecord struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version string `json:"version"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step had its expected outcome, every
	// assertion held and the stream replayed the whole log.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Final is every written record after the last step, ordered by key.
	Final []TraceRecord `json:"final"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Final:  []TraceRecord{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
