package harness

import (
	"encoding/json"

	"github.com/roach88/courier/internal/engine"
)

// Trace event types.
const (
	EventCall  = "call"
	EventDrain = "drain"
)

// TraceEvent is one gateway call or drain pass.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Call fields.
	Operation      string          `json:"operation,omitempty"`
	EntityType     string          `json:"entity_type,omitempty"`
	EntityID       string          `json:"entity_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	ServerID       string          `json:"server_id,omitempty"`
	Error          string          `json:"error,omitempty"`

	// Drain fields.
	Drain *engine.DrainResult `json:"drain,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds gateway calls and drain results in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records an assertion failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Calls returns the call events of the trace.
func (r *Result) Calls() []TraceEvent {
	var calls []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventCall {
			calls = append(calls, ev)
		}
	}
	return calls
}
