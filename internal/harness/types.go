package harness

import (
	"fmt"

	"github.com/jimmckelvey9861/workforce-mobile/internal/session"
)

// TraceEvent records the machine after one step.
type TraceEvent struct {
	Step          int    `json:"step"`
	Action        string `json:"action"`
	Mode          string `json:"mode"`
	SubState      string `json:"sub_state,omitempty"`
	EarningsCents int64  `json:"earnings_cents"`
	PauseMs       int64  `json:"pause_ms"`
	Error         string `json:"error,omitempty"`
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is false when any expectation or assertion failed.
	Pass bool

	// Trace has one event per step.
	Trace []TraceEvent

	// Errors lists every failed expectation and assertion.
	Errors []string

	// State is the final machine snapshot.
	State session.State

	// QueueLen is the number of queued records at the end.
	QueueLen int
}

// NewResult creates a passing result with empty trace and errors.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Pass = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}
