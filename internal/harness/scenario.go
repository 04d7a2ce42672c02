package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jimmckelvey9861/workforce-mobile/internal/session"
)

// Scenario is a scripted shift.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Task is the task the start step clocks into.
	Task session.Task `yaml:"task"`

	// UserID is passed to StartSession. Defaults to "user-1".
	UserID string `yaml:"user_id,omitempty"`

	// StartMonoMs is the device uptime when the scenario begins.
	StartMonoMs int64 `yaml:"start_mono_ms,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one scripted action.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Duration is a time.ParseDuration string used by advance and skew_wall.
	Duration string `yaml:"duration,omitempty"`

	// Lifecycle is the platform signal for the lifecycle action.
	Lifecycle string `yaml:"lifecycle,omitempty"`

	// Expect is checked against the machine right after the step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a per-step expectation. Unset fields are not checked except
// Error: a step with an Expect must fail with exactly Error, or succeed when
// it is empty.
type Expect struct {
	Mode          string `yaml:"mode,omitempty"`
	SubState      string `yaml:"sub_state,omitempty"`
	EarningsCents *int64 `yaml:"earnings_cents,omitempty"`
	Error         string `yaml:"error,omitempty"`
	QueueLen      *int   `yaml:"queue_len,omitempty"`
}

// Step actions.
const (
	ActionStart            = "start"
	ActionEnd              = "end"
	ActionPause            = "pause"
	ActionResume           = "resume"
	ActionTick             = "tick"
	ActionForceEnd         = "force_end"
	ActionAdvance          = "advance"
	ActionSkewWall         = "skew_wall"
	ActionLifecycle        = "lifecycle"
	ActionMonotonicFail    = "monotonic_fail"
	ActionMonotonicRestore = "monotonic_restore"
	ActionQueueFail        = "queue_fail"
	ActionQueueRestore     = "queue_restore"
	ActionSyncConfirmed    = "sync_confirmed"
	ActionIdentityFail     = "identity_fail"
	ActionIdentityRestore  = "identity_restore"
)

var knownActions = map[string]bool{
	ActionStart: true, ActionEnd: true, ActionPause: true, ActionResume: true,
	ActionTick: true, ActionForceEnd: true, ActionAdvance: true, ActionSkewWall: true,
	ActionLifecycle: true, ActionMonotonicFail: true, ActionMonotonicRestore: true,
	ActionQueueFail: true, ActionQueueRestore: true, ActionSyncConfirmed: true,
	ActionIdentityFail: true, ActionIdentityRestore: true,
}

// Assertion is checked against the finished run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the step action counted by trace_count.
	Action string `yaml:"action,omitempty"`

	// Count is the expected number of trace_count occurrences.
	Count int `yaml:"count,omitempty"`

	// Actions is the order checked by trace_order.
	Actions []string `yaml:"actions,omitempty"`

	// Expect is a subset match. For final_state the keys are mode,
	// sub_state, earnings_cents and queue_len. For queued_entry they are
	// TimeEntry JSON fields of the most recently queued entry.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceOrder  = "trace_order"
	AssertTraceCount  = "trace_count"
	AssertFinalState  = "final_state"
	AssertQueuedEntry = "queued_entry"
)

// LoadScenario reads and validates a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if s.Task.PayRateCentsPerMinute < 0 {
		return errors.New("task.pay_rate_cents_per_minute must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.Action == "" {
		return errors.New("action is required")
	}
	if !knownActions[step.Action] {
		return fmt.Errorf("unknown action %q", step.Action)
	}
	switch step.Action {
	case ActionAdvance, ActionSkewWall:
		if step.Duration == "" {
			return fmt.Errorf("%s requires duration", step.Action)
		}
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		if step.Action == ActionAdvance && d < 0 {
			return errors.New("advance duration must be non-negative")
		}
	case ActionLifecycle:
		if _, err := session.ParseLifecycle(step.Lifecycle); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return errors.New("type is required")
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return errors.New("actions list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Action == "" {
			return errors.New("action is required for trace_count")
		}
		if a.Count < 0 {
			return errors.New("count must be non-negative for trace_count")
		}
	case AssertFinalState, AssertQueuedEntry:
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for %s", a.Type)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
