package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/session"
)

// AssertionContext is what assertions are evaluated against.
type AssertionContext struct {
	Trace    []TraceEvent
	State    session.State
	QueueLen int
	Queue    queue.Queue
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s %s %d", ev.Step, ev.Action, ev.Mode, ev.SubState, ev.EarningsCents)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

func evaluateAssertion(ctx context.Context, actx *AssertionContext, a Assertion) error {
	switch a.Type {
	case AssertTraceOrder:
		return assertTraceOrder(actx.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(actx.Trace, a)
	case AssertFinalState:
		return assertFinalState(actx, a)
	case AssertQueuedEntry:
		return assertQueuedEntry(ctx, actx.Queue, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceOrder checks that the actions succeeded in the given order.
// Intervening steps are allowed. Failed steps do not count.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Actions) && ev.Error == "" && ev.Action == a.Actions[next] {
			next++
		}
	}
	if next == len(a.Actions) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("actions in order: %v", a.Actions),
		Actual:   fmt.Sprintf("missing %s after %v", a.Actions[next], a.Actions[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks that the action succeeded exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Action == a.Action && ev.Error == "" {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState subset-matches the final machine snapshot.
func assertFinalState(actx *AssertionContext, a Assertion) error {
	actual := map[string]any{
		"mode":           string(actx.State.Mode),
		"sub_state":      string(actx.State.SubState),
		"earnings_cents": actx.State.EarningsCents,
		"pause_ms":       actx.State.TotalPauseDurationMs,
		"queue_len":      actx.QueueLen,
	}
	return matchSubset(AssertFinalState, a.Expect, actual)
}

// assertQueuedEntry subset-matches the most recently queued TimeEntry.
func assertQueuedEntry(ctx context.Context, q queue.Queue, a Assertion) error {
	entry, err := latestEntry(ctx, q)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	if entry == nil {
		return &AssertionError{
			Type:     AssertQueuedEntry,
			Expected: "a queued time entry",
			Actual:   "queue holds no time entry",
		}
	}
	return matchSubset(AssertQueuedEntry, a.Expect, entry)
}

// matchSubset checks every expected key. Keys are visited in sorted order so
// the first reported mismatch is stable.
func matchSubset(kind string, expect, actual map[string]any) error {
	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   "field not present",
			}
		}
		if !valuesEqual(expect[key], got) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("field %q = %v", key, expect[key]),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

// valuesEqual compares YAML-decoded expectations with JSON-decoded or
// native values. Numbers compare by their decimal rendering, so a YAML int
// matches a JSON float64 of the same value.
func valuesEqual(want, got any) bool {
	return fmt.Sprint(want) == fmt.Sprint(got)
}
