package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/capture"
	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/session"
	"github.com/jimmckelvey9861/workforce-mobile/internal/testutil"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// TestSecret signs every scenario capture.
const TestSecret = "harness-secret-0123456789abcdef"

// DefaultUserID is used when a scenario names no user.
const DefaultUserID = "user-1"

// ErrIdentityUnavailable is injected by the identity_fail step.
var ErrIdentityUnavailable = errors.New("harness: device identity unavailable")

// Harness holds the collaborators of one run.
type Harness struct {
	clocks   *testutil.Clocks
	identity *testutil.StaticIdentity
	store    *queue.MemoryStore
	queue    *testutil.FaultQueue
	machine  *session.Machine
	logger   *slog.Logger
}

// Run executes a scenario in a fresh environment and returns the result.
//
// Identical scenarios produce identical traces: clocks start at
// testutil.DefaultStart and ids come from "entry" and "rec" sequences.
// An error is returned only when the environment cannot be built; step
// failures are recorded in the trace.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, scenario, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
		ev.Step = i + 1
		result.Trace = append(result.Trace, ev)
		if step.Expect != nil {
			h.checkExpect(result, ev, *step.Expect)
		}
	}

	result.State = h.machine.Snapshot()
	result.QueueLen = h.store.Len()

	actx := &AssertionContext{Trace: result.Trace, State: result.State, QueueLen: result.QueueLen, Queue: h.store}
	for i, a := range scenario.Assertions {
		if err := evaluateAssertion(ctx, actx, a); err != nil {
			result.AddError("assertion %d: %v", i+1, err)
		}
	}

	h.logger.Debug("scenario finished",
		"scenario", scenario.Name,
		"pass", result.Pass,
		"steps", len(result.Trace))
	return result, nil
}

func newHarness(s *Scenario) (*Harness, error) {
	signer, err := capture.NewSigner([]byte(TestSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	h := &Harness{
		clocks:   testutil.NewClocks(s.StartMonoMs),
		identity: testutil.NewStaticIdentity("device-1"),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.store = queue.NewMemoryStore(
		queue.WithClock(h.clocks.Wall.Now),
		queue.WithIDGenerator(testutil.NewSequenceGenerator("rec")),
	)
	h.queue = testutil.NewFaultQueue(h.store)
	capturer := capture.NewCapturer(signer, h.clocks.Mono, h.clocks.Wall, h.identity)
	h.machine = session.NewMachine(capturer, h.queue,
		session.WithEntryIDGenerator(testutil.NewSequenceGenerator("entry")),
	)
	return h, nil
}

// execute runs one step. Machine errors land in the trace; only a malformed
// step returns an error.
func (h *Harness) execute(ctx context.Context, s *Scenario, step Step) (TraceEvent, error) {
	var opErr error
	switch step.Action {
	case ActionStart:
		userID := s.UserID
		if userID == "" {
			userID = DefaultUserID
		}
		_, opErr = h.machine.StartSession(ctx, s.Task, userID)
	case ActionEnd:
		_, opErr = h.machine.EndSession(ctx)
	case ActionPause:
		opErr = h.machine.Pause(ctx)
	case ActionResume:
		opErr = h.machine.Resume(ctx)
	case ActionTick:
		h.machine.TickEarnings()
	case ActionForceEnd:
		opErr = h.machine.ForceEnd(ctx).Err
	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return TraceEvent{}, err
		}
		h.clocks.Advance(d)
	case ActionSkewWall:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return TraceEvent{}, err
		}
		h.clocks.Wall.Advance(d)
	case ActionLifecycle:
		l, err := session.ParseLifecycle(step.Lifecycle)
		if err != nil {
			return TraceEvent{}, err
		}
		opErr = h.machine.HandleLifecycle(ctx, l)
	case ActionMonotonicFail:
		h.clocks.Mono.SetUnavailable(true)
	case ActionMonotonicRestore:
		h.clocks.Mono.SetUnavailable(false)
	case ActionQueueFail:
		h.queue.SetFailing(true)
	case ActionQueueRestore:
		h.queue.SetFailing(false)
	case ActionSyncConfirmed:
		if err := h.confirmAll(ctx); err != nil {
			return TraceEvent{}, err
		}
	case ActionIdentityFail:
		h.identity.Fail(ErrIdentityUnavailable)
	case ActionIdentityRestore:
		h.identity.Fail(nil)
	default:
		return TraceEvent{}, fmt.Errorf("unknown action %q", step.Action)
	}

	st := h.machine.Snapshot()
	return TraceEvent{
		Action:        step.Action,
		Mode:          string(st.Mode),
		SubState:      string(st.SubState),
		EarningsCents: st.EarningsCents,
		PauseMs:       st.TotalPauseDurationMs,
		Error:         errorCode(opErr),
	}, nil
}

// confirmAll removes every queued record, as a successful sync would.
func (h *Harness) confirmAll(ctx context.Context) error {
	records, err := h.store.List(ctx, 0)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := h.store.Remove(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) checkExpect(result *Result, ev TraceEvent, want Expect) {
	if want.Mode != "" && want.Mode != ev.Mode {
		result.AddError("step %d (%s): mode = %s, want %s", ev.Step, ev.Action, ev.Mode, want.Mode)
	}
	if want.SubState != "" && want.SubState != ev.SubState {
		result.AddError("step %d (%s): sub_state = %q, want %q", ev.Step, ev.Action, ev.SubState, want.SubState)
	}
	if want.EarningsCents != nil && *want.EarningsCents != ev.EarningsCents {
		result.AddError("step %d (%s): earnings_cents = %d, want %d", ev.Step, ev.Action, ev.EarningsCents, *want.EarningsCents)
	}
	if want.Error != ev.Error {
		result.AddError("step %d (%s): error = %q, want %q", ev.Step, ev.Action, ev.Error, want.Error)
	}
	if want.QueueLen != nil {
		if n := h.store.Len(); n != *want.QueueLen {
			result.AddError("step %d (%s): queue_len = %d, want %d", ev.Step, ev.Action, n, *want.QueueLen)
		}
	}
}

// errorCode maps err to the code recorded in the trace.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if code := session.CodeOf(err); code != "" {
		return string(code)
	}
	return "UNKNOWN"
}

// latestEntry returns the most recently queued TimeEntry as a JSON object.
func latestEntry(ctx context.Context, q queue.Queue) (map[string]any, error) {
	records, err := q.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	var latest *queue.Record
	for i := range records {
		rec := &records[i]
		if rec.Kind != wire.KindTimeEntry {
			continue
		}
		if latest == nil || rec.Seq > latest.Seq {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	action, ok := latest.Action.(wire.TimeEntryAction)
	if !ok {
		return nil, fmt.Errorf("record %s: unexpected action %T", latest.ID, latest.Action)
	}
	data, err := json.Marshal(action.Entry)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}
