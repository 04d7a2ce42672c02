package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmckelvey9861/workforce-mobile/internal/capture"
	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/testutil"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

var shiftTask = Task{ID: "task-1", Name: "Shelf restock", PayRateCentsPerMinute: 25}

type rig struct {
	clocks   *testutil.Clocks
	store    *queue.MemoryStore
	queue    *testutil.FaultQueue
	capturer *capture.Capturer
	machine  *Machine

	mu     sync.Mutex
	events []Event
}

func newRig(t *testing.T) *rig {
	t.Helper()
	signer, err := capture.NewSigner([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	r := &rig{clocks: testutil.NewClocks(0)}
	r.store = queue.NewMemoryStore(
		queue.WithClock(r.clocks.Wall.Now),
		queue.WithIDGenerator(testutil.NewSequenceGenerator("rec")),
	)
	r.queue = testutil.NewFaultQueue(r.store)
	r.capturer = capture.NewCapturer(signer, r.clocks.Mono, r.clocks.Wall, testutil.NewStaticIdentity("device-1"))
	r.machine = NewMachine(r.capturer, r.queue,
		WithEntryIDGenerator(testutil.NewSequenceGenerator("entry")),
		WithObserver(func(ev Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		}),
	)
	return r
}

func (r *rig) recorded() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *rig) records(t *testing.T) []queue.Record {
	t.Helper()
	list, err := r.store.List(context.Background(), 0)
	require.NoError(t, err)
	return list
}

func TestStartSession(t *testing.T) {
	r := newRig(t)
	r.clocks.Mono.Set(5000)

	entry, err := r.machine.StartSession(context.Background(), shiftTask, "user-1")
	require.NoError(t, err)

	assert.Equal(t, "entry-1", entry.ID)
	assert.Equal(t, "user-1", entry.UserID)
	assert.Equal(t, "task-1", entry.TaskID)
	assert.Equal(t, testutil.DefaultStart, entry.StartWallClock)
	assert.Equal(t, int64(5000), entry.MonotonicStart)
	assert.Equal(t, testutil.DefaultStart.UnixMilli()-5000, entry.DeviceBootTime)
	assert.Equal(t, "device-1", entry.DeviceID)
	assert.Equal(t, wire.SyncPending, entry.SyncState)
	require.NotNil(t, entry.ClockIn)
	assert.True(t, r.capturer.ValidateIntegrity(*entry.ClockIn))
	assert.False(t, entry.Completed())

	state := r.machine.Snapshot()
	assert.Equal(t, ModeActive, state.Mode)
	assert.Equal(t, SubStateRunning, state.SubState)
	assert.Equal(t, int64(0), state.EarningsCents)
	assert.Equal(t, "rec-1", state.RecordID)
	require.NotNil(t, state.MonotonicSessionStart)
	assert.Equal(t, int64(5000), *state.MonotonicSessionStart)

	records := r.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, wire.PriorityTimeEntry, records[0].Priority)
	assert.Equal(t, entry.ClockIn.Signature, records[0].Signature)
	assert.Equal(t, wire.TimeEntryAction{Entry: entry}, records[0].Action)
}

func TestEndSession_ThreeMinutesAt25(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	r.clocks.Advance(3 * time.Minute)

	entry, err := r.machine.EndSession(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(75), entry.EarningsCents)
	assert.Equal(t, int64(0), entry.MonotonicStart)
	require.NotNil(t, entry.MonotonicEnd)
	assert.Equal(t, int64(180000), *entry.MonotonicEnd)
	assert.Equal(t, wire.SyncQueued, entry.SyncState)
	assert.False(t, entry.Forced)
	require.NotNil(t, entry.ClockOut)
	assert.Equal(t, wire.EventClockOut, entry.ClockOut.Payload.EventType)
	assert.True(t, capture.ValidateTimeEntry(entry).Valid)

	state := r.machine.Snapshot()
	assert.Equal(t, ModePassive, state.Mode)
	assert.Empty(t, state.SubState)
	assert.Nil(t, state.ActiveTask)
	assert.Equal(t, int64(75), state.EarningsCents, "final earnings stay visible")

	// Exactly one entry per completed session, updated in place.
	records := r.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "rec-1", records[0].ID)
	assert.Equal(t, wire.TimeEntryAction{Entry: entry}, records[0].Action)
	assert.Equal(t, entry.ClockOut.Signature, records[0].Signature)
	require.NotNil(t, records[0].MonotonicTimestamp)
	assert.Equal(t, int64(180000), *records[0].MonotonicTimestamp)
}

func TestEndSession_FloorsPartialMinutes(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, Task{ID: "t", PayRateCentsPerMinute: 7}, "u")
	require.NoError(t, err)
	r.clocks.Advance(59*time.Second + 999*time.Millisecond)

	entry, err := r.machine.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), entry.EarningsCents) // 6.9999 floors to 6
}

func TestStartSession_AlreadyActive(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	before := r.machine.Snapshot()

	_, err = r.machine.StartSession(ctx, Task{ID: "task-2", PayRateCentsPerMinute: 99}, "user-2")
	assert.True(t, IsAlreadyActive(err), "got %v", err)
	assert.False(t, IsRetryable(err))

	assert.Equal(t, before, r.machine.Snapshot())
	assert.Len(t, r.records(t), 1)
}

func TestEndSession_NoActiveSession(t *testing.T) {
	r := newRig(t)

	_, err := r.machine.EndSession(context.Background())
	assert.True(t, IsNoActiveSession(err), "got %v", err)
	assert.Equal(t, ModePassive, r.machine.Snapshot().Mode)
}

func TestPauseResume_ZeroElapsedAddsZero(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)

	require.NoError(t, r.machine.Pause(ctx))
	require.NoError(t, r.machine.Resume(ctx))

	assert.Equal(t, int64(0), r.machine.Snapshot().TotalPauseDurationMs)
}

func TestPause_ExcludedFromEarnings(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)

	r.clocks.Advance(time.Minute)
	assert.Equal(t, int64(25), r.machine.TickEarnings())

	require.NoError(t, r.machine.Pause(ctx))
	state := r.machine.Snapshot()
	assert.True(t, state.Paused())
	require.NotNil(t, state.PausedAtWallClock)

	// No accrual while paused, however long it lasts.
	r.clocks.Advance(2 * time.Minute)
	assert.Equal(t, int64(25), r.machine.TickEarnings())

	require.NoError(t, r.machine.Resume(ctx))
	assert.Equal(t, int64(120000), r.machine.Snapshot().TotalPauseDurationMs)

	r.clocks.Advance(time.Minute)
	assert.Equal(t, int64(50), r.machine.TickEarnings())

	entry, err := r.machine.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), entry.EarningsCents)
	assert.Equal(t, int64(120000), entry.PauseDurationMs)
}

func TestEndSession_WhilePausedClosesPause(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	r.clocks.Advance(2 * time.Minute)
	require.NoError(t, r.machine.Pause(ctx))
	r.clocks.Advance(10 * time.Minute)

	entry, err := r.machine.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600000), entry.PauseDurationMs)
	assert.Equal(t, int64(50), entry.EarningsCents)
}

func TestPauseResume_Idempotent(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	assert.True(t, IsNoActiveSession(r.machine.Pause(ctx)))
	assert.True(t, IsNoActiveSession(r.machine.Resume(ctx)))

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)

	// Resume while running is a no-op.
	require.NoError(t, r.machine.Resume(ctx))
	assert.True(t, r.machine.Snapshot().Running())

	require.NoError(t, r.machine.Pause(ctx))
	pausedAt := *r.machine.Snapshot().PausedAtWallClock

	// A second pause keeps the original pause start.
	r.clocks.Advance(time.Minute)
	require.NoError(t, r.machine.Pause(ctx))
	assert.Equal(t, pausedAt, *r.machine.Snapshot().PausedAtWallClock)

	r.clocks.Advance(time.Minute)
	require.NoError(t, r.machine.Resume(ctx))
	assert.Equal(t, int64(120000), r.machine.Snapshot().TotalPauseDurationMs)
}

func TestPause_UsesMonotonicDeltaNotWall(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	require.NoError(t, r.machine.Pause(ctx))

	// User winds the wall clock back an hour during a one-minute pause.
	r.clocks.Advance(time.Minute)
	r.clocks.Wall.Advance(-time.Hour)
	require.NoError(t, r.machine.Resume(ctx))

	assert.Equal(t, int64(60000), r.machine.Snapshot().TotalPauseDurationMs)
}

func TestPause_WallFallbackWhenMonotonicUnavailable(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)

	r.clocks.Mono.SetUnavailable(true)
	require.NoError(t, r.machine.Pause(ctx))
	r.clocks.Advance(30 * time.Second)
	require.NoError(t, r.machine.Resume(ctx))
	assert.Equal(t, int64(30000), r.machine.Snapshot().TotalPauseDurationMs)

	// A wall clock set backwards never yields a negative pause.
	require.NoError(t, r.machine.Pause(ctx))
	r.clocks.Wall.Advance(-time.Hour)
	require.NoError(t, r.machine.Resume(ctx))
	assert.Equal(t, int64(30000), r.machine.Snapshot().TotalPauseDurationMs)
}

func TestEarnings_IgnoreWallClockSkew(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)

	r.clocks.Advance(3 * time.Minute)
	r.clocks.Wall.Advance(5 * time.Hour)

	entry, err := r.machine.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(75), entry.EarningsCents)

	// The validator flags the manipulated wall clock.
	report := capture.ValidateTimeEntry(entry)
	assert.True(t, report.Has(capture.ViolationClockDrift))
}

func TestTickEarnings_OnlyWhileRunning(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.clocks.Advance(time.Hour)
	assert.Equal(t, int64(0), r.machine.TickEarnings(), "passive")

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	r.clocks.Advance(2 * time.Minute)

	// Unreadable clock keeps the last value.
	r.clocks.Mono.SetUnavailable(true)
	assert.Equal(t, int64(0), r.machine.TickEarnings())
	r.clocks.Mono.SetUnavailable(false)
	assert.Equal(t, int64(50), r.machine.TickEarnings())

	elapsed, ok := r.machine.Elapsed()
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, elapsed)
}

func TestStartSession_DegradedCaptureFails(t *testing.T) {
	r := newRig(t)
	r.clocks.Mono.SetUnavailable(true)

	_, err := r.machine.StartSession(context.Background(), shiftTask, "user-1")
	assert.Equal(t, CodeCaptureFailure, CodeOf(err))
	assert.ErrorIs(t, err, ErrDegradedCapture)
	assert.True(t, IsRetryable(err))

	assert.Equal(t, ModePassive, r.machine.Snapshot().Mode)
	assert.Empty(t, r.records(t))
}

func TestStartSession_PersistenceFailureLeavesPassive(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.queue.SetFailing(true)

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	assert.Equal(t, CodeQueuePersistenceFailure, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, queue.IsPersistenceFailure(err))
	assert.Equal(t, State{Mode: ModePassive}, r.machine.Snapshot())
	assert.Empty(t, r.recorded())

	// Retrying after storage recovers succeeds.
	r.queue.SetFailing(false)
	_, err = r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	assert.Len(t, r.records(t), 1)
}

func TestEndSession_PersistenceFailureStaysActive(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	r.clocks.Advance(3 * time.Minute)
	before := r.machine.Snapshot()

	r.queue.SetFailing(true)
	_, err = r.machine.EndSession(ctx)
	assert.Equal(t, CodeQueuePersistenceFailure, CodeOf(err))
	assert.Equal(t, before, r.machine.Snapshot())

	r.queue.SetFailing(false)
	r.clocks.Advance(time.Minute)
	entry, err := r.machine.EndSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), entry.EarningsCents)
}

func TestEndSession_DegradedCaptureStaysActive(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	r.clocks.Mono.SetUnavailable(true)

	_, err = r.machine.EndSession(ctx)
	assert.Equal(t, CodeCaptureFailure, CodeOf(err))
	assert.Equal(t, ModeActive, r.machine.Snapshot().Mode)
}

func TestEndSession_AfterOpenEntrySynced(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)

	// The sync driver confirmed the open entry and removed it.
	require.NoError(t, r.store.Remove(ctx, "rec-1"))
	r.clocks.Advance(3 * time.Minute)

	entry, err := r.machine.EndSession(ctx)
	require.NoError(t, err)

	records := r.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "rec-2", records[0].ID)
	assert.Equal(t, wire.TimeEntryAction{Entry: entry}, records[0].Action)
	assert.Equal(t, "rec-2", r.machine.Snapshot().RecordID)
}

func TestForceEnd(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	r.clocks.Advance(4 * time.Minute)

	res := r.machine.ForceEnd(ctx)
	require.NoError(t, res.Err)
	assert.True(t, res.Persisted)
	require.NotNil(t, res.Entry)
	assert.True(t, res.Entry.Forced)
	assert.Equal(t, int64(100), res.Entry.EarningsCents)
	require.NotNil(t, res.Entry.ClockOut)
	assert.Equal(t, wire.EventForceClockOut, res.Entry.ClockOut.Payload.EventType)

	assert.Equal(t, ModePassive, r.machine.Snapshot().Mode)
	records := r.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, wire.TimeEntryAction{Entry: *res.Entry}, records[0].Action)
}

func TestForceEnd_ConvergesUnderFaults(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	r.clocks.Advance(2 * time.Minute)
	r.machine.TickEarnings()

	r.clocks.Mono.SetUnavailable(true)
	r.queue.SetFailing(true)

	res := r.machine.ForceEnd(ctx)
	require.Error(t, res.Err)
	assert.False(t, res.Persisted)
	assert.ErrorIs(t, res.Err, ErrDegradedCapture)
	assert.ErrorIs(t, res.Err, testutil.ErrInjected)

	var se *Error
	require.True(t, errors.As(res.Err, &se))

	require.NotNil(t, res.Entry)
	assert.Nil(t, res.Entry.MonotonicEnd)
	assert.Equal(t, int64(50), res.Entry.EarningsCents, "last ticked earnings")
	require.NotNil(t, res.Entry.ClockOut)
	assert.False(t, res.Entry.ClockOut.Trusted())

	state := r.machine.Snapshot()
	assert.Equal(t, ModePassive, state.Mode)
	assert.Empty(t, state.RecordID)

	// The machine is usable again.
	r.clocks.Mono.SetUnavailable(false)
	r.queue.SetFailing(false)
	_, err = r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
}

func TestForceEnd_FromPassiveIsNoop(t *testing.T) {
	r := newRig(t)

	res := r.machine.ForceEnd(context.Background())
	assert.Nil(t, res.Entry)
	assert.NoError(t, res.Err)
	assert.Empty(t, r.recorded())
}

func TestHandleLifecycle(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	require.NoError(t, r.machine.HandleLifecycle(ctx, LifecycleBackground), "ignored while passive")
	assert.Equal(t, ModePassive, r.machine.Snapshot().Mode)

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)

	require.NoError(t, r.machine.HandleLifecycle(ctx, LifecycleInactive))
	assert.True(t, r.machine.Snapshot().Paused())

	require.NoError(t, r.machine.HandleLifecycle(ctx, LifecycleActive))
	assert.True(t, r.machine.Snapshot().Running())
}

func TestObserverEvents(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	require.NoError(t, r.machine.Pause(ctx))
	require.NoError(t, r.machine.Pause(ctx)) // no-op, no event
	require.NoError(t, r.machine.Resume(ctx))
	_, err = r.machine.EndSession(ctx)
	require.NoError(t, err)

	var kinds []wire.EventKind
	for _, ev := range r.recorded() {
		kinds = append(kinds, ev.Kind)
		require.NotNil(t, ev.Capture, "%s capture", ev.Kind)
		assert.True(t, r.capturer.ValidateIntegrity(*ev.Capture))
	}
	assert.Equal(t, []wire.EventKind{
		wire.EventClockIn, wire.EventPause, wire.EventResume, wire.EventClockOut,
	}, kinds)
}

func TestEarnings(t *testing.T) {
	assert.Equal(t, int64(75), Earnings(180000, 25))
	assert.Equal(t, int64(0), Earnings(-1, 25))
	assert.Equal(t, int64(0), Earnings(59999, 1))
	assert.Equal(t, int64(1), Earnings(60000, 1))
	assert.Equal(t, int64(0), Earnings(60000, 0))
}

func TestParseLifecycle(t *testing.T) {
	l, err := ParseLifecycle("background")
	require.NoError(t, err)
	assert.Equal(t, LifecycleBackground, l)
	assert.False(t, l.Active())

	_, err = ParseLifecycle("suspended")
	assert.Error(t, err)
}

func TestWithMaxAttempts(t *testing.T) {
	r := newRig(t)
	r.machine = NewMachine(r.capturer, r.queue, WithMaxAttempts(9))

	_, err := r.machine.StartSession(context.Background(), shiftTask, "user-1")
	require.NoError(t, err)

	records := r.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, 9, records[0].MaxAttempts)
	assert.Equal(t, wire.PriorityTimeEntry, records[0].Priority)
}

func TestObserverAddedDuringNotify(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var late []wire.EventKind
	r.machine.Observe(func(ev Event) {
		if ev.Kind == wire.EventClockIn {
			r.machine.Observe(func(ev Event) { late = append(late, ev.Kind) })
		}
	})

	_, err := r.machine.StartSession(ctx, shiftTask, "user-1")
	require.NoError(t, err)
	_, err = r.machine.EndSession(ctx)
	require.NoError(t, err)

	// The observer registered mid-notify sees only later transitions.
	assert.Equal(t, []wire.EventKind{wire.EventClockOut}, late)
}
