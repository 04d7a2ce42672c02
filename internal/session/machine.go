package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/capture"
	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// Capturer is the subset of capture.Capturer the machine needs.
type Capturer interface {
	CaptureWithReading(ctx context.Context, kind wire.EventKind) (wire.SignedCapture, capture.Reading, error)
	Read() capture.Reading
}

// Machine is the compliance session state machine.
//
// Thread-safety: every operation holds one mutex for its whole duration,
// including the durable write, so operations are serialized and a success
// return implies the write happened. Observers run after the mutex is released.
type Machine struct {
	capturer Capturer
	queue    queue.Queue
	entryIDs queue.IDGenerator
	attempts int

	mu           sync.Mutex
	state        State
	entry        *wire.TimeEntry // open entry while ACTIVE
	pausedAtMono *int64          // monotonic pause start, nil if unknown

	obsMu     sync.Mutex
	observers []func(Event)
}

// Option configures a Machine.
type Option func(*Machine)

// WithEntryIDGenerator overrides TimeEntry id generation.
func WithEntryIDGenerator(g queue.IDGenerator) Option {
	return func(m *Machine) {
		m.entryIDs = g
	}
}

// WithMaxAttempts sets the sync retry budget of queued entries.
func WithMaxAttempts(n int) Option {
	return func(m *Machine) {
		m.attempts = n
	}
}

// WithObserver registers fn to receive every committed transition.
func WithObserver(fn func(Event)) Option {
	return func(m *Machine) {
		m.observers = append(m.observers, fn)
	}
}

// NewMachine creates a PASSIVE machine.
func NewMachine(c Capturer, q queue.Queue, opts ...Option) *Machine {
	m := &Machine{
		capturer: c,
		queue:    q,
		entryIDs: queue.UUIDv7Generator{},
		attempts: queue.DefaultMaxAttempts,
		state:    State{Mode: ModePassive},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe registers fn to receive every committed transition.
func (m *Machine) Observe(fn func(Event)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) notify(ev Event) {
	m.obsMu.Lock()
	observers := slices.Clone(m.observers)
	m.obsMu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// OpenEntry returns a copy of the open TimeEntry, if any.
func (m *Machine) OpenEntry() (wire.TimeEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil {
		return wire.TimeEntry{}, false
	}
	return *m.entry, true
}

// StartSession clocks in on task for userID.
//
// Valid only from PASSIVE (ALREADY_ACTIVE otherwise). The CLOCK_IN capture
// must be trusted (CAPTURE_FAILURE otherwise). The entry is enqueued at
// TIME_ENTRY priority before the state changes (QUEUE_PERSISTENCE_FAILURE on
// error, state unchanged).
func (m *Machine) StartSession(ctx context.Context, task Task, userID string) (wire.TimeEntry, error) {
	const op = "start session"

	m.mu.Lock()
	if m.state.Mode != ModePassive {
		m.mu.Unlock()
		return wire.TimeEntry{}, newError(CodeAlreadyActive, op, fmt.Errorf("task %s already active", m.state.ActiveTask.ID))
	}

	clockIn, r, err := m.trustedCapture(ctx, op, wire.EventClockIn)
	if err != nil {
		m.mu.Unlock()
		return wire.TimeEntry{}, err
	}

	entry := wire.TimeEntry{
		ID:                    m.entryIDs.Generate(),
		UserID:                userID,
		TaskID:                task.ID,
		StartWallClock:        r.Wall,
		MonotonicStart:        r.Mono,
		DeviceBootTime:        r.WallMs() - r.Mono,
		DeviceID:              clockIn.Payload.DeviceID,
		SyncState:             wire.SyncPending,
		PayRateCentsPerMinute: task.PayRateCentsPerMinute,
		ClockIn:               &clockIn,
	}

	rec, err := m.queue.Enqueue(ctx, m.entryItem(entry, clockIn))
	if err != nil {
		m.mu.Unlock()
		slog.Error("clock-in not persisted",
			"entry_id", entry.ID,
			"error", err,
			"event", "session_start_failed",
		)
		return wire.TimeEntry{}, newError(CodeQueuePersistenceFailure, op, err)
	}

	t := task
	wall := r.Wall
	mono := r.Mono
	m.state = State{
		Mode:                  ModeActive,
		SubState:              SubStateRunning,
		ActiveTask:            &t,
		UserID:                userID,
		SessionStartWallClock: &wall,
		MonotonicSessionStart: &mono,
		EntryID:               entry.ID,
		RecordID:              rec.ID,
	}
	m.entry = &entry
	m.pausedAtMono = nil
	ev := Event{Kind: wire.EventClockIn, Capture: &clockIn, Entry: &entry, State: m.state.clone()}
	m.mu.Unlock()

	slog.Info("session started",
		"entry_id", entry.ID,
		"record_id", rec.ID,
		"task_id", task.ID,
		"monotonic_start", entry.MonotonicStart,
	)
	m.notify(ev)
	return entry, nil
}

// EndSession clocks out and returns the completed entry.
//
// Valid only from ACTIVE (NO_ACTIVE_SESSION otherwise). An open pause is
// closed at the clock-out instant. The queued entry is updated in place; if a
// sync already confirmed and removed the open entry, the completed entry is
// enqueued afresh.
func (m *Machine) EndSession(ctx context.Context) (wire.TimeEntry, error) {
	const op = "end session"

	m.mu.Lock()
	if m.state.Mode != ModeActive {
		m.mu.Unlock()
		return wire.TimeEntry{}, newError(CodeNoActiveSession, op, nil)
	}

	clockOut, r, err := m.trustedCapture(ctx, op, wire.EventClockOut)
	if err != nil {
		m.mu.Unlock()
		return wire.TimeEntry{}, err
	}

	entry := m.complete(r, &clockOut, false)

	recordID, err := m.persistCompleted(ctx, entry, clockOut)
	if err != nil {
		m.mu.Unlock()
		slog.Error("clock-out not persisted",
			"entry_id", entry.ID,
			"error", err,
			"event", "session_end_failed",
		)
		return wire.TimeEntry{}, newError(CodeQueuePersistenceFailure, op, err)
	}

	m.resetPassive(entry.EarningsCents, entry.ID, recordID)
	ev := Event{Kind: wire.EventClockOut, Capture: &clockOut, Entry: &entry, State: m.state.clone()}
	m.mu.Unlock()

	slog.Info("session ended",
		"entry_id", entry.ID,
		"record_id", recordID,
		"earnings_cents", entry.EarningsCents,
		"pause_ms", entry.PauseDurationMs,
	)
	m.notify(ev)
	return entry, nil
}

// Pause stops accrual. Valid only from ACTIVE; a no-op when already paused.
func (m *Machine) Pause(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Mode != ModeActive {
		m.mu.Unlock()
		return newError(CodeNoActiveSession, "pause", nil)
	}
	if m.state.SubState == SubStatePaused {
		m.mu.Unlock()
		return nil
	}

	c, r := m.bestEffortCapture(ctx, wire.EventPause)
	wall := r.Wall
	m.state.SubState = SubStatePaused
	m.state.PausedAtWallClock = &wall
	m.pausedAtMono = nil
	if r.MonoOK {
		mono := r.Mono
		m.pausedAtMono = &mono
	}
	ev := Event{Kind: wire.EventPause, Capture: c, State: m.state.clone()}
	m.mu.Unlock()

	slog.Debug("session paused", "entry_id", ev.State.EntryID)
	m.notify(ev)
	return nil
}

// Resume restarts accrual. Valid only from ACTIVE; a no-op when not paused.
// The paused interval is added to the pause accumulator.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Mode != ModeActive {
		m.mu.Unlock()
		return newError(CodeNoActiveSession, "resume", nil)
	}
	if m.state.SubState != SubStatePaused {
		m.mu.Unlock()
		return nil
	}

	c, r := m.bestEffortCapture(ctx, wire.EventResume)
	delta := m.pauseDelta(r)
	m.state.TotalPauseDurationMs += delta
	m.state.SubState = SubStateRunning
	m.state.PausedAtWallClock = nil
	m.pausedAtMono = nil
	ev := Event{Kind: wire.EventResume, Capture: c, State: m.state.clone()}
	m.mu.Unlock()

	slog.Debug("session resumed", "entry_id", ev.State.EntryID, "pause_ms", delta)
	m.notify(ev)
	return nil
}

// TickEarnings recomputes earnings from the monotonic clock and returns them.
// Earnings change only while ACTIVE/running. An unreadable clock keeps the
// last value.
func (m *Machine) TickEarnings() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Running() || m.entry == nil {
		return m.state.EarningsCents
	}
	r := m.capturer.Read()
	if !r.MonoOK {
		return m.state.EarningsCents
	}
	elapsed := r.Mono - m.entry.MonotonicStart - m.state.TotalPauseDurationMs
	m.state.EarningsCents = Earnings(elapsed, m.entry.PayRateCentsPerMinute)
	return m.state.EarningsCents
}

// ForceEndResult reports what ForceEnd managed to record.
type ForceEndResult struct {
	// Entry is the forced entry, nil when the machine was already PASSIVE.
	Entry *wire.TimeEntry
	// Persisted reports whether the entry reached the queue.
	Persisted bool
	// Err joins every capture and persistence failure; nil when complete.
	Err error
}

// ForceEnd exits ACTIVE unconditionally.
//
// It captures FORCE_CLOCK_OUT and persists the partial entry on a best-effort
// basis; any failure is logged and returned in the result, never instead of
// reaching PASSIVE. From PASSIVE it is a no-op. A degraded capture is accepted
// and stays marked on the entry.
func (m *Machine) ForceEnd(ctx context.Context) ForceEndResult {
	m.mu.Lock()
	if m.state.Mode != ModeActive {
		m.mu.Unlock()
		return ForceEndResult{}
	}

	var errs []error
	var forced *wire.SignedCapture
	c, r, err := m.capturer.CaptureWithReading(ctx, wire.EventForceClockOut)
	if err != nil {
		errs = append(errs, newError(CodeCaptureFailure, "force end", err))
		r = m.capturer.Read()
	} else {
		forced = &c
		if !c.Trusted() {
			errs = append(errs, newError(CodeCaptureFailure, "force end", ErrDegradedCapture))
		}
	}

	entry := m.complete(r, forced, true)
	recordID, err := m.persistCompleted(ctx, entry, c)
	persisted := err == nil
	if err != nil {
		errs = append(errs, newError(CodeQueuePersistenceFailure, "force end", err))
		recordID = ""
	}

	m.resetPassive(entry.EarningsCents, entry.ID, recordID)
	ev := Event{Kind: wire.EventForceClockOut, Capture: forced, Entry: &entry, State: m.state.clone()}
	m.mu.Unlock()

	result := ForceEndResult{Entry: &entry, Persisted: persisted, Err: errors.Join(errs...)}
	if result.Err != nil {
		slog.Error("force end incomplete",
			"entry_id", entry.ID,
			"persisted", persisted,
			"error", result.Err,
			"event", "force_end_incomplete",
		)
	} else {
		slog.Info("session force ended", "entry_id", entry.ID, "earnings_cents", entry.EarningsCents)
	}
	m.notify(ev)
	return result
}

// HandleLifecycle maps a platform signal to Pause or Resume.
// Signals while PASSIVE are ignored.
func (m *Machine) HandleLifecycle(ctx context.Context, l Lifecycle) error {
	if m.Snapshot().Mode != ModeActive {
		return nil
	}
	if l.Active() {
		return m.Resume(ctx)
	}
	return m.Pause(ctx)
}

// trustedCapture captures kind and rejects failures and degraded captures.
// Caller holds mu.
func (m *Machine) trustedCapture(ctx context.Context, op string, kind wire.EventKind) (wire.SignedCapture, capture.Reading, error) {
	c, r, err := m.capturer.CaptureWithReading(ctx, kind)
	if err != nil {
		return wire.SignedCapture{}, r, newError(CodeCaptureFailure, op, err)
	}
	if !c.Trusted() {
		slog.Warn("rejecting degraded capture",
			"op", op,
			"event_type", kind,
			"event", "capture_rejected",
		)
		return wire.SignedCapture{}, r, newError(CodeCaptureFailure, op, ErrDegradedCapture)
	}
	return c, r, nil
}

// bestEffortCapture signs a pause or resume marker, falling back to a plain
// clock reading if signing fails. Caller holds mu.
func (m *Machine) bestEffortCapture(ctx context.Context, kind wire.EventKind) (*wire.SignedCapture, capture.Reading) {
	c, r, err := m.capturer.CaptureWithReading(ctx, kind)
	if err != nil {
		slog.Warn("lifecycle capture failed", "event_type", kind, "error", err)
		return nil, m.capturer.Read()
	}
	return &c, r
}

// pauseDelta is the length of the open pause ending at r.
// Monotonic deltas are used whenever both ends are known; otherwise the wall
// delta, clamped at zero. Caller holds mu.
func (m *Machine) pauseDelta(r capture.Reading) int64 {
	var delta int64
	switch {
	case m.pausedAtMono != nil && r.MonoOK:
		delta = r.Mono - *m.pausedAtMono
	case m.state.PausedAtWallClock != nil:
		delta = r.Wall.Sub(*m.state.PausedAtWallClock).Milliseconds()
	}
	return max(delta, 0)
}

// complete builds the closed entry at reading r without committing anything.
// Caller holds mu.
func (m *Machine) complete(r capture.Reading, clockOut *wire.SignedCapture, forced bool) wire.TimeEntry {
	entry := *m.entry
	pause := m.state.TotalPauseDurationMs
	if m.state.SubState == SubStatePaused {
		pause += m.pauseDelta(r)
	}

	end := r.Wall
	entry.EndWallClock = &end
	entry.PauseDurationMs = pause
	entry.SyncState = wire.SyncQueued
	entry.Forced = forced
	entry.ClockOut = clockOut

	if r.MonoOK {
		mono := r.Mono
		entry.MonotonicEnd = &mono
		entry.EarningsCents = Earnings(mono-entry.MonotonicStart-pause, entry.PayRateCentsPerMinute)
	} else {
		// Without an end reading the last ticked value is the best estimate.
		entry.EarningsCents = m.state.EarningsCents
	}
	return entry
}

// persistCompleted writes the completed entry over the queued open entry,
// or enqueues it if the open entry is gone. Caller holds mu.
func (m *Machine) persistCompleted(ctx context.Context, entry wire.TimeEntry, clockOut wire.SignedCapture) (string, error) {
	patch := queue.Patch{Action: wire.TimeEntryAction{Entry: entry}}
	if entry.MonotonicEnd != nil {
		patch.MonotonicTimestamp = entry.MonotonicEnd
	}
	if clockOut.Signature != "" {
		sig := clockOut.Signature
		patch.Signature = &sig
	}

	if m.state.RecordID != "" {
		rec, err := m.queue.Update(ctx, m.state.RecordID, patch)
		if err == nil {
			return rec.ID, nil
		}
		if !queue.IsNotFound(err) {
			return "", err
		}
		slog.Info("open entry already synced, enqueueing completed entry",
			"entry_id", entry.ID,
			"record_id", m.state.RecordID,
		)
	}

	rec, err := m.queue.Enqueue(ctx, m.entryItem(entry, clockOut))
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// resetPassive commits PASSIVE, keeping the final earnings visible.
// Caller holds mu.
func (m *Machine) resetPassive(earnings int64, entryID, recordID string) {
	m.state = State{
		Mode:          ModePassive,
		EarningsCents: earnings,
		EntryID:       entryID,
		RecordID:      recordID,
	}
	m.entry = nil
	m.pausedAtMono = nil
}

func (m *Machine) entryItem(entry wire.TimeEntry, c wire.SignedCapture) queue.Item {
	item := queue.NewItem(wire.TimeEntryAction{Entry: entry})
	item.MaxAttempts = m.attempts
	item.Signature = c.Signature
	if c.Trusted() {
		mono := c.Payload.MonotonicTime
		item.MonotonicTimestamp = &mono
	}
	return item
}

// Elapsed returns the accrued (non-paused) monotonic time of the open
// session at the current clock reading, for display.
func (m *Machine) Elapsed() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry == nil {
		return 0, false
	}
	r := m.capturer.Read()
	if !r.MonoOK {
		return 0, false
	}
	pause := m.state.TotalPauseDurationMs
	if m.state.SubState == SubStatePaused {
		pause += m.pauseDelta(r)
	}
	return time.Duration(max(r.Mono-m.entry.MonotonicStart-pause, 0)) * time.Millisecond, true
}
