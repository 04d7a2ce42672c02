package session

import (
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// Mode is the top-level session state.
type Mode string

const (
	ModePassive Mode = "PASSIVE"
	ModeActive  Mode = "ACTIVE"
)

// SubState refines ModeActive. It is empty while PASSIVE.
type SubState string

const (
	SubStateRunning SubState = "running"
	SubStatePaused  SubState = "paused"
)

// Task is the unit of work a session is paid against.
type Task struct {
	ID                    string `json:"id" yaml:"id"`
	Name                  string `json:"name,omitempty" yaml:"name"`
	PayRateCentsPerMinute int64  `json:"payRateCentsPerMinute" yaml:"pay_rate_cents_per_minute"`
}

// State is a snapshot of the machine.
type State struct {
	Mode                  Mode       `json:"mode"`
	SubState              SubState   `json:"subState,omitempty"`
	ActiveTask            *Task      `json:"activeTask,omitempty"`
	UserID                string     `json:"userId,omitempty"`
	EarningsCents         int64      `json:"earningsCents"`
	PausedAtWallClock     *time.Time `json:"pausedAtWallClock,omitempty"`
	TotalPauseDurationMs  int64      `json:"totalPauseDurationMs"`
	SessionStartWallClock *time.Time `json:"sessionStartWallClock,omitempty"`
	MonotonicSessionStart *int64     `json:"monotonicSessionStart,omitempty"`
	EntryID               string     `json:"entryId,omitempty"`
	RecordID              string     `json:"recordId,omitempty"`
}

// Running reports ACTIVE/running.
func (s State) Running() bool {
	return s.Mode == ModeActive && s.SubState == SubStateRunning
}

// Paused reports ACTIVE/paused.
func (s State) Paused() bool {
	return s.Mode == ModeActive && s.SubState == SubStatePaused
}

// clone returns a copy that shares no pointers with s.
func (s State) clone() State {
	c := s
	if s.ActiveTask != nil {
		t := *s.ActiveTask
		c.ActiveTask = &t
	}
	if s.PausedAtWallClock != nil {
		t := *s.PausedAtWallClock
		c.PausedAtWallClock = &t
	}
	if s.SessionStartWallClock != nil {
		t := *s.SessionStartWallClock
		c.SessionStartWallClock = &t
	}
	if s.MonotonicSessionStart != nil {
		v := *s.MonotonicSessionStart
		c.MonotonicSessionStart = &v
	}
	return c
}

// Event is delivered to observers after every committed transition.
type Event struct {
	Kind    wire.EventKind
	Capture *wire.SignedCapture
	Entry   *wire.TimeEntry // set for start, end and force end
	State   State
}

// Earnings returns floor(elapsedMs * rate / 60000), or 0 for non-positive
// elapsed time.
func Earnings(elapsedMs, ratePerMinute int64) int64 {
	if elapsedMs <= 0 || ratePerMinute <= 0 {
		return 0
	}
	return elapsedMs * ratePerMinute / 60_000
}
