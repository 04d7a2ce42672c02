package testutil

import (
	"errors"
	"sync"
	"time"
)

// ErrClockUnavailable is returned by ManualMonotonic while it is marked
// unavailable.
var ErrClockUnavailable = errors.New("testutil: monotonic clock unavailable")

// ManualMonotonic is a monotonic uptime source advanced by hand.
//
// It satisfies capture.MonotonicClock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualMonotonic struct {
	mu          sync.Mutex
	ms          int64
	unavailable bool
}

// NewManualMonotonic creates a clock reading startMs.
func NewManualMonotonic(startMs int64) *ManualMonotonic {
	return &ManualMonotonic{ms: startMs}
}

// UptimeMillis returns the current reading, or ErrClockUnavailable.
func (c *ManualMonotonic) UptimeMillis() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unavailable {
		return 0, ErrClockUnavailable
	}
	return c.ms, nil
}

// Advance moves the reading forward by d.
func (c *ManualMonotonic) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms += d.Milliseconds()
}

// Set replaces the reading. Used to simulate a reboot (reset to a small value).
func (c *ManualMonotonic) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms = ms
}

// SetUnavailable toggles failure of UptimeMillis. Time still advances.
func (c *ManualMonotonic) SetUnavailable(unavailable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable = unavailable
}

// ManualWall is a user-adjustable wall clock.
//
// It satisfies capture.WallClock.
type ManualWall struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualWall creates a wall clock reading t.
func NewManualWall(t time.Time) *ManualWall {
	return &ManualWall{now: t}
}

// Now returns the current wall time.
func (w *ManualWall) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now
}

// Advance moves the wall clock by d. Negative d models the user setting the
// clock back.
func (w *ManualWall) Advance(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = w.now.Add(d)
}

// Set replaces the wall time.
func (w *ManualWall) Set(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = t
}

// Clocks pairs a wall clock and a monotonic clock that advance together,
// the way a real device does while no one touches its settings.
type Clocks struct {
	Wall *ManualWall
	Mono *ManualMonotonic
}

// DefaultStart is the wall time NewClocks starts from.
var DefaultStart = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

// NewClocks returns clocks at DefaultStart with uptime monoStartMs.
func NewClocks(monoStartMs int64) *Clocks {
	return &Clocks{
		Wall: NewManualWall(DefaultStart),
		Mono: NewManualMonotonic(monoStartMs),
	}
}

// Advance moves both clocks forward by d.
func (c *Clocks) Advance(d time.Duration) {
	c.Wall.Advance(d)
	c.Mono.Advance(d)
}
