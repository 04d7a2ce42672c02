package capture

import (
	"context"
	"errors"
	"time"
)

// ErrMonotonicUnavailable reports that the uptime source could not be read.
var ErrMonotonicUnavailable = errors.New("monotonic clock unavailable")

// MonotonicClock reads device uptime in milliseconds.
// Any error is treated as the clock being unavailable.
type MonotonicClock interface {
	UptimeMillis() (int64, error)
}

// WallClock reads the user-visible wall clock.
type WallClock interface {
	Now() time.Time
}

// DeviceIdentity resolves the stable device identifier.
type DeviceIdentity interface {
	DeviceID(ctx context.Context) (string, error)
}

// RuntimeClock measures uptime with the Go runtime's monotonic clock
// relative to a fixed origin.
//
// Wall clock changes do not affect it. It restarts from the origin offset
// each process start, so deviceBootTime derived from it identifies a
// process lifetime rather than a device boot.
type RuntimeClock struct {
	origin   time.Time
	offsetMs int64
}

// NewRuntimeClock starts a monotonic clock reading offsetMs now.
func NewRuntimeClock(offsetMs int64) *RuntimeClock {
	return &RuntimeClock{origin: time.Now(), offsetMs: offsetMs}
}

// UptimeMillis returns milliseconds since the origin plus the offset.
func (c *RuntimeClock) UptimeMillis() (int64, error) {
	if c == nil || c.origin.IsZero() {
		return 0, ErrMonotonicUnavailable
	}
	// time.Since uses the monotonic reading embedded in origin.
	return c.offsetMs + time.Since(c.origin).Milliseconds(), nil
}

// SystemWall is the host wall clock.
type SystemWall struct{}

// Now returns time.Now().
func (SystemWall) Now() time.Time {
	return time.Now()
}
