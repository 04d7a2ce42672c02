package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// Reading is one back-to-back sample of both clocks.
type Reading struct {
	Wall time.Time
	// Mono is the uptime in ms; meaningful only when MonoOK.
	Mono   int64
	MonoOK bool
}

// WallMs returns the wall reading in ms since the epoch.
func (r Reading) WallMs() int64 {
	return r.Wall.UnixMilli()
}

// Capturer creates and verifies signed captures.
//
// Thread-safety: Capturer is safe for concurrent use.
type Capturer struct {
	signer   *Signer
	mono     MonotonicClock
	wall     WallClock
	identity DeviceIdentity

	mu       sync.Mutex
	deviceID string // memoized on first successful lookup
}

// NewCapturer wires the collaborators. A nil wall defaults to SystemWall.
func NewCapturer(signer *Signer, mono MonotonicClock, wall WallClock, identity DeviceIdentity) *Capturer {
	if wall == nil {
		wall = SystemWall{}
	}
	return &Capturer{
		signer:   signer,
		mono:     mono,
		wall:     wall,
		identity: identity,
	}
}

// Read samples wall then monotonic time as close together as possible.
func (c *Capturer) Read() Reading {
	wall := c.wall.Now()
	r := Reading{Wall: time.UnixMilli(wall.UnixMilli()).UTC()}
	if c.mono == nil {
		return r
	}
	if ms, err := c.mono.UptimeMillis(); err == nil {
		r.Mono, r.MonoOK = ms, true
	}
	return r
}

// DeviceID returns the memoized device id, or UnknownDevice when the lookup
// fails. Failures are not memoized, so a later call may succeed.
func (c *Capturer) DeviceID(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deviceID != "" {
		return c.deviceID
	}
	if c.identity == nil {
		return UnknownDevice
	}
	id, err := c.identity.DeviceID(ctx)
	if err != nil || id == "" {
		slog.Warn("device identity unavailable",
			"error", err,
			"fallback", UnknownDevice,
			"event", "device_identity_failed",
		)
		return UnknownDevice
	}
	c.deviceID = id
	return id
}

// CaptureEvent records and signs one event.
//
// A monotonic failure yields a degraded capture, not an error. The returned
// error covers only an unknown kind or a signing failure.
func (c *Capturer) CaptureEvent(ctx context.Context, kind wire.EventKind) (wire.SignedCapture, error) {
	capture, _, err := c.CaptureWithReading(ctx, kind)
	return capture, err
}

// CaptureWithReading is CaptureEvent that also returns the clock sample the
// capture was built from.
func (c *Capturer) CaptureWithReading(ctx context.Context, kind wire.EventKind) (wire.SignedCapture, Reading, error) {
	if !wire.ValidEventKinds[kind] {
		return wire.SignedCapture{}, Reading{}, fmt.Errorf("unknown event kind %q", kind)
	}
	deviceID := c.DeviceID(ctx)
	r := c.Read()

	payload := wire.CapturePayload{
		UserTime:  r.WallMs(),
		EventType: kind,
		DeviceID:  deviceID,
		Timestamp: wire.FormatISO(r.Wall),
	}
	degraded := !r.MonoOK
	if degraded {
		slog.Warn("monotonic clock unavailable, capture degraded",
			"event_type", kind,
			"device_id", deviceID,
			"event", "capture_degraded",
		)
	} else {
		payload.MonotonicTime = r.Mono
	}

	sig, err := c.signer.Sign(payload, degraded)
	if err != nil {
		return wire.SignedCapture{}, r, fmt.Errorf("sign %s capture: %w", kind, err)
	}

	slog.Debug("capture signed",
		"event_type", kind,
		"user_time", payload.UserTime,
		"monotonic_time", payload.MonotonicTime,
		"degraded", degraded,
	)
	return wire.SignedCapture{Payload: payload, Signature: sig}, r, nil
}

// ValidateIntegrity reports whether capture's signature matches its payload.
// It checks authenticity only; use SignedCapture.Trusted for trust level.
func (c *Capturer) ValidateIntegrity(capture wire.SignedCapture) bool {
	return c.signer.Verify(capture)
}
