package wire

import (
	"fmt"
	"strings"
	"time"
)

// EventKind identifies what a capture timestamps.
type EventKind string

const (
	EventClockIn       EventKind = "CLOCK_IN"
	EventClockOut      EventKind = "CLOCK_OUT"
	EventForceClockOut EventKind = "FORCE_CLOCK_OUT"
	EventPause         EventKind = "PAUSE"
	EventResume        EventKind = "RESUME"
)

// ValidEventKinds defines the allowed event kinds.
var ValidEventKinds = map[EventKind]bool{
	EventClockIn:       true,
	EventClockOut:      true,
	EventForceClockOut: true,
	EventPause:         true,
	EventResume:        true,
}

// DegradedSignaturePrefix tags captures taken without a monotonic reading.
// A capture whose signature carries this prefix is never trusted for pay.
const DegradedSignaturePrefix = "degraded:"

// ISOLayout matches the millisecond ISO-8601 form used on the wire.
const ISOLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatISO renders t in UTC with millisecond precision.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// CapturePayload is the signed portion of a capture.
//
// UserTime is the wall clock (attacker-controllable). MonotonicTime is device
// uptime in milliseconds; it is 0 on a degraded capture.
type CapturePayload struct {
	UserTime      int64     `json:"userTime"`
	MonotonicTime int64     `json:"monotonicTime"`
	EventType     EventKind `json:"eventType"`
	DeviceID      string    `json:"deviceId"`
	Timestamp     string    `json:"timestamp"`
}

// Object returns the payload as a canonical Object for signing.
func (p CapturePayload) Object() Object {
	return Object{
		"userTime":      Int(p.UserTime),
		"monotonicTime": Int(p.MonotonicTime),
		"eventType":     String(p.EventType),
		"deviceId":      String(p.DeviceID),
		"timestamp":     String(p.Timestamp),
	}
}

// Canonical returns the RFC 8785 bytes that are signed.
func (p CapturePayload) Canonical() ([]byte, error) {
	data, err := MarshalCanonical(p.Object())
	if err != nil {
		return nil, fmt.Errorf("canonical payload: %w", err)
	}
	return data, nil
}

// SignedCapture is the capture wire shape accepted by the sync endpoint.
// Immutable once produced.
type SignedCapture struct {
	Payload   CapturePayload `json:"payload"`
	Signature string         `json:"signature"`
}

// Trusted reports whether the capture carries a monotonic reading.
// Integrity is a separate question; see capture.Signer.Verify.
func (c SignedCapture) Trusted() bool {
	return c.Signature != "" && !strings.HasPrefix(c.Signature, DegradedSignaturePrefix)
}

// SyncState tracks a TimeEntry through the sync pipeline.
type SyncState string

const (
	// SyncPending marks an open entry queued at clock-in.
	SyncPending SyncState = "pending"
	// SyncQueued marks a completed entry awaiting confirmation.
	SyncQueued SyncState = "queued"
	// SyncConfirmed marks an entry the remote has acknowledged.
	SyncConfirmed SyncState = "confirmed"
)

// TimeEntry is one worked session.
//
// Created at clock-in, mutated exactly once at clock-out (or forced end),
// removed from the queue on confirmed sync.
type TimeEntry struct {
	ID                    string         `json:"id"`
	UserID                string         `json:"userId"`
	TaskID                string         `json:"taskId"`
	StartWallClock        time.Time      `json:"startWallClock"`
	EndWallClock          *time.Time     `json:"endWallClock,omitempty"`
	MonotonicStart        int64          `json:"monotonicStart"`
	MonotonicEnd          *int64         `json:"monotonicEnd,omitempty"`
	DeviceBootTime        int64          `json:"deviceBootTime"`
	DeviceID              string         `json:"deviceId"`
	SyncState             SyncState      `json:"syncState"`
	PayRateCentsPerMinute int64          `json:"payRateCentsPerMinute"`
	PauseDurationMs       int64          `json:"pauseDurationMs"`
	EarningsCents         int64          `json:"earningsCents"`
	Forced                bool           `json:"forced,omitempty"`
	ClockIn               *SignedCapture `json:"clockIn,omitempty"`
	ClockOut              *SignedCapture `json:"clockOut,omitempty"`
}

// Completed reports whether the entry has been closed.
func (e TimeEntry) Completed() bool {
	return e.EndWallClock != nil
}

// WallDurationMs returns the wall-clock span, or 0 for an open entry.
func (e TimeEntry) WallDurationMs() int64 {
	if e.EndWallClock == nil {
		return 0
	}
	return e.EndWallClock.Sub(e.StartWallClock).Milliseconds()
}

// MonotonicDurationMs returns the monotonic span and whether it is known.
func (e TimeEntry) MonotonicDurationMs() (int64, bool) {
	if e.MonotonicEnd == nil {
		return 0, false
	}
	return *e.MonotonicEnd - e.MonotonicStart, true
}
