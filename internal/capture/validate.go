package capture

import (
	"fmt"
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// ViolationCode identifies an entry validation failure.
type ViolationCode string

const (
	ViolationEndBeforeStart    ViolationCode = "END_BEFORE_START"
	ViolationMonotonicReversed ViolationCode = "MONOTONIC_REVERSED"
	ViolationDurationExceeded  ViolationCode = "DURATION_EXCEEDED"
	ViolationClockDrift        ViolationCode = "CLOCK_DRIFT"
)

// Violation is one failed check.
type Violation struct {
	Code   ViolationCode `json:"code"`
	Detail string        `json:"detail"`
}

// Report is the result of validating a TimeEntry.
type Report struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Has reports whether code is among the violations.
func (r Report) Has(code ViolationCode) bool {
	for _, v := range r.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Default validation limits.
const (
	DefaultMaxEntryDuration       = 24 * time.Hour
	DefaultDriftTolerancePermille = 50 // 5%
)

// EntryValidator checks completed entries against duration and drift limits.
type EntryValidator struct {
	MaxDuration            time.Duration
	DriftTolerancePermille int64
}

// DefaultEntryValidator uses a 24h limit and 5% drift tolerance.
var DefaultEntryValidator = EntryValidator{
	MaxDuration:            DefaultMaxEntryDuration,
	DriftTolerancePermille: DefaultDriftTolerancePermille,
}

// ValidateTimeEntry validates e with DefaultEntryValidator.
func ValidateTimeEntry(e wire.TimeEntry) Report {
	return DefaultEntryValidator.Validate(e)
}

// Validate checks e. Open entries have nothing to check and are valid.
//
// Drift is |wall - mono| / wall, compared strictly against the tolerance in
// integer per-mille arithmetic. A zero wall span against any monotonic time
// is unbounded drift. It is skipped when either duration is unknown or the
// wall duration is negative.
func (v EntryValidator) Validate(e wire.TimeEntry) Report {
	var violations []Violation
	add := func(code ViolationCode, format string, args ...any) {
		violations = append(violations, Violation{Code: code, Detail: fmt.Sprintf(format, args...)})
	}

	if e.Completed() {
		wallMs := e.WallDurationMs()
		if wallMs < 0 {
			add(ViolationEndBeforeStart, "end %s is before start %s",
				wire.FormatISO(*e.EndWallClock), wire.FormatISO(e.StartWallClock))
		}
		if limit := v.MaxDuration.Milliseconds(); limit > 0 && wallMs > limit {
			add(ViolationDurationExceeded, "wall duration %dms exceeds %dms", wallMs, limit)
		}

		monoMs, known := e.MonotonicDurationMs()
		if known && monoMs < 0 {
			add(ViolationMonotonicReversed, "monotonic end %d is before start %d", *e.MonotonicEnd, e.MonotonicStart)
		}
		if known && wallMs == 0 && monoMs != 0 {
			add(ViolationClockDrift, "wall 0ms vs monotonic %dms", monoMs)
		}
		if known && wallMs > 0 {
			diff := wallMs - monoMs
			if diff < 0 {
				diff = -diff
			}
			if diff*1000 > v.DriftTolerancePermille*wallMs {
				add(ViolationClockDrift, "wall %dms vs monotonic %dms drifts %d permille (limit %d)",
					wallMs, monoMs, diff*1000/wallMs, v.DriftTolerancePermille)
			}
		}
	}

	return Report{Valid: len(violations) == 0, Violations: violations}
}
