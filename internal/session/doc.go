// Package session implements the compliance session state machine.
//
// # States
//
//	PASSIVE ──start──▶ ACTIVE/running ◀──resume── ACTIVE/paused
//	   ▲                   │   └──────pause──────▶    │
//	   └─────end/forceEnd──┴──────────────────────────┘
//
// There is at most one ACTIVE session per device. Earnings are computed only
// from monotonic deltas:
//
//	elapsedMs     = monotonicNow - monotonicStart - totalPauseMs
//	earningsCents = floor(elapsedMs * payRateCentsPerMinute / 60000)
//
// Wall clock values are kept for display and never enter the arithmetic.
//
// # Durability
//
// StartSession and EndSession return only after the TimeEntry is durably in
// the queue.Queue. On any capture or persistence failure the state is left
// exactly as it was. ForceEnd is the one exception: it always ends PASSIVE and
// reports failures in its result instead of blocking on them.
//
// # Loop
//
// Loop is the single consumer of platform lifecycle signals. It reacts only
// to edges crossing the active/non-active boundary, and runs its earnings
// ticker only while the machine is ACTIVE/running.
package session
