package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Lifecycle is a platform foreground/background signal.
type Lifecycle string

const (
	LifecycleActive     Lifecycle = "active"
	LifecycleInactive   Lifecycle = "inactive"
	LifecycleBackground Lifecycle = "background"
)

// ParseLifecycle validates s.
func ParseLifecycle(s string) (Lifecycle, error) {
	switch l := Lifecycle(s); l {
	case LifecycleActive, LifecycleInactive, LifecycleBackground:
		return l, nil
	}
	return "", fmt.Errorf("unknown lifecycle signal %q (want active, inactive or background)", s)
}

// Active reports whether l is the foreground state.
func (l Lifecycle) Active() bool {
	return l == LifecycleActive
}

// DefaultTickInterval drives TickEarnings while running.
const DefaultTickInterval = time.Second

// Loop schedules earnings ticks and applies lifecycle signals to a Machine.
//
// Run must be called from exactly one goroutine. Signal may be called from
// any goroutine.
type Loop struct {
	machine  *Machine
	interval time.Duration
	inbox    *inbox
	onTick   func(int64)

	// lastActive is the last lifecycle side seen; nil until the first signal.
	lastActive *bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithTickHandler is called with the earnings after every tick.
func WithTickHandler(fn func(earningsCents int64)) LoopOption {
	return func(l *Loop) {
		l.onTick = fn
	}
}

// NewLoop attaches a loop to m.
func NewLoop(m *Machine, opts ...LoopOption) *Loop {
	l := &Loop{
		machine:  m,
		interval: DefaultTickInterval,
		inbox:    newInbox(),
	}
	for _, opt := range opts {
		opt(l)
	}
	m.Observe(func(Event) {
		l.inbox.Push(message{kind: msgStateChanged})
	})
	return l
}

// Signal delivers a lifecycle signal. Returns false after the loop stopped.
func (l *Loop) Signal(s Lifecycle) bool {
	return l.inbox.Push(message{kind: msgLifecycle, lifecycle: s})
}

// Stop makes Run return after draining queued messages.
func (l *Loop) Stop() {
	l.inbox.Close()
}

// Run processes signals and ticks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("session loop starting", "tick_interval", l.interval)

	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
	)
	// syncTicker keeps a ticker alive only while ACTIVE/running.
	syncTicker := func() {
		running := l.machine.Snapshot().Running()
		switch {
		case running && ticker == nil:
			ticker = time.NewTicker(l.interval)
			tickC = ticker.C
			slog.Debug("earnings ticker started")
		case !running && ticker != nil:
			ticker.Stop()
			ticker, tickC = nil, nil
			slog.Debug("earnings ticker stopped")
		}
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()
	syncTicker()

	for {
		if m, ok := l.inbox.TryPop(); ok {
			l.handle(ctx, m)
			syncTicker()
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("session loop stopping: context cancelled")
			l.inbox.Close()
			return ctx.Err()

		case <-l.inbox.Wait():
			// The signal channel is closed on Stop.
			if l.inbox.Len() == 0 && l.closed() {
				slog.Info("session loop stopping: inbox closed")
				return nil
			}

		case <-tickC:
			earnings := l.machine.TickEarnings()
			if l.onTick != nil {
				l.onTick(earnings)
			}
		}
	}
}

func (l *Loop) closed() bool {
	l.inbox.mu.Lock()
	defer l.inbox.mu.Unlock()
	return l.inbox.closed
}

func (l *Loop) handle(ctx context.Context, m message) {
	switch m.kind {
	case msgStateChanged:
		// Ticker re-evaluation happens in Run.
	case msgLifecycle:
		active := m.lifecycle.Active()
		if l.lastActive != nil && *l.lastActive == active && l.settled(active) {
			slog.Debug("lifecycle signal without edge ignored", "signal", m.lifecycle)
			return
		}
		l.lastActive = &active
		if err := l.machine.HandleLifecycle(ctx, m.lifecycle); err != nil {
			slog.Warn("lifecycle transition failed",
				"signal", m.lifecycle,
				"error", err,
			)
		}
	}
}

// settled reports whether the machine already sits in the sub-state the
// signal asks for. A manual pause or resume since the last edge unsettles it.
func (l *Loop) settled(active bool) bool {
	st := l.machine.Snapshot()
	if st.Mode != ModeActive {
		return true
	}
	if active {
		return st.SubState == SubStateRunning
	}
	return st.SubState == SubStatePaused
}
