package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmckelvey9861/workforce-mobile/internal/session"
)

var sampleTrace = []TraceEvent{
	{Step: 1, Action: ActionStart, Mode: "ACTIVE", SubState: "running"},
	{Step: 2, Action: ActionPause, Mode: "ACTIVE", SubState: "paused"},
	{Step: 3, Action: ActionResume, Mode: "ACTIVE", SubState: "running"},
	{Step: 4, Action: ActionEnd, Mode: "ACTIVE", SubState: "running", Error: "QUEUE_PERSISTENCE_FAILURE"},
	{Step: 5, Action: ActionEnd, Mode: "PASSIVE", EarningsCents: 40},
}

func TestAssertTraceOrder(t *testing.T) {
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Actions: []string{ActionStart, ActionEnd}}))
	assert.NoError(t, assertTraceOrder(sampleTrace, Assertion{Actions: []string{ActionPause, ActionResume, ActionEnd}}))

	err := assertTraceOrder(sampleTrace, Assertion{Actions: []string{ActionResume, ActionPause}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceOrder, ae.Type)
	assert.Contains(t, ae.Actual, "missing pause")
	assert.Contains(t, err.Error(), "[4] end -> ACTIVE running 0 (QUEUE_PERSISTENCE_FAILURE)")
}

func TestAssertTraceCount_IgnoresFailedSteps(t *testing.T) {
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Action: ActionEnd, Count: 1}))
	assert.NoError(t, assertTraceCount(sampleTrace, Assertion{Action: ActionTick, Count: 0}))
	assert.Error(t, assertTraceCount(sampleTrace, Assertion{Action: ActionEnd, Count: 2}))
}

func TestAssertFinalState(t *testing.T) {
	actx := &AssertionContext{
		State:    session.State{Mode: session.ModePassive, EarningsCents: 40},
		QueueLen: 1,
	}
	assert.NoError(t, assertFinalState(actx, Assertion{Expect: map[string]any{"mode": "PASSIVE", "earnings_cents": 40, "queue_len": 1}}))

	err := assertFinalState(actx, Assertion{Expect: map[string]any{"earnings_cents": 41}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "earnings_cents" = 41`)

	err = assertFinalState(actx, Assertion{Expect: map[string]any{"color": "red"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "color" to exist`)
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(75, int64(75)))
	assert.True(t, valuesEqual(true, true))
	assert.True(t, valuesEqual("queued", "queued"))
	assert.False(t, valuesEqual(75, "76"))
}
