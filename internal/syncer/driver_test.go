package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimmckelvey9861/workforce-mobile/internal/capture"
	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
	"github.com/jimmckelvey9861/workforce-mobile/internal/session"
	"github.com/jimmckelvey9861/workforce-mobile/internal/testutil"
	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

func newQueue(t *testing.T) *queue.MemoryStore {
	t.Helper()
	return queue.NewMemoryStore(
		queue.WithClock(testutil.NewManualWall(testutil.DefaultStart).Now),
		queue.WithIDGenerator(testutil.NewSequenceGenerator("rec")),
	)
}

func enqueue(t *testing.T, q queue.Queue, a wire.Action) queue.Record {
	t.Helper()
	rec, err := q.Enqueue(context.Background(), queue.NewItem(a))
	require.NoError(t, err)
	return rec
}

// recorder is a Transport that records sends and fails ids in fail.
type recorder struct {
	mu   sync.Mutex
	sent []queue.Record
	fail map[string]bool
}

func (r *recorder) Send(_ context.Context, rec queue.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, rec)
	if r.fail[rec.ID] {
		return errors.New("connection reset")
	}
	return nil
}

func TestDrain_SendsInQueueOrderAndRemoves(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, wire.OtherAction{Type: "note"})
	enqueue(t, q, wire.TimeEntryAction{Entry: wire.TimeEntry{ID: "e1"}})
	enqueue(t, q, wire.LocationUpdateAction{UserID: "u"})

	tr := &recorder{}
	d := NewDriver(q, tr, WithRate(0))

	rep, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 3}, rep)

	var order []wire.ActionKind
	for _, rec := range tr.sent {
		order = append(order, rec.Kind)
		assert.Equal(t, 1, rec.Attempts, "attempt recorded before send")
	}
	assert.Equal(t, []wire.ActionKind{wire.KindTimeEntry, wire.KindLocationUpdate, wire.KindOther}, order)
	assert.Equal(t, 0, q.Len())
}

func TestDrain_FailuresRetryUntilPurged(t *testing.T) {
	q := newQueue(t)
	bad := enqueue(t, q, wire.OtherAction{Type: "bad"})
	enqueue(t, q, wire.OtherAction{Type: "good"})

	tr := &recorder{fail: map[string]bool{bad.ID: true}}
	d := NewDriver(q, tr, WithRate(0))
	ctx := context.Background()

	rep, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 1, Failed: 1}, rep)

	for i := 2; i < queue.DefaultMaxAttempts; i++ {
		rep, err = d.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, Report{Failed: 1}, rep, "pass %d", i)
	}

	// The fifth failure spends the budget and the record is purged.
	rep, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 1, Purged: 1}, rep)
	assert.Equal(t, 0, q.Len())
}

func TestDrain_SkipsExhaustedRecords(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	item := queue.NewItem(wire.OtherAction{Type: "x"})
	item.MaxAttempts = 1
	rec, err := q.Enqueue(ctx, item)
	require.NoError(t, err)
	_, err = q.IncrementAttempts(ctx, rec.ID)
	require.NoError(t, err)

	tr := &recorder{}
	rep, err := NewDriver(q, tr, WithRate(0)).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 1, Purged: 1}, rep)
	assert.Empty(t, tr.sent)
}

func TestDrain_BatchSize(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 5; i++ {
		enqueue(t, q, wire.OtherAction{Type: "x"})
	}

	rep, err := NewDriver(q, &recorder{}, WithRate(0), WithBatchSize(2)).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 3, q.Len())
}

func TestDrain_QueueFailure(t *testing.T) {
	inner := newQueue(t)
	enqueue(t, inner, wire.OtherAction{Type: "x"})
	q := testutil.NewFaultQueue(inner)
	q.SetFailing(true)

	_, err := NewDriver(q, &recorder{}, WithRate(0)).Drain(context.Background())
	assert.True(t, queue.IsPersistenceFailure(err))
}

func TestDrain_RateLimitHonoursContext(t *testing.T) {
	q := newQueue(t)
	for i := 0; i < 3; i++ {
		enqueue(t, q, wire.OtherAction{Type: "x"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// One token per minute: the first send drains the burst, the second waits.
	rep, err := NewDriver(q, &recorder{}, WithRate(1.0/60)).Drain(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, rep.Sent)
}

func TestRun_StopsOnCancel(t *testing.T) {
	q := newQueue(t)
	enqueue(t, q, wire.OtherAction{Type: "x"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDriver(q, &recorder{}, WithRate(0)).Run(ctx, time.Millisecond) }()

	assert.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestHTTPTransport(t *testing.T) {
	var (
		mu       sync.Mutex
		bodies   []Envelope
		keys     []string
		statuses = map[string]int{"rec-1": http.StatusCreated, "rec-2": http.StatusConflict, "rec-3": http.StatusInternalServerError}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, wire.WireVersion, r.Header.Get("X-Timetruth-Wire-Version"))

		var env Envelope
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&env)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		bodies = append(bodies, env)
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		mu.Unlock()

		w.WriteHeader(statuses[env.ID])
		if statuses[env.ID] >= 500 {
			w.Write([]byte("upstream unavailable\n"))
		}
	}))
	defer srv.Close()

	q := newQueue(t)
	mono := int64(180000)
	item := queue.NewItem(wire.TimeEntryAction{Entry: wire.TimeEntry{ID: "e1", EarningsCents: 75}})
	item.MonotonicTimestamp = &mono
	item.Signature = "abc"
	_, err := q.Enqueue(context.Background(), item)
	require.NoError(t, err)
	enqueue(t, q, wire.LocationUpdateAction{UserID: "u"})
	enqueue(t, q, wire.OtherAction{Type: "x"})

	d := NewDriver(q, NewHTTPTransport(srv.URL, time.Second), WithRate(0))
	rep, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 2, Failed: 1}, rep)

	// 2xx and 409 confirm; the 500 stays queued with one attempt.
	list, err := q.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rec-3", list[0].ID)
	assert.Equal(t, 1, list[0].Attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 3)
	assert.Equal(t, []string{"rec-1", "rec-2", "rec-3"}, keys)
	first := bodies[0]
	assert.Equal(t, wire.KindTimeEntry, first.Kind)
	assert.Equal(t, wire.PriorityTimeEntry, first.Priority)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "2024-01-01T09:00:00.000Z", first.CreatedAt)
	assert.Equal(t, "abc", first.Signature)
	require.NotNil(t, first.MonotonicTimestamp)
	assert.Equal(t, int64(180000), *first.MonotonicTimestamp)

	var entry wire.TimeEntry
	require.NoError(t, json.Unmarshal(first.Payload, &entry))
	assert.Equal(t, "e1", entry.ID)
	assert.Equal(t, int64(75), entry.EarningsCents)
}

func TestHTTPTransport_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad signature", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	rec := queue.Record{ID: "rec-1", Kind: wire.KindOther, Action: wire.OtherAction{Type: "x"}}
	err := NewHTTPTransport(srv.URL, time.Second).Send(context.Background(), rec)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.Equal(t, "bad signature", se.Body)
}

func TestDrain_RecordRewrittenDuringSendStaysQueued(t *testing.T) {
	q := newQueue(t)
	rec := enqueue(t, q, wire.OtherAction{Type: "draft"})

	var sent []int64
	tr := TransportFunc(func(ctx context.Context, r queue.Record) error {
		sent = append(sent, r.Revision)
		if len(sent) == 1 {
			p := 7
			_, err := q.Update(ctx, rec.ID, queue.Patch{Priority: &p})
			return err
		}
		return nil
	})
	d := NewDriver(q, tr, WithRate(0))

	rep, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Changed: 1}, rep)
	assert.Equal(t, 1, q.Len())

	rep, err = d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 1}, rep)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, []int64{2, 4}, sent)
}

func TestDrain_SessionEndDuringSendKeepsCompletedEntry(t *testing.T) {
	q := newQueue(t)
	clocks := testutil.NewClocks(60_000)
	signer, err := capture.NewSigner([]byte("syncer-test-secret-0123456789abc"))
	require.NoError(t, err)
	m := session.NewMachine(capture.NewCapturer(signer, clocks.Mono, clocks.Wall, testutil.NewStaticIdentity("device-1")), q)

	ctx := context.Background()
	_, err = m.StartSession(ctx, session.Task{ID: "t-1", PayRateCentsPerMinute: 25}, "u-1")
	require.NoError(t, err)
	clocks.Advance(3 * time.Minute)

	var states []wire.SyncState
	tr := TransportFunc(func(ctx context.Context, r queue.Record) error {
		entry := r.Action.(wire.TimeEntryAction).Entry
		states = append(states, entry.SyncState)
		if len(states) == 1 {
			_, err := m.EndSession(ctx)
			return err
		}
		return nil
	})
	d := NewDriver(q, tr, WithRate(0))

	rep, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Changed: 1}, rep)

	list, err := q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	completed := list[0].Action.(wire.TimeEntryAction).Entry
	assert.Equal(t, wire.SyncQueued, completed.SyncState)
	assert.Equal(t, int64(75), completed.EarningsCents)

	rep, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Sent: 1}, rep)
	assert.Equal(t, []wire.SyncState{wire.SyncPending, wire.SyncQueued}, states)
	assert.Equal(t, 0, q.Len())
}
