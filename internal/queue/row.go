package queue

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// row is the persisted form of a Record, shared by every backend.
// Timestamps are truncated to milliseconds so all backends order identically.
type row struct {
	ID                 string          `json:"id"`
	Seq                int64           `json:"seq"`
	Kind               wire.ActionKind `json:"kind"`
	Payload            []byte          `json:"payload"`
	Priority           int             `json:"priority"`
	Attempts           int             `json:"attempts"`
	MaxAttempts        int             `json:"max_attempts"`
	LastAttempt        *int64          `json:"last_attempt,omitempty"`
	CreatedAt          int64           `json:"created_at"`
	UpdatedAt          int64           `json:"updated_at"`
	MonotonicTimestamp *int64          `json:"monotonic_timestamp,omitempty"`
	Signature          string          `json:"signature,omitempty"`
	Revision           int64           `json:"revision"`
}

// newRow builds the row for a fresh enqueue.
func newRow(item Item, id string, seq int64, now time.Time) (row, error) {
	if item.Action == nil {
		return row{}, ErrNilAction
	}
	payload, err := wire.EncodeAction(item.Action)
	if err != nil {
		return row{}, err
	}
	maxAttempts := item.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ms := now.UnixMilli()
	return row{
		ID:                 id,
		Seq:                seq,
		Kind:               item.Action.Kind(),
		Payload:            payload,
		Priority:           item.Priority,
		MaxAttempts:        maxAttempts,
		CreatedAt:          ms,
		UpdatedAt:          ms,
		MonotonicTimestamp: cloneInt64(item.MonotonicTimestamp),
		Signature:          item.Signature,
		Revision:           1,
	}, nil
}

// applyPatch mutates r in place.
func applyPatch(r *row, p Patch, now time.Time) error {
	if p.Action != nil {
		if p.Action.Kind() != r.Kind {
			return fmt.Errorf("%w: record %s is %s, patch is %s", ErrKindMismatch, r.ID, r.Kind, p.Action.Kind())
		}
		payload, err := wire.EncodeAction(p.Action)
		if err != nil {
			return err
		}
		r.Payload = payload
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.MaxAttempts != nil {
		r.MaxAttempts = *p.MaxAttempts
	}
	if p.Attempts != nil {
		r.Attempts = *p.Attempts
	}
	if p.MonotonicTimestamp != nil {
		r.MonotonicTimestamp = cloneInt64(p.MonotonicTimestamp)
	}
	if p.Signature != nil {
		r.Signature = *p.Signature
	}
	r.UpdatedAt = now.UnixMilli()
	r.Revision++
	return nil
}

// markAttempt increments the attempt counter.
func markAttempt(r *row, now time.Time) {
	ms := now.UnixMilli()
	r.Attempts++
	r.LastAttempt = &ms
	r.UpdatedAt = ms
	r.Revision++
}

func (r row) failed() bool {
	return r.Attempts >= r.MaxAttempts
}

// record decodes the row into a Record.
func (r row) record() (Record, error) {
	action, err := wire.DecodeAction(r.Kind, r.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	rec := Record{
		ID:                 r.ID,
		Kind:               r.Kind,
		Action:             action,
		Priority:           r.Priority,
		Attempts:           r.Attempts,
		MaxAttempts:        r.MaxAttempts,
		CreatedAt:          time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:          time.UnixMilli(r.UpdatedAt).UTC(),
		MonotonicTimestamp: cloneInt64(r.MonotonicTimestamp),
		Signature:          r.Signature,
		Seq:                r.Seq,
		Revision:           r.Revision,
	}
	if r.LastAttempt != nil {
		t := time.UnixMilli(*r.LastAttempt).UTC()
		rec.LastAttempt = &t
	}
	return rec, nil
}

// clone returns a copy that shares no pointers with r.
func (r row) clone() row {
	c := r
	c.Payload = slices.Clone(r.Payload)
	c.LastAttempt = cloneInt64(r.LastAttempt)
	c.MonotonicTimestamp = cloneInt64(r.MonotonicTimestamp)
	return c
}

// lessRow is the queue ordering: priority DESC, created_at ASC, seq ASC.
func lessRow(a, b row) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// sortedRecords orders rows, applies limit and decodes them.
func sortedRecords(rows []row, limit int) ([]Record, error) {
	slices.SortFunc(rows, lessRow)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func collectStats(rows []row) Stats {
	s := newStats()
	for _, r := range rows {
		s.Total++
		s.ByKind[r.Kind]++
		s.ByPriority[r.Priority]++
		if r.failed() {
			s.Failed++
		}
	}
	return s
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
