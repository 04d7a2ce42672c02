package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jimmckelvey9861/workforce-mobile/internal/wire"
)

// DefaultMaxAttempts is the retry budget given to items that set none.
const DefaultMaxAttempts = 5

// Queue is the durable action queue contract.
//
// Enqueue, Update, Remove and IncrementAttempts on the same id are atomic with
// respect to one another. List ordering is described in the package doc.
type Queue interface {
	// Enqueue stores a new record with a generated id and zero attempts.
	Enqueue(ctx context.Context, item Item) (Record, error)

	// Update applies a partial change. RECORD_NOT_FOUND if absent.
	Update(ctx context.Context, id string, patch Patch) (Record, error)

	// Remove deletes a record after confirmed sync. RECORD_NOT_FOUND if absent.
	Remove(ctx context.Context, id string) error

	// RemoveRevision deletes a record only while it is still at revision.
	// It returns false and no error when the record was rewritten since.
	// RECORD_NOT_FOUND if absent.
	RemoveRevision(ctx context.Context, id string, revision int64) (bool, error)

	// Get returns a single record. RECORD_NOT_FOUND if absent.
	Get(ctx context.Context, id string) (Record, error)

	// List returns up to limit records in queue order; limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Record, error)

	// IncrementAttempts bumps the attempt counter and stamps LastAttempt.
	IncrementAttempts(ctx context.Context, id string) (Record, error)

	// RemoveFailed purges every record with Attempts >= MaxAttempts and
	// returns how many were purged.
	RemoveFailed(ctx context.Context) (int, error)

	// Stats aggregates counts for backpressure decisions.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the backend.
	Close() error
}

// Item is the input to Enqueue.
type Item struct {
	Action      wire.Action
	Priority    int
	MaxAttempts int // <= 0 means DefaultMaxAttempts

	// Optional capture binding carried alongside the payload.
	MonotonicTimestamp *int64
	Signature          string
}

// NewItem returns an Item with the conventional priority for the action kind.
func NewItem(a wire.Action) Item {
	item := Item{Action: a, MaxAttempts: DefaultMaxAttempts}
	if a != nil {
		item.Priority = wire.DefaultPriority(a.Kind())
	}
	return item
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Action             wire.Action
	Priority           *int
	MaxAttempts        *int
	Attempts           *int
	MonotonicTimestamp *int64
	Signature          *string
}

// Record is a persisted queued action.
type Record struct {
	ID                 string          `json:"id"`
	Kind               wire.ActionKind `json:"kind"`
	Action             wire.Action     `json:"-"`
	Priority           int             `json:"priority"`
	Attempts           int             `json:"attempts"`
	MaxAttempts        int             `json:"maxAttempts"`
	LastAttempt        *time.Time      `json:"lastAttempt"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	MonotonicTimestamp *int64          `json:"monotonicTimestamp,omitempty"`
	Signature          string          `json:"signature,omitempty"`
	Seq                int64           `json:"seq"`
	Revision           int64           `json:"revision"` // bumped by every Update and IncrementAttempts
}

// Failed reports whether the retry budget is spent.
func (r Record) Failed() bool {
	return r.Attempts >= r.MaxAttempts
}

// Stats aggregates queue contents.
type Stats struct {
	Total      int                     `json:"total"`
	Failed     int                     `json:"failed"`
	ByKind     map[wire.ActionKind]int `json:"byKind"`
	ByPriority map[int]int             `json:"byPriority"`
}

func newStats() Stats {
	return Stats{
		ByKind:     make(map[wire.ActionKind]int),
		ByPriority: make(map[int]int),
	}
}

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
	ids IDGenerator
}

func defaultOptions() options {
	return options{
		now: time.Now,
		ids: UUIDv7Generator{},
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the wall clock used for created/updated/attempt stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// MarshalJSON renders the record with its payload in the persisted field
// layout of the sync contract.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	var payload json.RawMessage
	if r.Action != nil {
		data, err := wire.EncodeAction(r.Action)
		if err != nil {
			return nil, err
		}
		payload = data
	}
	return json.Marshal(struct {
		plain
		Payload json.RawMessage `json:"payload,omitempty"`
	}{plain: plain(r), Payload: payload})
}
