package queue

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Queue backend.
//
// Records are held in their persisted (encoded) form so payloads cross the
// same serialization boundary as the durable backends.
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]row
	seq  *Clock
	opts options
}

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]row),
		seq:  NewClock(),
		opts: buildOptions(opts),
	}
}

func (m *MemoryStore) Enqueue(_ context.Context, item Item) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := newRow(item, m.opts.ids.Generate(), m.seq.Next(), m.opts.now())
	if err != nil {
		return Record{}, err
	}
	m.rows[r.ID] = r
	return r.record()
}

func (m *MemoryStore) Update(_ context.Context, id string, patch Patch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return Record{}, notFound("update", id)
	}
	r = r.clone()
	if err := applyPatch(&r, patch, m.opts.now()); err != nil {
		return Record{}, err
	}
	m.rows[id] = r
	return r.record()
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[id]; !ok {
		return notFound("remove", id)
	}
	delete(m.rows, id)
	return nil
}

func (m *MemoryStore) RemoveRevision(_ context.Context, id string, revision int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return false, notFound("remove revision", id)
	}
	if r.Revision != revision {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return Record{}, notFound("get", id)
	}
	return r.record()
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return sortedRecords(m.snapshot(), limit)
}

func (m *MemoryStore) IncrementAttempts(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return Record{}, notFound("increment attempts", id)
	}
	r = r.clone()
	markAttempt(&r, m.opts.now())
	m.rows[id] = r
	return r.record()
}

func (m *MemoryStore) RemoveFailed(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, r := range m.rows {
		if r.failed() {
			delete(m.rows, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return collectStats(m.snapshot()), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// snapshot copies rows out of the map. Caller holds mu.
func (m *MemoryStore) snapshot() []row {
	rows := make([]row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r.clone())
	}
	return rows
}
