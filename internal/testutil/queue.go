package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/jimmckelvey9861/workforce-mobile/internal/queue"
)

// ErrInjected is the storage error FaultQueue returns while failing.
var ErrInjected = errors.New("testutil: injected storage failure")

// FaultQueue wraps a queue.Queue and fails writes on demand.
//
// While failing, Enqueue, Update, Remove, RemoveRevision and
// IncrementAttempts return a QUEUE_PERSISTENCE_FAILURE without touching the
// inner queue. Reads always pass through.
type FaultQueue struct {
	queue.Queue

	mu      sync.Mutex
	failing bool
}

// NewFaultQueue wraps inner.
func NewFaultQueue(inner queue.Queue) *FaultQueue {
	return &FaultQueue{Queue: inner}
}

// SetFailing toggles write failures.
func (f *FaultQueue) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *FaultQueue) fail(op, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failing {
		return nil
	}
	return &queue.Error{Code: queue.CodePersistenceFailure, Op: op, ID: id, Err: ErrInjected}
}

func (f *FaultQueue) Enqueue(ctx context.Context, item queue.Item) (queue.Record, error) {
	if err := f.fail("enqueue", ""); err != nil {
		return queue.Record{}, err
	}
	return f.Queue.Enqueue(ctx, item)
}

func (f *FaultQueue) Update(ctx context.Context, id string, patch queue.Patch) (queue.Record, error) {
	if err := f.fail("update", id); err != nil {
		return queue.Record{}, err
	}
	return f.Queue.Update(ctx, id, patch)
}

func (f *FaultQueue) Remove(ctx context.Context, id string) error {
	if err := f.fail("remove", id); err != nil {
		return err
	}
	return f.Queue.Remove(ctx, id)
}

func (f *FaultQueue) RemoveRevision(ctx context.Context, id string, revision int64) (bool, error) {
	if err := f.fail("remove revision", id); err != nil {
		return false, err
	}
	return f.Queue.RemoveRevision(ctx, id, revision)
}

func (f *FaultQueue) IncrementAttempts(ctx context.Context, id string) (queue.Record, error) {
	if err := f.fail("increment attempts", id); err != nil {
		return queue.Record{}, err
	}
	return f.Queue.IncrementAttempts(ctx, id)
}
