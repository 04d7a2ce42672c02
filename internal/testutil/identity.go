package testutil

import (
	"context"
	"sync"
)

// StaticIdentity returns a fixed device id, or Err when set.
//
// It satisfies capture.DeviceIdentity and counts calls so tests can check
// memoization.
type StaticIdentity struct {
	mu    sync.Mutex
	id    string
	err   error
	calls int
}

// NewStaticIdentity creates an identity that reports id.
func NewStaticIdentity(id string) *StaticIdentity {
	return &StaticIdentity{id: id}
}

// DeviceID returns the configured id or error.
func (s *StaticIdentity) DeviceID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.id, nil
}

// Fail makes subsequent lookups return err. Pass nil to recover.
func (s *StaticIdentity) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many lookups were made.
func (s *StaticIdentity) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
