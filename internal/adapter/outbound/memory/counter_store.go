package memory

import (
	"context"
	"sync"

	"github.com/modulegate/gateway/internal/domain/ratelimit"
)

// CounterStore implements ratelimit.CounterStore in memory. Thread-safe for
// concurrent access; suitable for single-process deployments or tests.
type CounterStore struct {
	mu      sync.Mutex
	records map[string]ratelimit.Record
}

// NewCounterStore creates an empty in-memory CounterStore.
func NewCounterStore() *CounterStore {
	return &CounterStore{records: make(map[string]ratelimit.Record)}
}

// Load implements ratelimit.CounterStore.
func (s *CounterStore) Load(_ context.Context, key string) (ratelimit.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

// CAS implements ratelimit.CounterStore.
func (s *CounterStore) CAS(_ context.Context, key string, expectedVersion int64, next ratelimit.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	curVersion := int64(0)
	if ok {
		curVersion = cur.Version
	}
	if curVersion != expectedVersion {
		return false, nil
	}
	s.records[key] = next
	return true, nil
}

// Size returns the number of tracked keys, for tests/monitoring.
func (s *CounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

var _ ratelimit.CounterStore = (*CounterStore)(nil)
