package runstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the latest stats per run in a map. It is safe for
// concurrent use and is the default backend for single-process training.
// For deployments where a separate dashboard process follows the run, use
// RedisStore instead.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]RunStats
}

// NewMemoryStore creates an empty in-memory stats store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]RunStats),
	}
}

// Put stores the stats for a run, replacing any previous value. Returns an
// error if the run name is empty or the context is already canceled.
func (s *MemoryStore) Put(ctx context.Context, stats RunStats) error {
	if stats.Run == "" {
		return fmt.Errorf("run name cannot be empty")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[stats.Run] = stats
	return nil
}

// GetLatest returns the most recently published stats for a run, with found
// reporting whether the run has published anything yet.
func (s *MemoryStore) GetLatest(ctx context.Context, run string) (RunStats, bool, error) {
	select {
	case <-ctx.Done():
		return RunStats{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, found := s.runs[run]
	return stats, found, nil
}

// Len returns the number of runs with published stats. Useful in tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
