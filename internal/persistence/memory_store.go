package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/flowtx/pkg/api"
)

// InMemoryRunStore is a simple, goroutine-safe RunStore backed by a map.
type InMemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*api.RunRecord
}

// Ensure InMemoryRunStore implements the interface.
var _ RunStore = (*InMemoryRunStore)(nil)

// NewInMemoryRunStore creates a new InMemoryRunStore.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]*api.RunRecord)}
}

func (s *InMemoryRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	cpy := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.ID] = &cpy
	return nil
}

func (s *InMemoryRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cpy := *rec
	return &cpy, nil
}

func (s *InMemoryRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	s.mu.RLock()
	var result []*api.RunRecord
	for _, rec := range s.runs {
		if !filter.matches(rec) {
			continue
		}
		cpy := *rec
		result = append(result, &cpy)
	}
	s.mu.RUnlock()

	sortRuns(result)
	return result, nil
}
