package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/flowtx/pkg/api"
)

// EventStore is an append-only history store for workflow execution events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.WorkflowEvent) error
	ListEvents(ctx context.Context, runID string) ([]api.WorkflowEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, runID string) ([]api.WorkflowEvent, error) {
	return nil, nil
}

// InMemoryEventStore keeps events in a map keyed by run ID.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.WorkflowEvent
}

var _ EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.WorkflowEvent)}
}

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, runID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[runID]
	out := make([]api.WorkflowEvent, len(evs))
	copy(out, evs)
	return out, nil
}
