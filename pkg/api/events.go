package api

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a run history event.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"

	EventStepStarted    EventType = "step.started"
	EventStepCompleted  EventType = "step.completed"
	EventStepFailed     EventType = "step.failed"
	EventStepSkipped    EventType = "step.skipped"
	EventStepRolledBack EventType = "step.rolled_back"

	EventBranchTaken EventType = "branch.taken"
)

// WorkflowEvent is a minimal append-only history record for audit/debugging.
// It is intentionally small and stable; richer history can be layered later.
type WorkflowEvent struct {
	RunID    string
	At       time.Time
	Type     EventType
	Workflow string

	// Step is the step name or branch label the event refers to, if any.
	Step string

	// Small, human-oriented details (e.g. error string, duration).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}

// Publisher is a fire-and-forget event sink.
type Publisher interface {
	Publish(ctx context.Context, ev WorkflowEvent)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev WorkflowEvent)

func (f PublisherFunc) Publish(ctx context.Context, ev WorkflowEvent) { f(ctx, ev) }

// EventHandler receives events from an EventBus.
type EventHandler func(WorkflowEvent)

// EventBus is an in-process Publisher that fans events out to subscribers
// synchronously.
type EventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *EventBus) Publish(ctx context.Context, ev WorkflowEvent) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Channel returns a buffered channel receiving every event published after
// the call. Events are dropped when the buffer is full. The channel is
// closed when ctx is done.
func (b *EventBus) Channel(ctx context.Context, bufSize int) <-chan WorkflowEvent {
	ch := make(chan WorkflowEvent, bufSize)
	var mu sync.Mutex
	closed := false
	b.Subscribe(func(e WorkflowEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}
