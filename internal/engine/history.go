package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petrijr/flowtx/pkg/api"
)

// history buffers the run records and events of a root run and of every
// nested run started from it. It is flushed once the root run's transaction
// has ended, so writing history never contends with the run's own
// transaction and survives a store rollback.
type history struct {
	mu     sync.Mutex
	runs   []*api.RunRecord
	events []api.WorkflowEvent
}

func (h *history) addRun(rec *api.RunRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, rec)
}

func (h *history) Publish(ctx context.Context, ev api.WorkflowEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

// historyKey scopes buffers per engine, so a nested run on another engine
// writes to its own stores.
type historyKey struct{ e *engineImpl }

func (e *engineImpl) historyFrom(ctx context.Context) (*history, bool) {
	h, ok := ctx.Value(historyKey{e}).(*history)
	return h, ok
}

func (e *engineImpl) withHistory(ctx context.Context, h *history) context.Context {
	return context.WithValue(ctx, historyKey{e}, h)
}

// flush writes buffered history. Failures are logged, never returned: a run
// that committed stays successful even if its history is lost.
func (e *engineImpl) flush(ctx context.Context, h *history) {
	ctx = context.WithoutCancel(ctx)

	h.mu.Lock()
	runs, events := h.runs, h.events
	h.runs, h.events = nil, nil
	h.mu.Unlock()

	if e.events != nil {
		for _, ev := range events {
			if err := e.events.AppendEvent(ctx, ev); err != nil {
				e.logger.WarnContext(ctx, "append event failed",
					slog.String("run_id", ev.RunID),
					slog.String("type", string(ev.Type)),
					slog.Any("error", err),
				)
				break
			}
		}
	}

	if e.runs != nil {
		for _, rec := range runs {
			if err := e.runs.SaveRun(ctx, rec); err != nil {
				e.logger.WarnContext(ctx, "save run failed",
					slog.String("workflow", rec.Workflow),
					slog.String("run_id", rec.ID),
					slog.Any("error", err),
				)
			}
		}
	}
}
