package reconcile

import (
	"context"
	"time"

	"stallpos/internal/model"
	"stallpos/internal/scheduler"
)

// KindSyncer exposes one kind of the engine to a scheduler loop.
type KindSyncer struct {
	e    *Engine
	kind model.Kind
}

func (e *Engine) ForKind(kind model.Kind) KindSyncer { return KindSyncer{e: e, kind: kind} }

func (s KindSyncer) Available() bool { return s.e.Available() }

func (s KindSyncer) Unsynced() (int, error) { return s.e.Unsynced(s.kind) }

func (s KindSyncer) Cursor() (time.Time, error) { return s.e.Cursor(s.kind) }

func (s KindSyncer) Sync(ctx context.Context) scheduler.Outcome {
	res := s.e.Reconcile(ctx, s.kind)
	remaining := res.Remaining
	if res.Err != nil && remaining == 0 {
		remaining = 1
	}
	return scheduler.Outcome{Remaining: remaining, Skipped: res.Skipped != ""}
}
