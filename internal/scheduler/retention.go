package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/researchview/internal/types"
)

// Retention deletes history sessions that have not been updated within
// MaxAge.
type Retention struct {
	History types.HistoryStore
	MaxAge  time.Duration

	// Delete removes one session. Defaults to History.Delete; the gateway's
	// Delete also drops the session's event log.
	Delete func(ctx context.Context, id types.SessionID) error
	Logger *slog.Logger
	Now    func() time.Time
}

// Prune deletes every expired session and returns how many were removed.
// A zero MaxAge keeps everything.
func (r *Retention) Prune(ctx context.Context) (int, error) {
	if r.MaxAge <= 0 {
		return 0, nil
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	del := r.History.Delete
	if r.Delete != nil {
		del = r.Delete
	}

	sessions, err := r.History.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list history: %w", err)
	}

	cutoff := now().Add(-r.MaxAge)
	var removed int
	var errs []error
	for _, s := range sessions {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := del(ctx, s.ID); err != nil {
			if errors.Is(err, types.ErrSessionRunning) {
				continue
			}
			if !errors.Is(err, types.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete %s: %w", s.ID, err))
				continue
			}
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Task wraps Prune as a scheduler task.
func (r *Retention) Task(schedule string) Task {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Task{
		Name:     "history-retention",
		Schedule: schedule,
		Run: func(ctx context.Context) {
			n, err := r.Prune(ctx)
			if err != nil {
				logger.Error("history retention failed", "removed", n, "error", err)
				return
			}
			logger.Info("history retention finished", "removed", n)
		},
	}
}
