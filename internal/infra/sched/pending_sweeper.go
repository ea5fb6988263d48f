package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/infra/metrics"
)

// PendingSweeper re-enqueues sessions that stayed PENDING longer than
// StaleAfter without being touched, which happens when a queued task was
// lost before a worker took it. A duplicate task is harmless: only one run
// can leave PENDING.
type PendingSweeper struct {
	cfg      config.SweeperConfig
	sessions repository.SessionRepository
	queue    adapter.TaskQueue
	now      func() time.Time
	log      *zerolog.Logger
}

func NewPendingSweeper(cfg config.SweeperConfig, sessions repository.SessionRepository, queue adapter.TaskQueue, logger *zerolog.Logger) *PendingSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	l := logger.With().Str("component", "PendingSweeper").Logger()
	return &PendingSweeper{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		now:      func() time.Time { return time.Now().UTC() },
		log:      &l,
	}
}

func (w *PendingSweeper) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.cfg.Interval).Dur("stale_after", w.cfg.StaleAfter).Msg("Starting pending sweeper")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping pending sweeper")
			return ctx.Err()
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("pending sweep failed")
			}
			if n > 0 {
				w.log.Info().Int("count", n).Msg("stale pending sessions re-enqueued")
			}
		}
	}
}

// Sweep performs one pass and returns how many sessions were re-enqueued.
// Each re-enqueued session has its updated_at touched, so it is sent again
// only after another StaleAfter without progress. A full queue ends the pass.
func (w *PendingSweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := w.sessions.ListPending(ctx, nil, w.now().Add(-w.cfg.StaleAfter), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := w.queue.Enqueue(ctx, model.RunTask{SessionID: id, EnqueuedAt: w.now()}); err != nil {
			if errors.Is(err, domain.ErrQueueFull) {
				w.log.Warn().Int("remaining", len(ids)-n).Msg("queue full, pending sweep stopped early")
				return n, nil
			}
			return n, err
		}
		metrics.IncQueueTask("redispatched")
		n++

		// ErrStatusConflict means a worker claimed the session meanwhile.
		err := w.sessions.Update(ctx, nil, id, model.SessionPatch{ExpectStatus: model.Ptr(model.SessionStatusPending)})
		if err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			w.log.Warn().Err(err).Str("session_id", id).Msg("could not mark session as re-dispatched")
		}
	}
	return n, nil
}
