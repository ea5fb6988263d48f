package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/infra/logging"
	red "proposal-pipeline/internal/infra/redis"
	"proposal-pipeline/internal/pipeline"
)

// Runner executes one pipeline run. *pipeline.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, task model.RunTask) error
}

// Dispatcher moves tasks from the queue onto the pool. A task is taken off
// the queue only when a worker is free to run it.
type Dispatcher struct {
	queue   adapter.TaskQueue
	pool    *Pool
	runner  Runner
	locker  red.Locker
	timeout time.Duration
	log     *zerolog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithLocker serialises runs of one session across processes.
func WithLocker(l red.Locker) DispatcherOption {
	return func(d *Dispatcher) { d.locker = l }
}

func NewDispatcher(queue adapter.TaskQueue, pool *Pool, runner Runner, runTimeout time.Duration, logger *zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if runTimeout <= 0 {
		runTimeout = 15 * time.Minute
	}
	l := logger.With().Str("component", "dispatcher").Logger()
	d := &Dispatcher{queue: queue, pool: pool, runner: runner, timeout: runTimeout, log: &l}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run blocks until ctx is done or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Int("workers", d.pool.Size()).Dur("run_timeout", d.timeout).Msg("dispatcher started")
	defer d.log.Info().Msg("dispatcher stopped")
	for {
		task, err := d.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrQueueClosed), ctx.Err() != nil:
			return nil
		default:
			d.log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		t := *task
		if err := d.pool.SubmitWait(ctx, func(ctx context.Context) error {
			d.execute(ctx, t)
			return nil
		}); err != nil {
			// The session stays PENDING and the sweeper picks it up again.
			d.log.Warn().Err(err).Str("session_id", t.SessionID).Msg("could not hand task to a worker")
			return nil
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, task model.RunTask) {
	ctx = logging.WithSessID(ctx, task.SessionID)
	log := logging.With(ctx, d.log)

	if d.locker != nil {
		key := red.RunLockKey(task.SessionID)
		token, err := d.locker.TryLock(ctx, key, d.timeout+time.Minute)
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			log.Info().Msg("another worker is running this session")
			return
		case err != nil:
			log.Warn().Err(err).Msg("run lock unavailable, relying on the status check")
		default:
			defer func() {
				if err := d.locker.Unlock(context.Background(), key, token); err != nil {
					log.Warn().Err(err).Msg("release run lock")
				}
			}()
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.runner.Run(runCtx, task)
	var sf *pipeline.StageFailure
	switch {
	case err == nil:
		log.Info().Dur("took", time.Since(start)).Msg("run finished")
	case errors.Is(err, domain.ErrAlreadyStarted):
		log.Debug().Err(err).Msg("duplicate run trigger ignored")
	case errors.As(err, &sf):
		log.Warn().Str("stage", sf.Stage).Err(err).Dur("took", time.Since(start)).Msg("run failed")
	default:
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("run aborted")
	}
}
