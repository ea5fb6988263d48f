package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/infra/metrics"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryNotice describes a scheduled retry after a throttled call.
type RetryNotice struct {
	Attempt int // attempt that was throttled, 1-based
	Delay   time.Duration
	Err     error
}

// Invoker calls the reasoning service and retries throttled calls with
// exponential backoff. It holds no per-run state and is shared by runs.
type Invoker struct {
	svc   adapter.ReasoningService
	cfg   RunConfig
	sleep SleepFunc
	log   *zerolog.Logger
}

func NewInvoker(svc adapter.ReasoningService, cfg RunConfig, logger *zerolog.Logger) *Invoker {
	l := logger.With().Str("component", "invoker").Logger()
	return &Invoker{svc: svc, cfg: cfg.withDefaults(), sleep: sleepCtx, log: &l}
}

// WithSleep replaces the backoff wait, for tests.
func (i *Invoker) WithSleep(fn SleepFunc) *Invoker {
	cp := *i
	cp.sleep = fn
	return &cp
}

// Invoke attempts req up to MaxAttempts times. Only errors wrapping
// domain.ErrThrottled are retried; onRetry runs before every backoff wait
// and aborts the call when it fails. Exhaustion returns a *StageFailure.
func (i *Invoker) Invoke(ctx context.Context, req adapter.ReasoningRequest, onRetry func(context.Context, RetryNotice) error) (*adapter.ReasoningResponse, error) {
	if i.svc == nil {
		return nil, fmt.Errorf("%w: no reasoning service", domain.ErrConfiguration)
	}

	var lastErr error
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := i.svc.Invoke(ctx, req)
		if err == nil {
			metrics.ObserveAICall(i.svc.Provider(), resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, time.Since(start), true)
			return resp, nil
		}
		metrics.ObserveAICall(i.svc.Provider(), "", 0, 0, time.Since(start), false)
		if !errors.Is(err, domain.ErrThrottled) {
			return nil, err
		}
		lastErr = err
		if attempt == i.cfg.MaxAttempts {
			break
		}

		delay := i.cfg.Backoff(attempt)
		i.log.Warn().Err(err).
			Str("session_id", req.SessionID).
			Str("stage", req.Stage).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("reasoning call throttled, backing off")
		metrics.IncThrottleRetry(req.Stage)
		if onRetry != nil {
			if err := onRetry(ctx, RetryNotice{Attempt: attempt, Delay: delay, Err: err}); err != nil {
				return nil, err
			}
		}
		if err := i.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("backoff interrupted: %w", err)
		}
	}

	return nil, &StageFailure{
		Stage:   req.Stage,
		Message: fmt.Sprintf("the reasoning service kept throttling %s after %d attempts", req.Stage, i.cfg.MaxAttempts),
		Err:     lastErr,
	}
}
