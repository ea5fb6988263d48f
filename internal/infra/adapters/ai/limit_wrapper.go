package ai

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"proposal-pipeline/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.ReasoningService = (*limitedAI)(nil)

// limitedAI caps concurrent calls and, optionally, the request rate of the
// wrapped service for the whole process.
type limitedAI struct {
	inner   adapter.ReasoningService
	sem     chan struct{}
	limiter *rate.Limiter
}

func NewLimitedAI(inner adapter.ReasoningService, maxConcurrent, perMinute int) adapter.ReasoningService {
	if maxConcurrent <= 0 && perMinute <= 0 {
		return inner
	}
	l := &limitedAI{inner: inner}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	if perMinute > 0 {
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return l
}

func (l *limitedAI) Provider() string { return l.inner.Provider() }

func (l *limitedAI) Invoke(ctx context.Context, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
			defer func() { <-l.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.inner.Invoke(ctx, req)
}
