package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/ports/adapter"
)

func throttled(n int) error {
	return fmt.Errorf("attempt %d: %w", n, domain.ErrThrottled)
}

func TestBackoff(t *testing.T) {
	cfg := RunConfig{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second}
	require.Equal(t, 2*time.Second, cfg.Backoff(1))
	require.Equal(t, 4*time.Second, cfg.Backoff(2))
	require.Equal(t, 5*time.Second, cfg.Backoff(3))
	require.Equal(t, 5*time.Second, cfg.Backoff(10))
}

func TestInvoker_AlwaysThrottledMakesThreeAttempts(t *testing.T) {
	svc := &mockReasoning{InvokeFn: func(_ context.Context, n int, _ adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
		return nil, throttled(n)
	}}
	sleeps := &sleepRecorder{}
	inv := NewInvoker(svc, testRunConfig(), &nopLog).WithSleep(sleeps.Sleep)

	var notices []RetryNotice
	_, err := inv.Invoke(context.Background(), adapter.ReasoningRequest{Stage: "analyze_requirements"}, func(_ context.Context, n RetryNotice) error {
		notices = append(notices, n)
		return nil
	})

	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	require.Equal(t, "analyze_requirements", sf.Stage)
	require.ErrorIs(t, err, domain.ErrThrottled)
	require.Equal(t, 3, svc.Calls())
	require.Len(t, notices, 2)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps.delays)
}

func TestInvoker_SucceedsOnSecondAttempt(t *testing.T) {
	svc := &mockReasoning{InvokeFn: func(_ context.Context, n int, _ adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
		if n == 1 {
			return nil, throttled(n)
		}
		return &adapter.ReasoningResponse{Text: "fine", Model: "m"}, nil
	}}
	sleeps := &sleepRecorder{}
	inv := NewInvoker(svc, testRunConfig(), &nopLog).WithSleep(sleeps.Sleep)

	resp, err := inv.Invoke(context.Background(), adapter.ReasoningRequest{Stage: "generate_sow"}, nil)
	require.NoError(t, err)
	require.Equal(t, "fine", resp.Text)
	require.Equal(t, 2, svc.Calls())
	require.Equal(t, 2*time.Second, sleeps.Total())
}

func TestInvoker_OtherErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("validation failed")
	svc := &mockReasoning{InvokeFn: func(context.Context, int, adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
		return nil, boom
	}}
	sleeps := &sleepRecorder{}
	inv := NewInvoker(svc, testRunConfig(), &nopLog).WithSleep(sleeps.Sleep)

	_, err := inv.Invoke(context.Background(), adapter.ReasoningRequest{}, nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, svc.Calls())
	require.Empty(t, sleeps.delays)
}

func TestInvoker_CancelledDuringBackoff(t *testing.T) {
	svc := &mockReasoning{InvokeFn: func(_ context.Context, n int, _ adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
		return nil, throttled(n)
	}}
	ctx, cancel := context.WithCancel(context.Background())
	inv := NewInvoker(svc, testRunConfig(), &nopLog).WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	})

	_, err := inv.Invoke(ctx, adapter.ReasoningRequest{}, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, svc.Calls())
}

func TestInvoker_RetryHookErrorAborts(t *testing.T) {
	svc := &mockReasoning{InvokeFn: func(_ context.Context, n int, _ adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
		return nil, throttled(n)
	}}
	hookErr := errors.New("store down")
	inv := NewInvoker(svc, testRunConfig(), &nopLog).WithSleep((&sleepRecorder{}).Sleep)

	_, err := inv.Invoke(context.Background(), adapter.ReasoningRequest{}, func(context.Context, RetryNotice) error {
		return hookErr
	})
	require.ErrorIs(t, err, hookErr)
	require.Equal(t, 1, svc.Calls())
}

func TestInvoker_NoServiceIsConfigurationError(t *testing.T) {
	inv := NewInvoker(nil, testRunConfig(), &nopLog)
	_, err := inv.Invoke(context.Background(), adapter.ReasoningRequest{}, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
