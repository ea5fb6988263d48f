package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
)

func newTestOrchestrator(t *testing.T, store *recordingStore, svc adapter.ReasoningService, sleeps *sleepRecorder, cfg RunConfig, stages []StageDefinition) *Orchestrator {
	t.Helper()
	inv := NewInvoker(svc, cfg, &nopLog)
	if sleeps != nil {
		inv = inv.WithSleep(sleeps.Sleep)
	}
	clock := newFakeClock()
	o, err := NewOrchestrator(store, stages, inv, cfg, &nopLog, WithClock(clock.Now))
	require.NoError(t, err)
	return o
}

// assertRunInvariants checks every persisted snapshot of one run.
func assertRunInvariants(t *testing.T, o *Orchestrator, history []*model.Session) {
	t.Helper()
	prev := model.SessionStatusPending
	prevProgress := 0
	var prevEvents []model.Event
	for i, snap := range history {
		if snap.Status != prev {
			require.True(t, o.CanTransition(prev, snap.Status), "write %d: illegal edge %s -> %s", i, prev, snap.Status)
		}
		require.GreaterOrEqual(t, snap.Progress, prevProgress, "write %d: progress decreased", i)
		require.GreaterOrEqual(t, len(snap.Events), len(prevEvents), "write %d: events truncated", i)
		for j := range prevEvents {
			require.Equal(t, prevEvents[j].ID, snap.Events[j].ID, "write %d: events reordered", i)
		}
		prev, prevProgress, prevEvents = snap.Status, snap.Progress, snap.Events
	}
}

func eventTypes(events []model.Event) []model.EventType {
	out := make([]model.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestRun_CompletesAllStages(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)

	stages := fiveStages(map[string]HandlerFunc{
		"analyze_requirements": func(ctx context.Context, sc *StageContext) (Fragment, error) {
			resp, err := sc.Invoke(ctx, adapter.ReasoningRequest{Prompt: sc.Request.Requirements})
			if err != nil {
				return nil, err
			}
			if err := sc.Note(ctx, "requirements analysed"); err != nil {
				return nil, err
			}
			return FragmentOf("requirements", resp.Text)
		},
		"calculate_cost": func(ctx context.Context, sc *StageContext) (Fragment, error) {
			var req string
			ok, err := sc.Decode("requirements", &req)
			if err != nil || !ok {
				return nil, fmt.Errorf("requirements missing: %v", err)
			}
			return FragmentOf("cost_data", map[string]any{"total_cost": 1000, "from": req})
		},
	})
	o := newTestOrchestrator(t, store, &mockReasoning{}, &sleepRecorder{}, testRunConfig(), stages)

	require.NoError(t, o.Run(ctx, task))

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusCompleted, got.Status)
	require.Equal(t, 100, got.Progress)
	require.Equal(t, model.StageFinalizing, got.CurrentStage)
	require.Empty(t, got.ErrorMessage)
	for _, key := range []string{"requirements", "cost_data", "retrieve_templates", "generate_sow", "generate_presentation"} {
		require.Contains(t, got.Payload, key)
	}

	types := eventTypes(got.Events)
	require.Equal(t, model.EventTerminalSuccess, types[len(types)-1])
	var starts, results int
	for _, ty := range types {
		switch ty {
		case model.EventStageStart:
			starts++
		case model.EventStageResult:
			results++
		}
	}
	require.Equal(t, 5, starts)
	require.Equal(t, 5, results)
	require.Contains(t, types, model.EventNarrative)

	// claim, one write per stage carrying its start and result, terminal
	require.Equal(t, 7, store.Writes())

	history := store.History()
	assertRunInvariants(t, o, history)
	statuses := []model.SessionStatus{}
	for _, h := range history {
		if len(statuses) == 0 || statuses[len(statuses)-1] != h.Status {
			statuses = append(statuses, h.Status)
		}
	}
	require.Equal(t, []model.SessionStatus{
		model.SessionStatusProcessing,
		"ANALYZING_REQUIREMENTS",
		"CALCULATING_COST",
		"RETRIEVING_TEMPLATES",
		"GENERATING_SOW",
		"GENERATING_PRESENTATION",
		model.SessionStatusCompleted,
	}, statuses)
}

func TestRun_ConfigurationErrorRunsNoStage(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)

	cfg := testRunConfig()
	cfg.AI = config.AIConfig{Provider: "bedrock", Region: "us-east-1", ModelID: "PLACEHOLDER_MODEL_ID"}
	called := false
	stages := fiveStages(map[string]HandlerFunc{
		"analyze_requirements": func(context.Context, *StageContext) (Fragment, error) {
			called = true
			return nil, nil
		},
	})
	svc := &mockReasoning{}
	o := newTestOrchestrator(t, store, svc, nil, cfg, stages)

	require.NoError(t, o.Run(ctx, task))

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusConfigurationError, got.Status)
	require.NotEmpty(t, got.ErrorMessage)
	require.False(t, called)
	require.Zero(t, svc.Calls())
	require.NotContains(t, eventTypes(got.Events), model.EventStageStart)
	require.Equal(t, 1, store.Writes())
	assertRunInvariants(t, o, store.History())
}

func TestRun_StageFailureStopsPipeline(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)

	var laterRan bool
	stages := fiveStages(map[string]HandlerFunc{
		"retrieve_templates": func(context.Context, *StageContext) (Fragment, error) {
			return nil, errors.New("bucket listing denied: arn:aws:s3:::secret")
		},
		"generate_sow": func(context.Context, *StageContext) (Fragment, error) {
			laterRan = true
			return nil, nil
		},
	})
	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), stages)

	err := o.Run(ctx, task)
	var sf *StageFailure
	require.ErrorAs(t, err, &sf)
	require.Equal(t, "retrieve_templates", sf.Stage)
	require.False(t, laterRan)

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusError, got.Status)
	require.Equal(t, "retrieve_templates", got.CurrentStage)
	require.Equal(t, 40, got.Progress)
	require.Contains(t, got.Payload, "analyze_requirements")
	require.Contains(t, got.Payload, "calculate_cost")
	require.NotContains(t, got.Payload, "retrieve_templates")
	require.NotContains(t, got.ErrorMessage, "arn:aws", "internal details must not leak")
	require.Equal(t, model.EventTerminalError, got.Events[len(got.Events)-1].Type)
	assertRunInvariants(t, o, store.History())
}

func TestRun_ThrottledTwiceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)

	svc := &mockReasoning{InvokeFn: func(_ context.Context, n int, _ adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
		if n <= 2 {
			return nil, fmt.Errorf("ThrottlingException: %w", domain.ErrThrottled)
		}
		return &adapter.ReasoningResponse{Text: "analysis"}, nil
	}}
	stages := fiveStages(map[string]HandlerFunc{
		"analyze_requirements": func(ctx context.Context, sc *StageContext) (Fragment, error) {
			resp, err := sc.Invoke(ctx, adapter.ReasoningRequest{Prompt: "x"})
			if err != nil {
				return nil, err
			}
			return FragmentOf("requirements", resp.Text)
		},
	})
	sleeps := &sleepRecorder{}
	cfg := testRunConfig()
	o := newTestOrchestrator(t, store, svc, sleeps, cfg, stages)

	require.NoError(t, o.Run(ctx, task))
	require.Equal(t, cfg.BaseDelay+2*cfg.BaseDelay, sleeps.Total())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	var stageEvents []model.EventType
	for _, e := range got.Events {
		if e.StageName == "analyze_requirements" && e.Type != model.EventStageStart {
			stageEvents = append(stageEvents, e.Type)
		}
	}
	require.Equal(t, []model.EventType{
		model.EventRateLimitWarning,
		model.EventRateLimitWarning,
		model.EventStageResult,
	}, stageEvents)
}

func TestRun_ThrottleExhaustionEndsInError(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)

	svc := &mockReasoning{InvokeFn: func(_ context.Context, n int, _ adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
		return nil, throttled(n)
	}}
	stages := fiveStages(map[string]HandlerFunc{
		"analyze_requirements": func(ctx context.Context, sc *StageContext) (Fragment, error) {
			_, err := sc.Invoke(ctx, adapter.ReasoningRequest{})
			return nil, err
		},
	})
	o := newTestOrchestrator(t, store, svc, &sleepRecorder{}, testRunConfig(), stages)

	require.Error(t, o.Run(ctx, task))
	require.Equal(t, 3, svc.Calls())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusError, got.Status)
	require.Equal(t, 0, got.Progress)
	require.Contains(t, got.ErrorMessage, "3 attempts")
}

func TestRun_DuplicateTriggerIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusProcessing)

	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), fiveStages(nil))

	err := o.Run(ctx, task)
	require.ErrorIs(t, err, domain.ErrAlreadyStarted)
	require.Zero(t, store.Writes())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusProcessing, got.Status)
}

func TestRun_SecondRunAfterCompletionIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)
	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), fiveStages(nil))

	require.NoError(t, o.Run(ctx, task))
	writes := store.Writes()
	require.ErrorIs(t, o.Run(ctx, task), domain.ErrAlreadyStarted)
	require.Equal(t, writes, store.Writes())
}

func TestRun_PanicBecomesError(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)

	stages := fiveStages(map[string]HandlerFunc{
		"calculate_cost": func(context.Context, *StageContext) (Fragment, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		},
	})
	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), stages)

	var sf *StageFailure
	require.ErrorAs(t, o.Run(ctx, task), &sf)

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusError, got.Status)
	require.Equal(t, "calculate_cost failed unexpectedly", got.ErrorMessage)
	require.Equal(t, 20, got.Progress)
}

func TestRun_PersistenceFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)
	store.failAfter = 3
	store.failErr = errors.New("connection reset")

	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), fiveStages(nil))

	var sf *StageFailure
	require.ErrorAs(t, o.Run(ctx, task), &sf)
	require.Equal(t, "could not persist session progress", sf.Message)

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.NotEqual(t, model.SessionStatusCompleted, got.Status)
}

func TestRun_ExpiredBudgetLeavesLastState(t *testing.T) {
	store := newRecordingStore()
	task := seedSession(store, "s1", model.SessionStatusPending)

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()
	stages := fiveStages(map[string]HandlerFunc{
		"calculate_cost": func(ctx context.Context, _ *StageContext) (Fragment, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), stages)

	require.Error(t, o.Run(ctx, task))

	// the calculate_cost start was still held when the budget ran out
	got, err := store.Get(context.Background(), nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatus("ANALYZING_REQUIREMENTS"), got.Status)
	require.Equal(t, "analyze_requirements", got.CurrentStage)
	require.Equal(t, 20, got.Progress)
	require.Equal(t, model.EventStageResult, got.Events[len(got.Events)-1].Type)
}

func TestRun_UnknownSession(t *testing.T) {
	store := newRecordingStore()
	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), fiveStages(nil))
	require.ErrorIs(t, o.Run(context.Background(), model.RunTask{SessionID: "nope"}), domain.ErrNotFound)
}

func TestCanTransition(t *testing.T) {
	store := newRecordingStore()
	o := newTestOrchestrator(t, store, &mockReasoning{}, nil, testRunConfig(), fiveStages(nil))

	cases := []struct {
		from, to model.SessionStatus
		want     bool
	}{
		{model.SessionStatusPending, model.SessionStatusProcessing, true},
		{model.SessionStatusPending, model.SessionStatusConfigurationError, true},
		{model.SessionStatusPending, model.SessionStatusError, false},
		{model.SessionStatusPending, "ANALYZING_REQUIREMENTS", false},
		{model.SessionStatusProcessing, "ANALYZING_REQUIREMENTS", true},
		{model.SessionStatusProcessing, model.SessionStatusConfigurationError, false},
		{"CALCULATING_COST", "ANALYZING_REQUIREMENTS", false},
		{"CALCULATING_COST", model.SessionStatusError, true},
		{"GENERATING_PRESENTATION", model.SessionStatusCompleted, true},
		{model.SessionStatusCompleted, model.SessionStatusError, false},
		{model.SessionStatusError, model.SessionStatusProcessing, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, o.CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
