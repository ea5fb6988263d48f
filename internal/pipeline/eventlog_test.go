package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposal-pipeline/internal/domain/model"
)

func TestEventLog_GovernsWriteRate(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	clock := newFakeClock()
	elog := NewEventLog("s1", 0, store, time.Second, clock.Now, &nopLog)

	// 100 events within 200ms of simulated time
	for i := 0; i < 100; i++ {
		require.NoError(t, elog.Append(ctx, model.Event{
			Type:    model.EventNarrative,
			Content: model.TextContent(fmt.Sprintf("note %d", i)),
		}))
		clock.Advance(2 * time.Millisecond)
	}
	require.Equal(t, 1, store.Writes(), "one write per second per session")
	require.Equal(t, 99, elog.Pending())

	clock.Advance(time.Second)
	require.NoError(t, elog.Append(ctx, model.Event{Type: model.EventNarrative}))
	require.Equal(t, 2, store.Writes())
	require.Zero(t, elog.Pending())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Len(t, got.Events, 101)
	for i, ev := range got.Events {
		require.Equal(t, int64(i+1), ev.Seq)
		require.NotEmpty(t, ev.ID)
	}
}

func TestEventLog_IDsSortWithSeq(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	clock := newFakeClock()
	elog := NewEventLog("s1", 0, store, time.Second, clock.Now, &nopLog)

	for i := 0; i < 20; i++ {
		elog.Buffer(model.Event{Type: model.EventNarrative})
	}
	require.NoError(t, elog.Flush(ctx))

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	for i := 1; i < len(got.Events); i++ {
		require.Less(t, got.Events[i-1].ID, got.Events[i].ID)
	}
}

func TestEventLog_FailedWriteKeepsEvents(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	store.failErr = errors.New("db unavailable")
	elog := NewEventLog("s1", 4, store, time.Second, newFakeClock().Now, &nopLog)

	require.NoError(t, elog.Append(ctx, model.Event{Type: model.EventNarrative}))
	require.Equal(t, 1, store.Writes())

	store.mu.Lock()
	store.failAfter = 1
	store.mu.Unlock()
	elog.Buffer(model.Event{Type: model.EventNarrative})
	require.Error(t, elog.Flush(ctx))
	require.Equal(t, 1, elog.Pending())

	store.mu.Lock()
	store.failAfter = 0
	store.mu.Unlock()
	require.NoError(t, elog.Flush(ctx))
	require.Zero(t, elog.Pending())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	require.Equal(t, int64(5), got.Events[0].Seq)
	require.Equal(t, int64(6), got.Events[1].Seq)
}

func TestEventLog_CommitCarriesBufferedEventsFirst(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	elog := NewEventLog("s1", 0, store, time.Second, newFakeClock().Now, &nopLog)

	elog.Buffer(model.Event{Type: model.EventStageStart})
	require.NoError(t, elog.Commit(ctx, model.SessionPatch{
		Progress:     model.Ptr(20),
		AppendEvents: []model.Event{{Type: model.EventStageResult}},
	}))
	require.Equal(t, 1, store.Writes())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, 20, got.Progress)
	require.Equal(t, model.EventStageStart, got.Events[0].Type)
	require.Equal(t, model.EventStageResult, got.Events[1].Type)
	require.Equal(t, int64(2), elog.LastSeq())
}

func TestEventLog_HeldPatchRidesOnNextWrite(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	clock := newFakeClock()
	elog := NewEventLog("s1", 0, store, time.Second, clock.Now, &nopLog)

	require.NoError(t, elog.Append(ctx, model.Event{Type: model.EventNarrative}))
	require.Equal(t, 1, store.Writes())

	require.NoError(t, elog.Hold(ctx, model.SessionPatch{
		Status:       model.Ptr(model.SessionStatus("ANALYZING_REQUIREMENTS")),
		CurrentStage: model.Ptr("analyze_requirements"),
		AppendEvents: []model.Event{{Type: model.EventStageStart}},
	}))
	require.Equal(t, 1, store.Writes(), "held while the governor is busy")
	require.Equal(t, 1, elog.Pending())

	require.NoError(t, elog.Commit(ctx, model.SessionPatch{
		Progress:     model.Ptr(20),
		AppendEvents: []model.Event{{Type: model.EventStageResult}},
	}))
	require.Equal(t, 2, store.Writes())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatus("ANALYZING_REQUIREMENTS"), got.Status)
	require.Equal(t, "analyze_requirements", got.CurrentStage)
	require.Equal(t, 20, got.Progress)
	require.Equal(t, []model.EventType{model.EventNarrative, model.EventStageStart, model.EventStageResult}, eventTypes(got.Events))

	// nothing left over for the terminal write to replay
	require.NoError(t, elog.Terminal(ctx, model.SessionPatch{Status: model.Ptr(model.SessionStatusCompleted)}))
	got, err = store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusCompleted, got.Status)
	require.Equal(t, 20, got.Progress)
}

func TestEventLog_HoldWritesWhenGovernorIsFree(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	elog := NewEventLog("s1", 0, store, time.Second, newFakeClock().Now, &nopLog)

	require.NoError(t, elog.Hold(ctx, model.SessionPatch{
		Status:       model.Ptr(model.SessionStatus("CALCULATING_COST")),
		AppendEvents: []model.Event{{Type: model.EventStageStart}},
	}))
	require.Equal(t, 1, store.Writes())
	require.Zero(t, elog.Pending())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatus("CALCULATING_COST"), got.Status)
}

func TestEventLog_HeldStatusesKeepTheLatest(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	elog := NewEventLog("s1", 0, store, time.Second, newFakeClock().Now, &nopLog)
	require.NoError(t, elog.Append(ctx, model.Event{Type: model.EventNarrative}))

	require.NoError(t, elog.Hold(ctx, model.SessionPatch{
		Status:       model.Ptr(model.SessionStatus("ANALYZING_REQUIREMENTS")),
		CurrentStage: model.Ptr("analyze_requirements"),
	}))
	require.NoError(t, elog.Hold(ctx, model.SessionPatch{
		Status: model.Ptr(model.SessionStatus("CALCULATING_COST")),
	}))
	require.NoError(t, elog.Flush(ctx))
	require.Equal(t, 2, store.Writes())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, model.SessionStatus("CALCULATING_COST"), got.Status)
	require.Equal(t, "analyze_requirements", got.CurrentStage)
}

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	f.stopped = true
	return true
}

func TestEventLog_AppendSoonFlushesOnceTokenFrees(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	clock := newFakeClock()
	elog := NewEventLog("s1", 0, store, time.Second, clock.Now, &nopLog)
	var timers []*fakeTimer
	elog.afterFunc = func(d time.Duration, f func()) stopper {
		ft := &fakeTimer{delay: d, fire: f}
		timers = append(timers, ft)
		return ft
	}

	require.NoError(t, elog.Append(ctx, model.Event{Type: model.EventNarrative}))
	clock.Advance(300 * time.Millisecond)
	require.NoError(t, elog.AppendSoon(ctx, model.Event{Type: model.EventRateLimitWarning}))
	require.NoError(t, elog.AppendSoon(ctx, model.Event{Type: model.EventRateLimitWarning}))
	require.Equal(t, 1, store.Writes())
	require.Len(t, timers, 1, "one flush armed at a time")
	require.InDelta(t, float64(700*time.Millisecond), float64(timers[0].delay), float64(time.Millisecond))

	clock.Advance(700 * time.Millisecond)
	timers[0].fire()
	require.Equal(t, 2, store.Writes())
	require.Zero(t, elog.Pending())

	got, err := store.Get(ctx, nil, "s1")
	require.NoError(t, err)
	require.Equal(t, []model.EventType{model.EventNarrative, model.EventRateLimitWarning, model.EventRateLimitWarning}, eventTypes(got.Events))
}

func TestEventLog_WriteCancelsArmedFlush(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	seedSession(store, "s1", model.SessionStatusProcessing)
	elog := NewEventLog("s1", 0, store, time.Second, newFakeClock().Now, &nopLog)
	var timer *fakeTimer
	elog.afterFunc = func(d time.Duration, f func()) stopper {
		timer = &fakeTimer{delay: d, fire: f}
		return timer
	}

	require.NoError(t, elog.Append(ctx, model.Event{Type: model.EventNarrative}))
	require.NoError(t, elog.AppendSoon(ctx, model.Event{Type: model.EventRateLimitWarning}))
	require.NotNil(t, timer)

	require.NoError(t, elog.Commit(ctx, model.SessionPatch{Progress: model.Ptr(20)}))
	require.True(t, timer.stopped)
	require.Equal(t, 2, store.Writes())

	// a fire that lost the race finds nothing to write
	timer.fire()
	require.Equal(t, 2, store.Writes())
}
