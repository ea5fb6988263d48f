package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/infra/db/memory"
)

var nopLog = zerolog.Nop()

// fakeClock advances only when told to.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingStore snapshots the session after every successful write.
type recordingStore struct {
	*memory.SessionRepo
	mu        sync.Mutex
	writes    int
	history   []*model.Session
	failAfter int // fail every Update once writes reaches this, 0 = never
	failErr   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{SessionRepo: memory.NewSessionRepo()}
}

func (s *recordingStore) Update(ctx context.Context, tx repository.Tx, id string, p model.SessionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && s.writes >= s.failAfter {
		return s.failErr
	}
	if err := s.SessionRepo.Update(ctx, tx, id, p); err != nil {
		return err
	}
	s.writes++
	snap, _ := s.SessionRepo.Get(ctx, tx, id)
	s.history = append(s.history, snap)
	return nil
}

func (s *recordingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *recordingStore) History() []*model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Session(nil), s.history...)
}

// mockReasoning is a func-field fake of adapter.ReasoningService.
type mockReasoning struct {
	mu       sync.Mutex
	calls    int
	InvokeFn func(ctx context.Context, call int, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error)
}

func (m *mockReasoning) Provider() string { return "mock" }

func (m *mockReasoning) Invoke(ctx context.Context, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()
	if m.InvokeFn != nil {
		return m.InvokeFn(ctx, n, req)
	}
	return &adapter.ReasoningResponse{Text: "ok", Model: "mock-1"}, nil
}

func (m *mockReasoning) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// sleepRecorder replaces the backoff wait and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t time.Duration
	for _, d := range s.delays {
		t += d
	}
	return t
}

func testRunConfig() RunConfig {
	return RunConfig{
		MaxAttempts:        3,
		BaseDelay:          2 * time.Second,
		MaxDelay:           time.Minute,
		EventWriteInterval: time.Second,
		AI:                 config.AIConfig{Provider: "noop"},
	}
}

// fiveStages builds the five-stage layout with handlers from hs; missing
// handlers write {"<name>": "done"}.
func fiveStages(hs map[string]HandlerFunc) []StageDefinition {
	layout := []struct {
		name   string
		status model.SessionStatus
		cp     int
	}{
		{"analyze_requirements", "ANALYZING_REQUIREMENTS", 20},
		{"calculate_cost", "CALCULATING_COST", 40},
		{"retrieve_templates", "RETRIEVING_TEMPLATES", 60},
		{"generate_sow", "GENERATING_SOW", 80},
		{"generate_presentation", "GENERATING_PRESENTATION", 100},
	}
	out := make([]StageDefinition, 0, len(layout))
	for _, l := range layout {
		name := l.name
		h, ok := hs[name]
		if !ok {
			h = func(ctx context.Context, sc *StageContext) (Fragment, error) {
				return FragmentOf(name, "done")
			}
		}
		out = append(out, StageDefinition{Name: name, Status: l.status, Checkpoint: l.cp, Handler: h})
	}
	return out
}

func seedSession(store repository.SessionRepository, id string, status model.SessionStatus) model.RunTask {
	req := model.JobRequest{
		ClientName:   "Acme",
		ProjectName:  "Portal",
		Industry:     "Retail",
		Requirements: "Build a customer portal",
		Duration:     model.DurationMedium,
		TeamSize:     4,
	}
	s := model.NewSession(id, req)
	s.Status = status
	_ = store.Create(context.Background(), nil, s)
	return model.RunTask{SessionID: id, Request: req}
}
