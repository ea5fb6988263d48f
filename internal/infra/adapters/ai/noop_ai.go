package ai

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain/ports/adapter"
)

var _ adapter.ReasoningService = (*NoopAIAdapter)(nil)

// NoopAIAdapter answers every stage with a canned JSON reply for local/dev
// runs. Unknown stages get an empty object.
type NoopAIAdapter struct {
	delay   time.Duration
	replies map[string]any
	log     *zerolog.Logger
}

func NewNoopAIAdapter(logger *zerolog.Logger) *NoopAIAdapter {
	l := logger.With().Str("component", "noop_ai").Logger()
	return &NoopAIAdapter{
		delay: 100 * time.Millisecond,
		log:   &l,
		replies: map[string]any{
			"analyze_requirements": map[string]any{
				"project_scope":          "Local development run",
				"deliverables":           []string{"Working prototype"},
				"technical_requirements": []string{"Go service", "PostgreSQL"},
				"timeline_estimate":      "12 weeks",
				"complexity_level":       "Medium",
				"team_skills_needed":     []string{"Backend development"},
				"key_risks":              []string{"Unclear scope"},
			},
			"generate_sow": map[string]any{
				"project_overview": "Prototype delivery for local testing.",
				"services":         []string{"Design", "Implementation"},
				"timeline":         "Three phases over twelve weeks",
				"deliverables":     []string{"Source code", "Runbook"},
			},
			"generate_presentation": map[string]any{
				"title":  "Local proposal",
				"slides": []map[string]any{{"title": "Overview", "bullets": []string{"Generated by the noop provider"}}},
			},
		},
	}
}

func (a *NoopAIAdapter) Provider() string { return "noop" }

func (a *NoopAIAdapter) Invoke(ctx context.Context, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	reply, ok := a.replies[req.Stage]
	if !ok {
		reply = map[string]any{}
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	a.log.Debug().Str("session_id", req.SessionID).Str("stage", req.Stage).Msg("noop reasoning reply")
	return &adapter.ReasoningResponse{Text: string(b), Model: "noop"}, nil
}
