package ai

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/ports/adapter"
)

func TestNoopAIAdapter_RepliesWithJSON(t *testing.T) {
	log := zerolog.Nop()
	a := NewNoopAIAdapter(&log)
	resp, err := a.Invoke(context.Background(), adapter.ReasoningRequest{Stage: "analyze_requirements"})
	require.NoError(t, err)

	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.Text), &v))
	require.Equal(t, "Medium", v["complexity_level"])
}

func TestNew_RejectsPlaceholders(t *testing.T) {
	log := zerolog.Nop()
	_, err := New(context.Background(), config.AIConfig{Provider: "openai", OpenAIKey: "PLACEHOLDER_KEY", ModelID: "gpt-4o"}, &log)
	require.ErrorIs(t, err, domain.ErrConfiguration)

	svc, err := New(context.Background(), config.AIConfig{Provider: "noop", ConcurrentLimit: 2}, &log)
	require.NoError(t, err)
	require.Equal(t, "noop", svc.Provider())
}

func TestUserPrompt(t *testing.T) {
	require.Equal(t, "plain", userPrompt(adapter.ReasoningRequest{Prompt: "plain"}))

	p := userPrompt(adapter.ReasoningRequest{Prompt: "p", Context: map[string]any{"b": 2, "a": 1}})
	require.Equal(t, "p\n\nContext:\n\na:\n1\n\nb:\n2", p)
}
