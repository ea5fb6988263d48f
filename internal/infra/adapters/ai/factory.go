package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/ports/adapter"
)

// New builds the configured reasoning service wrapped in the process-wide
// limiter. A configuration that does not validate yields an error wrapping
// domain.ErrConfiguration; callers keep running and let each run report it.
func New(ctx context.Context, cfg config.AIConfig, logger *zerolog.Logger) (adapter.ReasoningService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		svc adapter.ReasoningService
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "bedrock":
		svc, err = NewBedrockAdapterFromRegion(ctx, cfg.Region, cfg.ModelID, cfg.MaxTokens)
	case "gemini":
		svc, err = NewGeminiAdapter(ctx, cfg.GeminiKey, cfg.GeminiURL, cfg.ModelID, cfg.MaxTokens)
	case "openai":
		svc, err = NewOpenAIAdapter(cfg.OpenAIKey, cfg.ModelID, cfg.OpenAIBaseURL, cfg.MaxTokens)
	case "noop":
		svc = NewNoopAIAdapter(logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrConfiguration, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", cfg.Provider, err)
	}
	return NewLimitedAI(svc, cfg.ConcurrentLimit, cfg.RequestsPerMinute), nil
}
