// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/ports/adapter"
)

var _ adapter.ReasoningService = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
	maxOut       int
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string, maxOut int) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel, maxOut: maxOut}, nil
}

func (g *GeminiAdapter) Provider() string { return "gemini" }

func (g *GeminiAdapter) Invoke(ctx context.Context, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(req, g.maxOut)),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: userPrompt(req)}},
	}}

	resp, err := g.client.Models.GenerateContent(ctx, g.defaultModel, contents, cfg)
	if err != nil {
		if isGeminiThrottle(err) {
			return nil, fmt.Errorf("gemini generate: %w: %w", domain.ErrThrottled, err)
		}
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	out := &adapter.ReasoningResponse{Model: g.defaultModel}
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		var sb strings.Builder
		for _, p := range resp.Candidates[0].Content.Parts {
			if p != nil {
				sb.WriteString(p.Text)
			}
		}
		out.Text = sb.String()
	}
	if resp != nil && resp.UsageMetadata != nil {
		out.Usage = adapter.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func isGeminiThrottle(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED"
	}
	return false
}
