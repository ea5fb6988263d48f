package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.ReasoningService = (*OpenAIAdapter)(nil)

// OpenAIAdapter calls the Chat Completions API of OpenAI or any compatible
// gateway when baseURL is set.
type OpenAIAdapter struct {
	client    openai.Client
	model     string
	maxTokens int
}

func NewOpenAIAdapter(apiKey, model, baseURL string, maxTokens int) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// retries are owned by the pipeline invoker
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (o *OpenAIAdapter) Provider() string { return "openai" }

func (o *OpenAIAdapter) Invoke(ctx context.Context, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(userPrompt(req)))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: msgs,
	}
	if n := maxTokens(req, o.maxTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("openai chat: %w: %w", domain.ErrThrottled, err)
		}
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	out := &adapter.ReasoningResponse{
		Model: resp.Model,
		Usage: adapter.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, c := range resp.Choices {
		if c.Message.Content != "" {
			out.Text = c.Message.Content
			return out, nil
		}
	}
	return nil, errors.New("openai: no choice content")
}
