package adapter

import "context"

// ReasoningRequest is one call into the external reasoning service. Context
// carries the accumulated payload the stage wants the model to see.
type ReasoningRequest struct {
	SessionID string
	Stage     string
	System    string
	Prompt    string
	Context   map[string]any
	MaxTokens int
}

// Usage as reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type ReasoningResponse struct {
	Text  string
	Usage Usage
	Model string
}

// ReasoningService is the port for the external AI reasoning service.
// Implementations must wrap provider throttling with domain.ErrThrottled so
// callers can classify it with errors.Is.
type ReasoningService interface {
	Provider() string
	Invoke(ctx context.Context, req ReasoningRequest) (*ReasoningResponse, error)
}
