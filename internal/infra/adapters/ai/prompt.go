package ai

import (
	"encoding/json"
	"sort"
	"strings"

	"proposal-pipeline/internal/domain/ports/adapter"
)

// userPrompt appends the request context as labelled JSON blocks, sorted by key.
func userPrompt(req adapter.ReasoningRequest) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\n\nContext:")
	for _, k := range keys {
		raw, err := json.MarshalIndent(req.Context[k], "", "  ")
		if err != nil {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(k)
		b.WriteString(":\n")
		b.Write(raw)
	}
	return b.String()
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}

func maxTokens(req adapter.ReasoningRequest, def int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return def
}
