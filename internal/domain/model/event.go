package model

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventStageStart       EventType = "stage_start"
	EventStageResult      EventType = "stage_result"
	EventNarrative        EventType = "narrative"
	EventRateLimitWarning EventType = "rate_limit_warning"
	EventTerminalSuccess  EventType = "terminal_success"
	EventTerminalError    EventType = "terminal_error"
)

// Event is an immutable fact appended to a session during a run.
// Seq is the append order within the session and wins over Timestamp.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	StageName string          `json:"stage_name,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// TextContent encodes a plain message as event content.
func TextContent(msg string) json.RawMessage {
	b, _ := json.Marshal(msg)
	return b
}

// JSONContent encodes v as event content, falling back to the encoding error text.
func JSONContent(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return TextContent(err.Error())
	}
	return b
}
