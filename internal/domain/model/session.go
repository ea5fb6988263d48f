package model

import (
	"encoding/json"
	"time"
)

type SessionStatus string

const (
	SessionStatusPending            SessionStatus = "PENDING"
	SessionStatusProcessing         SessionStatus = "PROCESSING"
	SessionStatusCompleted          SessionStatus = "COMPLETED"
	SessionStatusError              SessionStatus = "ERROR"
	SessionStatusConfigurationError SessionStatus = "CONFIGURATION_ERROR"
)

// IsTerminal reports whether no further transition can leave this status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusError, SessionStatusConfigurationError:
		return true
	}
	return false
}

// IsFailure reports whether s is one of the failure sinks.
func (s SessionStatus) IsFailure() bool {
	return s == SessionStatusError || s == SessionStatusConfigurationError
}

// Stage sentinels for CurrentStage.
const (
	StageNotStarted = ""
	StageFinalizing = "finalizing"
)

// Session is the durable record of one proposal job and its pipeline run.
type Session struct {
	ID           string                     `json:"session_id"`
	Status       SessionStatus              `json:"status"`
	CurrentStage string                     `json:"current_stage"`
	Progress     int                        `json:"progress"`
	Request      JobRequest                 `json:"request"`
	Payload      map[string]json.RawMessage `json:"payload"`
	Events       []Event                    `json:"events"`
	ErrorMessage string                     `json:"error_message,omitempty"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

func NewSession(id string, req JobRequest) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Status:       SessionStatusPending,
		CurrentStage: StageNotStarted,
		Request:      req,
		Payload:      map[string]json.RawMessage{},
		Events:       make([]Event, 0, 16),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a copy that shares no slices or maps with s.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Payload = make(map[string]json.RawMessage, len(s.Payload))
	for k, v := range s.Payload {
		cp.Payload[k] = append(json.RawMessage(nil), v...)
	}
	cp.Events = append([]Event(nil), s.Events...)
	return &cp
}

// SessionPatch is a partial update. Nil fields are left untouched,
// PayloadMerge is merged key by key into the stored payload and
// AppendEvents is appended after the stored events.
type SessionPatch struct {
	Status       *SessionStatus
	CurrentStage *string
	Progress     *int
	ErrorMessage *string
	PayloadMerge map[string]json.RawMessage
	AppendEvents []Event

	// ExpectStatus turns the update into a compare-and-set on status.
	ExpectStatus *SessionStatus
}

// IsEmpty reports whether applying the patch would change nothing but updated_at.
func (p SessionPatch) IsEmpty() bool {
	return p.Status == nil && p.CurrentStage == nil && p.Progress == nil &&
		p.ErrorMessage == nil && len(p.PayloadMerge) == 0 && len(p.AppendEvents) == 0
}

// Apply mutates s in place. Stores without native merge support use it.
func (p SessionPatch) Apply(s *Session, now time.Time) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.CurrentStage != nil {
		s.CurrentStage = *p.CurrentStage
	}
	if p.Progress != nil {
		s.Progress = *p.Progress
	}
	if p.ErrorMessage != nil {
		s.ErrorMessage = *p.ErrorMessage
	}
	if len(p.PayloadMerge) > 0 {
		if s.Payload == nil {
			s.Payload = map[string]json.RawMessage{}
		}
		for k, v := range p.PayloadMerge {
			s.Payload[k] = v
		}
	}
	if len(p.AppendEvents) > 0 {
		s.Events = append(s.Events, p.AppendEvents...)
	}
	s.UpdatedAt = now
}

// Snapshot is the read-only view served to polling clients.
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	Status       SessionStatus `json:"status"`
	CurrentStage string        `json:"current_stage"`
	Progress     int           `json:"progress"`
	Events       []Event       `json:"events"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (s *Session) Snapshot() Snapshot {
	events := s.Events
	if events == nil {
		events = []Event{}
	}
	return Snapshot{
		SessionID:    s.ID,
		Status:       s.Status,
		CurrentStage: s.CurrentStage,
		Progress:     s.Progress,
		Events:       events,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Ptr is a small helper for building patches.
func Ptr[T any](v T) *T { return &v }
