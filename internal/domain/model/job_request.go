package model

import (
	"fmt"
	"strings"
	"time"

	"proposal-pipeline/internal/domain"
)

// Project duration buckets accepted on submission.
const (
	DurationShort  = "SHORT"
	DurationMedium = "MEDIUM"
	DurationLong   = "LONG"
)

// JobRequest is everything a run needs. It travels with the task so the
// orchestrator never calls back to the submitter.
type JobRequest struct {
	ClientName   string `json:"client_name"`
	ProjectName  string `json:"project_name"`
	Industry     string `json:"industry"`
	Requirements string `json:"requirements"`
	Duration     string `json:"duration"`
	TeamSize     int    `json:"team_size"`
}

// Normalize trims text fields and upper-cases the duration bucket.
func (r *JobRequest) Normalize() {
	r.ClientName = strings.TrimSpace(r.ClientName)
	r.ProjectName = strings.TrimSpace(r.ProjectName)
	r.Industry = strings.TrimSpace(r.Industry)
	r.Requirements = strings.TrimSpace(r.Requirements)
	r.Duration = strings.ToUpper(strings.TrimSpace(r.Duration))
}

func (r JobRequest) Validate() error {
	switch {
	case r.ClientName == "":
		return fmt.Errorf("%w: client_name is required", domain.ErrInvalidArgument)
	case r.ProjectName == "":
		return fmt.Errorf("%w: project_name is required", domain.ErrInvalidArgument)
	case r.Requirements == "":
		return fmt.Errorf("%w: requirements is required", domain.ErrInvalidArgument)
	case r.TeamSize <= 0:
		return fmt.Errorf("%w: team_size must be positive", domain.ErrInvalidArgument)
	}
	switch r.Duration {
	case DurationShort, DurationMedium, DurationLong:
	default:
		return fmt.Errorf("%w: duration must be SHORT, MEDIUM or LONG", domain.ErrInvalidArgument)
	}
	return nil
}

// RunTask is the one-shot message handed from the dispatcher to the orchestrator.
type RunTask struct {
	SessionID  string     `json:"session_id"`
	Request    JobRequest `json:"request"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}
