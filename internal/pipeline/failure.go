package pipeline

import (
	"context"
	"errors"
	"fmt"

	"proposal-pipeline/internal/domain"
)

// StageFailure ends a run in ERROR. Message is what polling clients see;
// Err keeps the cause for logs.
type StageFailure struct {
	Stage   string
	Message string
	Err     error
}

func (f *StageFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("stage %s: %s", f.Stage, f.Message)
	}
	return fmt.Sprintf("stage %s: %s: %v", f.Stage, f.Message, f.Err)
}

func (f *StageFailure) Unwrap() error { return f.Err }

// UserError marks an error whose text is safe to show to clients.
type UserError struct {
	Msg string
	Err error
}

func (e *UserError) Error() string { return e.Msg }
func (e *UserError) Unwrap() error { return e.Err }

// Failf builds a client-safe stage error for handlers.
func Failf(err error, format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// AsStageFailure converts any error into a *StageFailure for stage. An
// existing StageFailure is returned unchanged.
func AsStageFailure(stage string, err error) *StageFailure {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf
	}
	return &StageFailure{Stage: stage, Message: summarize(stage, err), Err: err}
}

func summarize(stage string, err error) string {
	var ue *UserError
	switch {
	case errors.As(err, &ue):
		return ue.Msg
	case errors.Is(err, domain.ErrThrottled):
		return "the reasoning service is rate limiting requests, please resubmit later"
	case errors.Is(err, domain.ErrConfiguration):
		return "the reasoning service is not configured"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("%s timed out", stage)
	case errors.Is(err, context.Canceled):
		return fmt.Sprintf("%s was cancelled", stage)
	}
	return fmt.Sprintf("%s failed unexpectedly", stage)
}
