package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/infra/metrics"
)

// Fragment is the part of the session payload one stage produces.
type Fragment map[string]json.RawMessage

// FragmentOf encodes v under key.
func FragmentOf(key string, v any) (Fragment, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	return Fragment{key: b}, nil
}

// StageHandler does the work of one stage. It reads earlier fragments from
// the StageContext and returns its own.
type StageHandler interface {
	Handle(ctx context.Context, sc *StageContext) (Fragment, error)
}

type HandlerFunc func(ctx context.Context, sc *StageContext) (Fragment, error)

func (f HandlerFunc) Handle(ctx context.Context, sc *StageContext) (Fragment, error) {
	return f(ctx, sc)
}

// StageDefinition is one tagged entry of the fixed, ordered pipeline.
type StageDefinition struct {
	Name       string
	Status     model.SessionStatus // status shown while the stage runs
	Checkpoint int                 // progress once the stage succeeded
	Handler    StageHandler
}

// ValidateStages checks that names and statuses are unique and checkpoints
// strictly increase up to 100.
func ValidateStages(stages []StageDefinition) error {
	if len(stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	names := make(map[string]struct{}, len(stages))
	statuses := make(map[model.SessionStatus]struct{}, len(stages))
	prev := 0
	for _, s := range stages {
		switch {
		case s.Name == "" || s.Name == model.StageFinalizing:
			return fmt.Errorf("invalid stage name %q", s.Name)
		case s.Handler == nil:
			return fmt.Errorf("stage %s has no handler", s.Name)
		case s.Status == "" || s.Status == model.SessionStatusPending || s.Status == model.SessionStatusProcessing || s.Status.IsTerminal():
			return fmt.Errorf("stage %s has reserved status %q", s.Name, s.Status)
		case s.Checkpoint <= prev || s.Checkpoint > 100:
			return fmt.Errorf("stage %s checkpoint %d must be in (%d, 100]", s.Name, s.Checkpoint, prev)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate stage %s", s.Name)
		}
		if _, dup := statuses[s.Status]; dup {
			return fmt.Errorf("duplicate stage status %s", s.Status)
		}
		names[s.Name] = struct{}{}
		statuses[s.Status] = struct{}{}
		prev = s.Checkpoint
	}
	if prev != 100 {
		return fmt.Errorf("last checkpoint is %d, want 100", prev)
	}
	return nil
}

// StageContext is what a handler sees of the run.
type StageContext struct {
	SessionID string
	Request   model.JobRequest

	stage   string
	payload map[string]json.RawMessage
	events  *EventLog
	invoker *Invoker
}

func (sc *StageContext) Stage() string { return sc.stage }

// Decode unmarshals the fragment stored under key into v. It reports false
// when no earlier stage produced key.
func (sc *StageContext) Decode(key string, v any) (bool, error) {
	raw, ok := sc.payload[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode payload %s: %w", key, err)
	}
	return true, nil
}

// Payload returns a copy of the accumulated payload.
func (sc *StageContext) Payload() map[string]json.RawMessage {
	cp := make(map[string]json.RawMessage, len(sc.payload))
	for k, v := range sc.payload {
		cp[k] = v
	}
	return cp
}

// Note appends a narrative event for the current stage.
func (sc *StageContext) Note(ctx context.Context, msg string) error {
	return sc.events.Append(ctx, model.Event{
		Type:      model.EventNarrative,
		StageName: sc.stage,
		Content:   model.TextContent(msg),
	})
}

// Invoke calls the reasoning service with retries; every retry is recorded
// as a rate_limit_warning event.
func (sc *StageContext) Invoke(ctx context.Context, req adapter.ReasoningRequest) (*adapter.ReasoningResponse, error) {
	req.SessionID = sc.SessionID
	req.Stage = sc.stage
	return sc.invoker.Invoke(ctx, req, func(ctx context.Context, n RetryNotice) error {
		return sc.events.AppendSoon(ctx, model.Event{
			Type:      model.EventRateLimitWarning,
			StageName: sc.stage,
			Content: model.JSONContent(map[string]any{
				"attempt":    n.Attempt,
				"backoff_ms": n.Delay.Milliseconds(),
				"message":    "reasoning service throttled the request, retrying",
			}),
		})
	})
}

// StageRunner runs one stage handler and turns every way it can fail,
// panics included, into a *StageFailure.
type StageRunner struct {
	log *zerolog.Logger
}

func NewStageRunner(logger *zerolog.Logger) *StageRunner {
	l := logger.With().Str("component", "stage_runner").Logger()
	return &StageRunner{log: &l}
}

func (r *StageRunner) Run(ctx context.Context, def StageDefinition, sc *StageContext) (frag Fragment, sf *StageFailure) {
	ctx, span := otel.Tracer("proposal-pipeline/pipeline").Start(ctx, "stage "+def.Name)
	span.SetAttributes(attribute.String("session.id", sc.SessionID), attribute.Int("stage.checkpoint", def.Checkpoint))
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("session_id", sc.SessionID).
				Str("stage", def.Name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("stage handler panicked")
			frag, sf = nil, &StageFailure{
				Stage:   def.Name,
				Message: fmt.Sprintf("%s failed unexpectedly", def.Name),
				Err:     fmt.Errorf("panic: %v", rec),
			}
		}
		metrics.ObserveStage(def.Name, time.Since(start), sf == nil)
		if sf != nil {
			span.RecordError(sf)
			span.SetStatus(codes.Error, sf.Message)
		}
		span.End()
	}()

	out, err := def.Handler.Handle(ctx, sc)
	if err != nil {
		return nil, AsStageFailure(def.Name, err)
	}
	if out == nil {
		out = Fragment{}
	}
	return out, nil
}
