package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/infra/logging"
	"proposal-pipeline/internal/infra/metrics"
)

// Run outcomes, used for metrics and logs.
const (
	OutcomeCompleted          = "completed"
	OutcomeError              = "error"
	OutcomeConfigurationError = "configuration_error"
	OutcomeRejected           = "rejected"
)

// Orchestrator drives one session through the fixed stage list. A run is a
// single sequential flow; many runs may execute concurrently against
// different sessions.
type Orchestrator struct {
	store   repository.SessionRepository
	stages  []StageDefinition
	rank    map[model.SessionStatus]int
	invoker *Invoker
	runner  *StageRunner
	cfg     RunConfig
	now     Clock
	log     *zerolog.Logger
}

type Option func(*Orchestrator)

// WithClock sets the clock used for event timestamps and the write governor.
func WithClock(c Clock) Option { return func(o *Orchestrator) { o.now = c } }

func NewOrchestrator(store repository.SessionRepository, stages []StageDefinition, invoker *Invoker, cfg RunConfig, logger *zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}
	l := logger.With().Str("component", "orchestrator").Logger()
	o := &Orchestrator{
		store:   store,
		stages:  append([]StageDefinition(nil), stages...),
		invoker: invoker,
		runner:  NewStageRunner(logger),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		log:     &l,
	}
	for _, opt := range opts {
		opt(o)
	}

	// PENDING < PROCESSING < stage statuses in order < COMPLETED
	o.rank = map[model.SessionStatus]int{
		model.SessionStatusPending:    0,
		model.SessionStatusProcessing: 1,
	}
	for i, s := range o.stages {
		o.rank[s.Status] = i + 2
	}
	o.rank[model.SessionStatusCompleted] = len(o.stages) + 2
	return o, nil
}

// Stages returns the pipeline in execution order.
func (o *Orchestrator) Stages() []StageDefinition {
	return append([]StageDefinition(nil), o.stages...)
}

// CanTransition reports whether from -> to is a legal status edge.
func (o *Orchestrator) CanTransition(from, to model.SessionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case model.SessionStatusConfigurationError:
		return from == model.SessionStatusPending
	case model.SessionStatusError:
		return from != model.SessionStatusPending
	case model.SessionStatusProcessing:
		return from == model.SessionStatusPending
	}
	fr, ok1 := o.rank[from]
	tr, ok2 := o.rank[to]
	return ok1 && ok2 && tr > fr && from != model.SessionStatusPending
}

// run is the mutable state of one execution.
type run struct {
	id       string
	status   model.SessionStatus
	progress int
	stage    string
	payload  map[string]json.RawMessage
	events   *EventLog
	log      *zerolog.Logger
}

// Run executes the pipeline for task. It returns domain.ErrAlreadyStarted
// when the session has left PENDING, a *StageFailure when the run ended in
// ERROR and nil on COMPLETED or CONFIGURATION_ERROR.
func (o *Orchestrator) Run(ctx context.Context, task model.RunTask) (err error) {
	ctx = logging.WithSessID(ctx, task.SessionID)
	ctx, span := otel.Tracer("proposal-pipeline/pipeline").Start(ctx, "pipeline run")
	span.SetAttributes(attribute.String("session.id", task.SessionID))
	defer func() {
		if err != nil && !errors.Is(err, domain.ErrAlreadyStarted) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer metrics.RunStarted()()

	log := logging.With(ctx, o.log)

	sess, err := o.store.Get(ctx, nil, task.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", task.SessionID, err)
	}
	if sess.Status != model.SessionStatusPending {
		metrics.IncRun(OutcomeRejected)
		log.Info().Str("status", string(sess.Status)).Msg("run rejected, session already started")
		return fmt.Errorf("%w: session %s is %s", domain.ErrAlreadyStarted, sess.ID, sess.Status)
	}

	r := &run{
		id:       sess.ID,
		status:   sess.Status,
		progress: sess.Progress,
		payload:  map[string]json.RawMessage{},
		events:   NewEventLog(sess.ID, lastSeq(sess.Events), o.store, o.cfg.EventWriteInterval, o.now, o.log),
		log:      log,
	}
	for k, v := range sess.Payload {
		r.payload[k] = v
	}

	req := task.Request
	if req == (model.JobRequest{}) {
		req = sess.Request
	}

	if cerr := o.cfg.AI.Validate(); cerr != nil {
		return o.configurationError(ctx, r, cerr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			sf := &StageFailure{Stage: r.stage, Message: "the run failed unexpectedly", Err: fmt.Errorf("panic: %v", rec)}
			err = o.fail(ctx, r, sf)
		}
	}()

	if err := o.start(ctx, r); err != nil {
		return err
	}

	for _, def := range o.stages {
		if err := o.runStage(ctx, r, def, req); err != nil {
			return o.fail(ctx, r, err)
		}
	}
	return o.complete(ctx, r)
}

func (o *Orchestrator) configurationError(ctx context.Context, r *run, cause error) error {
	if !o.CanTransition(r.status, model.SessionStatusConfigurationError) {
		return fmt.Errorf("%w: session %s is %s", domain.ErrAlreadyStarted, r.id, r.status)
	}
	msg := "the reasoning service is not configured, contact the operator"
	err := r.events.Terminal(ctx, model.SessionPatch{
		Status:       model.Ptr(model.SessionStatusConfigurationError),
		ErrorMessage: model.Ptr(msg),
		AppendEvents: []model.Event{{
			Type:    model.EventTerminalError,
			Content: model.TextContent(msg),
		}},
		ExpectStatus: model.Ptr(model.SessionStatusPending),
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		metrics.IncRun(OutcomeRejected)
		return fmt.Errorf("%w: session %s", domain.ErrAlreadyStarted, r.id)
	}
	if err != nil {
		return fmt.Errorf("record configuration error: %w", err)
	}
	r.status = model.SessionStatusConfigurationError
	metrics.IncRun(OutcomeConfigurationError)
	r.log.Error().Err(cause).Msg("run refused: reasoning service configuration missing")
	return nil
}

// start claims the session with a compare-and-set on PENDING.
func (o *Orchestrator) start(ctx context.Context, r *run) error {
	err := r.events.Commit(ctx, model.SessionPatch{
		Status:       model.Ptr(model.SessionStatusProcessing),
		CurrentStage: model.Ptr(model.StageNotStarted),
		Progress:     model.Ptr(0),
		ExpectStatus: model.Ptr(model.SessionStatusPending),
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		metrics.IncRun(OutcomeRejected)
		r.log.Info().Msg("run rejected, session claimed concurrently")
		return fmt.Errorf("%w: session %s", domain.ErrAlreadyStarted, r.id)
	}
	if err != nil {
		return fmt.Errorf("claim session %s: %w", r.id, err)
	}
	r.status = model.SessionStatusProcessing
	r.progress = 0
	r.log.Info().Msg("run started")
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, def StageDefinition, req model.JobRequest) error {
	if !o.CanTransition(r.status, def.Status) {
		return &StageFailure{Stage: def.Name, Message: "the run failed unexpectedly", Err: fmt.Errorf("illegal transition %s -> %s", r.status, def.Status)}
	}
	r.stage = def.Name
	stageCtx := logging.WithStage(ctx, def.Name)

	// The stage status rides on the next write when the governor is busy.
	err := r.events.Hold(stageCtx, model.SessionPatch{
		Status:       model.Ptr(def.Status),
		CurrentStage: model.Ptr(def.Name),
		AppendEvents: []model.Event{{
			Type:      model.EventStageStart,
			StageName: def.Name,
			Content:   model.TextContent(fmt.Sprintf("starting %s", def.Name)),
		}},
	})
	if err != nil {
		return persistFailure(def.Name, err)
	}
	r.status = def.Status

	sc := &StageContext{
		SessionID: r.id,
		Request:   req,
		stage:     def.Name,
		payload:   r.payload,
		events:    r.events,
		invoker:   o.invoker,
	}
	frag, sf := o.runner.Run(stageCtx, def, sc)
	if sf != nil {
		return sf
	}

	if def.Checkpoint < r.progress {
		return &StageFailure{Stage: def.Name, Message: "the run failed unexpectedly", Err: fmt.Errorf("progress would drop %d -> %d", r.progress, def.Checkpoint)}
	}
	keys := make([]string, 0, len(frag))
	for k, v := range frag {
		r.payload[k] = v
		keys = append(keys, k)
	}
	err = r.events.Commit(stageCtx, model.SessionPatch{
		Progress:     model.Ptr(def.Checkpoint),
		PayloadMerge: frag,
		AppendEvents: []model.Event{{
			Type:      model.EventStageResult,
			StageName: def.Name,
			Content: model.JSONContent(map[string]any{
				"progress": def.Checkpoint,
				"keys":     keys,
			}),
		}},
	})
	if err != nil {
		return persistFailure(def.Name, err)
	}
	r.progress = def.Checkpoint
	r.log.Info().Str("stage", def.Name).Int("progress", r.progress).Msg("stage completed")
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	err := r.events.Terminal(ctx, model.SessionPatch{
		Status:       model.Ptr(model.SessionStatusCompleted),
		CurrentStage: model.Ptr(model.StageFinalizing),
		Progress:     model.Ptr(100),
		AppendEvents: []model.Event{{
			Type:    model.EventTerminalSuccess,
			Content: model.TextContent("proposal documents are ready"),
		}},
	})
	if err != nil {
		return o.fail(ctx, r, persistFailure(model.StageFinalizing, err))
	}
	r.status = model.SessionStatusCompleted
	r.progress = 100
	metrics.IncRun(OutcomeCompleted)
	r.log.Info().Msg("run completed")
	return nil
}

// fail records ERROR with the failure message. When the run budget is
// already spent nothing can be written and the session keeps its last
// persisted state.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) error {
	sf := AsStageFailure(r.stage, cause)
	metrics.IncRun(OutcomeError)

	if ctx.Err() != nil {
		r.log.Error().Err(sf).Str("stage", r.stage).Msg("run budget exhausted, leaving last persisted state")
		return sf
	}
	if !o.CanTransition(r.status, model.SessionStatusError) {
		r.log.Error().Err(sf).Str("status", string(r.status)).Msg("run failed before claiming the session")
		return sf
	}

	content := map[string]any{"message": sf.Message}
	err := r.events.Terminal(ctx, model.SessionPatch{
		Status:       model.Ptr(model.SessionStatusError),
		ErrorMessage: model.Ptr(sf.Message),
		AppendEvents: []model.Event{{
			Type:      model.EventTerminalError,
			StageName: r.stage,
			Content:   model.JSONContent(content),
		}},
	})
	if err != nil {
		r.log.Error().Err(err).Msg("could not record run failure")
	} else {
		r.status = model.SessionStatusError
	}
	r.log.Error().Err(sf.Err).Str("stage", sf.Stage).Str("message", sf.Message).Msg("run failed")
	return sf
}

func persistFailure(stage string, err error) *StageFailure {
	return &StageFailure{Stage: stage, Message: "could not persist session progress", Err: err}
}

func lastSeq(events []model.Event) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Seq
}
