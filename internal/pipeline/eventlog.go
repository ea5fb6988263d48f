package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/infra/metrics"
)

// Clock returns the current time. Tests inject a simulated one.
type Clock func() time.Time

// Write triggers, used as metric labels.
const (
	writeGoverned  = "governed"
	writeForced    = "forced"
	writeTerminal  = "terminal"
	writeScheduled = "scheduled"
)

// scheduledWriteTimeout bounds a write fired by the flush timer.
const scheduledWriteTimeout = 5 * time.Second

type stopper interface {
	Stop() bool
}

func timeAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// EventLog is the per-run, append-only event buffer of one session.
// Appends are persisted through SessionRepository.Update at most once per
// write interval; events arriving faster wait in the buffer and go out with
// the next permitted or forced write. Nothing is dropped and append order
// is kept. A held patch waits the same way and goes out underneath the
// next write.
type EventLog struct {
	mu        sync.Mutex
	sessionID string
	store     repository.SessionRepository
	governor  *rate.Limiter
	now       Clock
	entropy   io.Reader
	seq       int64
	pending   []model.Event
	held      model.SessionPatch
	timer     stopper
	afterFunc func(time.Duration, func()) stopper
	log       *zerolog.Logger
}

// NewEventLog starts a log whose next event gets sequence lastSeq+1.
func NewEventLog(sessionID string, lastSeq int64, store repository.SessionRepository, interval time.Duration, now Clock, logger *zerolog.Logger) *EventLog {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = time.Second
	}
	l := logger.With().Str("component", "eventlog").Str("session_id", sessionID).Logger()
	return &EventLog{
		sessionID: sessionID,
		store:     store,
		governor:  rate.NewLimiter(rate.Every(interval), 1),
		now:       now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
		seq:       lastSeq,
		afterFunc: timeAfterFunc,
		log:       &l,
	}
}

// Append stamps ev and buffers it, writing the buffer out when the
// governor allows.
func (e *EventLog) Append(ctx context.Context, ev model.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stamp(&ev)
	e.pending = append(e.pending, ev)
	if !e.governor.AllowN(e.now(), 1) {
		metrics.IncEventBuffered()
		return nil
	}
	return e.write(ctx, model.SessionPatch{}, writeGoverned)
}

// AppendSoon is Append for events a reader should not wait a whole stage
// to see. When the governor refuses, a one-shot flush is armed for the
// moment the next token frees up.
func (e *EventLog) AppendSoon(ctx context.Context, ev model.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stamp(&ev)
	e.pending = append(e.pending, ev)
	now := e.now()
	if e.governor.AllowN(now, 1) {
		return e.write(ctx, model.SessionPatch{}, writeGoverned)
	}
	metrics.IncEventBuffered()
	if e.timer != nil {
		return nil
	}
	r := e.governor.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	bg := context.WithoutCancel(ctx)
	e.timer = e.afterFunc(delay, func() { e.flushScheduled(bg) })
	return nil
}

func (e *EventLog) flushScheduled(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, scheduledWriteTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.timer = nil
	if len(e.pending) == 0 && e.held.IsEmpty() {
		return
	}
	e.governor.AllowN(e.now(), 1)
	if err := e.write(ctx, model.SessionPatch{}, writeScheduled); err != nil {
		e.log.Warn().Err(err).Msg("scheduled event flush failed")
	}
}

// Hold keeps patch for the next write instead of spending one on it,
// unless the governor has a token free. Later holds override earlier ones
// field by field. A compare-and-set patch is never held.
func (e *EventLog) Hold(ctx context.Context, patch model.SessionPatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.absorb(&patch)
	if patch.ExpectStatus != nil {
		e.governor.AllowN(e.now(), 1)
		return e.write(ctx, patch, writeForced)
	}
	if e.governor.AllowN(e.now(), 1) {
		return e.write(ctx, patch, writeGoverned)
	}
	e.held = overlay(e.held, patch)
	return nil
}

// Buffer stamps ev and holds it for the next write without trying to persist.
func (e *EventLog) Buffer(ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stamp(&ev)
	e.pending = append(e.pending, ev)
}

// Commit persists patch together with every buffered event in one write.
// Events in patch.AppendEvents are stamped and go after the buffered ones.
// The write always happens; it consumes a governor token when one is free
// so event-only writes stay spaced out behind it.
func (e *EventLog) Commit(ctx context.Context, patch model.SessionPatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.absorb(&patch)
	e.governor.AllowN(e.now(), 1)
	return e.write(ctx, patch, writeForced)
}

// Terminal persists the final patch with the buffered events, ignoring the governor.
func (e *EventLog) Terminal(ctx context.Context, patch model.SessionPatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.absorb(&patch)
	return e.write(ctx, patch, writeTerminal)
}

// Flush writes out buffered events and the held patch, if any.
func (e *EventLog) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 && e.held.IsEmpty() {
		return nil
	}
	e.governor.AllowN(e.now(), 1)
	return e.write(ctx, model.SessionPatch{}, writeForced)
}

// Pending returns how many events are waiting for a write.
func (e *EventLog) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// LastSeq returns the sequence number of the last appended event.
func (e *EventLog) LastSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

func (e *EventLog) stamp(ev *model.Event) {
	e.seq++
	ev.Seq = e.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	if ev.ID == "" {
		id, err := ulid.New(ulid.Timestamp(ev.Timestamp), e.entropy)
		if err != nil {
			id = ulid.Make()
		}
		ev.ID = id.String()
	}
}

func (e *EventLog) absorb(patch *model.SessionPatch) {
	for _, ev := range patch.AppendEvents {
		e.stamp(&ev)
		e.pending = append(e.pending, ev)
	}
	patch.AppendEvents = nil
}

// overlay returns base with every field set in top written over it.
// Payload keys are merged.
func overlay(base, top model.SessionPatch) model.SessionPatch {
	out := base
	if top.Status != nil {
		out.Status = top.Status
	}
	if top.CurrentStage != nil {
		out.CurrentStage = top.CurrentStage
	}
	if top.Progress != nil {
		out.Progress = top.Progress
	}
	if top.ErrorMessage != nil {
		out.ErrorMessage = top.ErrorMessage
	}
	if len(top.PayloadMerge) > 0 {
		merged := make(map[string]json.RawMessage, len(base.PayloadMerge)+len(top.PayloadMerge))
		for k, v := range base.PayloadMerge {
			merged[k] = v
		}
		for k, v := range top.PayloadMerge {
			merged[k] = v
		}
		out.PayloadMerge = merged
	}
	out.AppendEvents = top.AppendEvents
	out.ExpectStatus = top.ExpectStatus
	return out
}

// write must be called with mu held. On failure the buffer and the held
// patch are kept so a later write can carry them.
func (e *EventLog) write(ctx context.Context, patch model.SessionPatch, trigger string) error {
	patch = overlay(e.held, patch)
	if len(e.pending) > 0 {
		patch.AppendEvents = append([]model.Event(nil), e.pending...)
	}
	if patch.IsEmpty() {
		return nil
	}
	if err := e.store.Update(ctx, nil, e.sessionID, patch); err != nil {
		return fmt.Errorf("persist session %s: %w", e.sessionID, err)
	}
	metrics.IncEventLogWrite(trigger)
	e.log.Trace().Str("trigger", trigger).Int("events", len(e.pending)).Msg("session write")
	e.pending = e.pending[:0:0]
	e.held = model.SessionPatch{}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return nil
}
