package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
)

var _ repository.SessionRepository = (*sessionRepo)(nil)

const uniqueViolation = "23505"

type sessionRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewSessionRepo(pool *pgxpool.Pool) *sessionRepo {
	return &sessionRepo{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

func (r *sessionRepo) Create(ctx context.Context, tx repository.Tx, s *model.Session) error {
	req, err := json.Marshal(s.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	payload, err := marshalOr(s.Payload, "{}")
	if err != nil {
		return err
	}
	events, err := marshalOr(s.Events, "[]")
	if err != nil {
		return err
	}
	const q = `
INSERT INTO sessions (id, status, current_stage, progress, request, payload, events, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10);`
	_, err = execSQL(ctx, r.pool, tx, q,
		s.ID, string(s.Status), s.CurrentStage, s.Progress, string(req), payload, events, s.ErrorMessage, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("session %s: %w", s.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, tx repository.Tx, id string) (*model.Session, error) {
	const q = `
SELECT id, status, current_stage, progress, request, payload, events, error_message, created_at, updated_at
  FROM sessions
 WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var (
		s                    model.Session
		status               string
		req, payload, events []byte
	)
	if err := row.Scan(&s.ID, &status, &s.CurrentStage, &s.Progress, &req, &payload, &events, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	s.Status = model.SessionStatus(status)
	if err := json.Unmarshal(req, &s.Request); err != nil {
		return nil, fmt.Errorf("%w: request: %v", domain.ErrReadDatabaseRow, err)
	}
	if err := json.Unmarshal(payload, &s.Payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", domain.ErrReadDatabaseRow, err)
	}
	if err := json.Unmarshal(events, &s.Events); err != nil {
		return nil, fmt.Errorf("%w: events: %v", domain.ErrReadDatabaseRow, err)
	}
	if s.Payload == nil {
		s.Payload = map[string]json.RawMessage{}
	}
	return &s, nil
}

// Update merges the patch in one statement. Payload keys are merged with the
// jsonb || operator and events are appended to the stored array, so a writer
// never overwrites fields it did not set.
func (r *sessionRepo) Update(ctx context.Context, tx repository.Tx, id string, p model.SessionPatch) error {
	payload, err := marshalOr(p.PayloadMerge, "{}")
	if err != nil {
		return err
	}
	events, err := marshalOr(p.AppendEvents, "[]")
	if err != nil {
		return err
	}
	const q = `
UPDATE sessions SET
  status        = COALESCE($2, status),
  current_stage = COALESCE($3, current_stage),
  progress      = COALESCE($4, progress),
  error_message = COALESCE($5, error_message),
  payload       = payload || $6::jsonb,
  events        = events || $7::jsonb,
  updated_at    = $8
WHERE id = $1
  AND ($9::text IS NULL OR status = $9::text);`
	tag, err := execSQL(ctx, r.pool, tx, q,
		id,
		statusArg(p.Status),
		p.CurrentStage,
		intArg(p.Progress),
		p.ErrorMessage,
		payload,
		events,
		r.now(),
		statusArg(p.ExpectStatus),
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing matched: tell a missing row apart from a lost compare-and-set.
	row, err := pickRow(ctx, r.pool, tx, `SELECT status FROM sessions WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	var current string
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
	}
	return fmt.Errorf("%w: session %s is %s", domain.ErrStatusConflict, id, current)
}

func (r *sessionRepo) ListPending(ctx context.Context, tx repository.Tx, untouchedSince time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id
  FROM sessions
 WHERE status = 'PENDING' AND updated_at < $1
 ORDER BY updated_at ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, untouchedSince, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return ids, nil
}

func marshalOr[T any](v T, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal jsonb: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func statusArg(s *model.SessionStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func intArg(i *int) *int32 {
	if i == nil {
		return nil
	}
	v := int32(*i)
	return &v
}
