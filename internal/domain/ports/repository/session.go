package repository

import (
	"context"
	"time"

	"proposal-pipeline/internal/domain/model"
)

// SessionRepository is the durable, one-record-per-job session store.
type SessionRepository interface {
	// Create inserts a new session. Returns domain.ErrAlreadyExists on id collision.
	Create(ctx context.Context, tx Tx, s *model.Session) error
	// Get returns the session or domain.ErrNotFound.
	Get(ctx context.Context, tx Tx, id string) (*model.Session, error)
	// Update applies a merge-style partial write on the store side.
	// Returns domain.ErrNotFound when id is absent and domain.ErrStatusConflict
	// when patch.ExpectStatus does not match the stored status.
	Update(ctx context.Context, tx Tx, id string, patch model.SessionPatch) error
	// ListPending returns ids of sessions still PENDING whose updated_at is
	// before untouchedSince, least recently touched first.
	ListPending(ctx context.Context, tx Tx, untouchedSince time.Time, limit int) ([]string, error)
}
