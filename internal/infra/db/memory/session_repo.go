// Package memory holds in-process repository implementations used in dev
// mode and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
)

var _ repository.SessionRepository = (*SessionRepo)(nil)

// SessionRepo keeps sessions in a map. Reads and writes go through deep
// copies so callers never share state with the store.
type SessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	now      func() time.Time
}

func NewSessionRepo() *SessionRepo {
	return &SessionRepo{sessions: make(map[string]*model.Session), now: time.Now}
}

// WithClock sets the clock used for updated_at.
func (r *SessionRepo) WithClock(now func() time.Time) *SessionRepo {
	r.now = now
	return r
}

func (r *SessionRepo) Create(_ context.Context, _ repository.Tx, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, domain.ErrAlreadyExists)
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *SessionRepo) Get(_ context.Context, _ repository.Tx, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return s.Clone(), nil
}

func (r *SessionRepo) Update(_ context.Context, _ repository.Tx, id string, patch model.SessionPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if patch.ExpectStatus != nil && s.Status != *patch.ExpectStatus {
		return fmt.Errorf("session %s is %s, want %s: %w", id, s.Status, *patch.ExpectStatus, domain.ErrStatusConflict)
	}
	patch.Apply(s, r.now().UTC())
	return nil
}

func (r *SessionRepo) ListPending(_ context.Context, _ repository.Tx, untouchedSince time.Time, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Session
	for _, s := range r.sessions {
		if s.Status == model.SessionStatusPending && s.UpdatedAt.Before(untouchedSince) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	ids := make([]string, 0, len(out))
	for _, s := range out {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}
