package memory

import (
	"context"
	"sort"
	"sync"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
)

var _ repository.RateSheetRepository = (*RateSheetRepo)(nil)

type RateSheetRepo struct {
	mu    sync.RWMutex
	rates map[string]model.RateSheet
}

func NewRateSheetRepo(seed ...model.RateSheet) *RateSheetRepo {
	r := &RateSheetRepo{rates: make(map[string]model.RateSheet, len(seed))}
	for _, s := range seed {
		r.rates[s.RoleID] = s
	}
	return r
}

func (r *RateSheetRepo) List(_ context.Context, _ repository.Tx) ([]*model.RateSheet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.RateSheet, 0, len(r.rates))
	for _, s := range r.rates {
		cp := s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

func (r *RateSheetRepo) Upsert(_ context.Context, _ repository.Tx, s *model.RateSheet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[s.RoleID] = *s
	return nil
}
