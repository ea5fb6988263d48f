package repository

import (
	"context"

	"proposal-pipeline/internal/domain/model"
)

type RateSheetRepository interface {
	// List returns every role rate, ordered by role id.
	List(ctx context.Context, tx Tx) ([]*model.RateSheet, error)
	// Upsert inserts or replaces a role rate.
	Upsert(ctx context.Context, tx Tx, r *model.RateSheet) error
}
