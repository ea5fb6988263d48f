package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
)

var _ repository.RateSheetRepository = (*rateSheetRepo)(nil)

type rateSheetRepo struct {
	pool *pgxpool.Pool
}

func NewRateSheetRepo(pool *pgxpool.Pool) *rateSheetRepo {
	return &rateSheetRepo{pool: pool}
}

func (r *rateSheetRepo) List(ctx context.Context, tx repository.Tx) ([]*model.RateSheet, error) {
	const q = `
SELECT role_id, hourly_rate::float8, updated_at
  FROM rate_sheets
 ORDER BY role_id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, fmt.Errorf("list rate sheets: %w", err)
	}
	defer rows.Close()

	var out []*model.RateSheet
	for rows.Next() {
		var rs model.RateSheet
		if err := rows.Scan(&rs.RoleID, &rs.HourlyRate, &rs.UpdatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &rs)
	}
	if rows.Err() != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return out, nil
}

func (r *rateSheetRepo) Upsert(ctx context.Context, tx repository.Tx, rs *model.RateSheet) error {
	if rs.RoleID == "" || rs.HourlyRate < 0 {
		return fmt.Errorf("%w: rate sheet needs a role and a non-negative rate", domain.ErrInvalidArgument)
	}
	rs.UpdatedAt = time.Now().UTC()
	const q = `
INSERT INTO rate_sheets (role_id, hourly_rate, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (role_id) DO UPDATE SET
  hourly_rate = EXCLUDED.hourly_rate,
  updated_at  = EXCLUDED.updated_at;`
	if _, err := execSQL(ctx, r.pool, tx, q, rs.RoleID, rs.HourlyRate, rs.UpdatedAt); err != nil {
		return fmt.Errorf("upsert rate sheet %s: %w", rs.RoleID, err)
	}
	return nil
}
