package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/repository"
	"proposal-pipeline/internal/infra/metrics"
	red "proposal-pipeline/internal/infra/redis"
)

var _ repository.RateSheetRepository = (*rateSheetRepoCacheDecorator)(nil)

const rateSheetsKey = "rate_sheets:all"

type rateSheetRepoCacheDecorator struct {
	inner repository.RateSheetRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

// NewRateSheetRepoCacheDecorator caches the full rate list in Redis. Every
// pipeline run reads it once in the cost stage.
func NewRateSheetRepoCacheDecorator(inner repository.RateSheetRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.RateSheetRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &rateSheetRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl, log: logger}
}

func (d *rateSheetRepoCacheDecorator) List(ctx context.Context, tx repository.Tx) ([]*model.RateSheet, error) {
	val, err := d.cache.Get(ctx, rateSheetsKey)
	if err == nil {
		var rates []*model.RateSheet
		if json.Unmarshal([]byte(val), &rates) == nil {
			metrics.IncCacheRequest("rate_sheets", "hit")
			return rates, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		d.log.Warn().Err(err).Msg("rate sheet cache read failed")
	}

	metrics.IncCacheRequest("rate_sheets", "miss")
	rates, err := d.inner.List(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(rates) > 0 {
		b, _ := json.Marshal(rates)
		if err := d.cache.Set(ctx, rateSheetsKey, b, d.ttl); err != nil {
			d.log.Warn().Err(err).Msg("rate sheet cache write failed")
		}
	}
	return rates, nil
}

// Upsert invalidates the cached list.
func (d *rateSheetRepoCacheDecorator) Upsert(ctx context.Context, tx repository.Tx, r *model.RateSheet) error {
	if err := d.inner.Upsert(ctx, tx, r); err != nil {
		return err
	}
	_ = d.cache.Del(ctx, rateSheetsKey)
	return nil
}
