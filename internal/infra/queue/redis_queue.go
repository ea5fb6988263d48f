package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/infra/metrics"
)

var _ adapter.TaskQueue = (*RedisQueue)(nil)

// ListClient is the subset of *redis.Client a list-backed queue needs.
type ListClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// RedisQueue is a FIFO on a Redis list: LPUSH to enqueue, BRPOP to dequeue.
// It survives restarts of the API process and is shared by every worker.
type RedisQueue struct {
	cli    ListClient
	key    string
	poll   time.Duration
	closed atomic.Bool
	log    *zerolog.Logger
}

func NewRedisQueue(cli ListClient, key string, logger *zerolog.Logger) *RedisQueue {
	if key == "" {
		key = "pipeline:runs"
	}
	l := logger.With().Str("component", "redis_queue").Str("key", key).Logger()
	return &RedisQueue{cli: cli, key: key, poll: time.Second, log: &l}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task model.RunTask) error {
	if q.closed.Load() {
		return domain.ErrQueueClosed
	}
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal run task: %w", err)
	}
	n, err := q.cli.LPush(ctx, q.key, b).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.SessionID, err)
	}
	metrics.IncQueueTask("enqueued")
	metrics.SetQueueDepth(n)
	return nil
}

// Dequeue polls BRPOP in short rounds so Close and ctx cancellation are
// observed promptly.
func (q *RedisQueue) Dequeue(ctx context.Context) (*model.RunTask, error) {
	for {
		if q.closed.Load() {
			return nil, domain.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := q.cli.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP replies [key, value]
		if len(res) != 2 {
			continue
		}
		var task model.RunTask
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			metrics.IncQueueTask("dropped")
			q.log.Error().Err(err).Msg("dropping malformed run task")
			continue
		}
		metrics.IncQueueTask("dequeued")
		return &task, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.cli.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, err
	}
	metrics.SetQueueDepth(n)
	return n, nil
}

// Close only stops this handle; queued tasks stay in Redis.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
