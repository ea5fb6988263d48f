package adapter

import (
	"context"

	"proposal-pipeline/internal/domain/model"
)

// TaskQueue decouples job submission from pipeline execution.
type TaskQueue interface {
	Enqueue(ctx context.Context, task model.RunTask) error
	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (*model.RunTask, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}
