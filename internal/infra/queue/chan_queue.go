// Package queue holds TaskQueue implementations.
package queue

import (
	"context"
	"sync"

	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/infra/metrics"
)

var _ adapter.TaskQueue = (*ChanQueue)(nil)

// ChanQueue is a bounded in-process queue. Tasks are lost on restart; the
// pending sweeper re-enqueues them from the session store.
type ChanQueue struct {
	ch   chan model.RunTask
	once sync.Once
	done chan struct{}
}

func NewChanQueue(size int) *ChanQueue {
	if size <= 0 {
		size = 256
	}
	return &ChanQueue{ch: make(chan model.RunTask, size), done: make(chan struct{})}
}

// Enqueue never blocks. A full buffer returns domain.ErrQueueFull and the
// session is left for the pending sweeper.
func (q *ChanQueue) Enqueue(ctx context.Context, task model.RunTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return domain.ErrQueueClosed
	default:
	}
	select {
	case q.ch <- task:
		metrics.IncQueueTask("enqueued")
		metrics.SetQueueDepth(int64(len(q.ch)))
		return nil
	default:
		metrics.IncQueueTask("rejected")
		return domain.ErrQueueFull
	}
}

func (q *ChanQueue) Dequeue(ctx context.Context) (*model.RunTask, error) {
	select {
	case t := <-q.ch:
		metrics.IncQueueTask("dequeued")
		metrics.SetQueueDepth(int64(len(q.ch)))
		return &t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, domain.ErrQueueClosed
	}
}

func (q *ChanQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close stops Enqueue and Dequeue. Buffered tasks are dropped.
func (q *ChanQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
