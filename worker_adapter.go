package evertask

import (
	"context"

	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/queue"
	"github.com/minisource/evertask/workerpool"
)

// workerPool adapts workerpool.Pool's queue.Item-shaped Handler to the
// executor's task-shaped Run method, so the engine can spawn one consumer
// fan-out per named queue without workerpool importing executor (spec §9
// "ownership is linear ... each worker borrows an executor").
type workerPool struct {
	pool *workerpool.Pool
}

func newWorkerPool() *workerPool {
	return &workerPool{pool: workerpool.New()}
}

func (w *workerPool) spawn(ctx context.Context, q *queue.Queue, parallelism int, run func(ctx context.Context, task *model.PersistedTask)) {
	w.pool.Spawn(ctx, q, parallelism, func(ctx context.Context, item queue.Item) {
		run(ctx, item.Task)
	})
}

func (w *workerPool) wait() {
	w.pool.Wait()
}
