// Package workerpool runs a fixed number of long-lived consumer goroutines
// per named queue, each pulling ready items and handing them to the
// executor (spec §4.4/§4.5). This generalizes the teacher's single implicit
// worker pool to N named queues, each with its own parallelism degree.
package workerpool

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/minisource/evertask/logging"
	"github.com/minisource/evertask/queue"
)

// Handler is invoked once per dequeued item. It must not panic; the pool
// recovers around it regardless, logging and moving on to the next item.
type Handler func(ctx context.Context, item queue.Item)

// Pool runs Parallelism consumer goroutines per queue.
type Pool struct {
	wg sync.WaitGroup
}

// New creates an empty Pool.
func New() *Pool {
	return &Pool{}
}

// Spawn launches parallelism consumer goroutines over q, each invoking
// handle for every dequeued item until ctx is cancelled or q's channel is
// closed.
func (p *Pool) Spawn(ctx context.Context, q *queue.Queue, parallelism int, handle Handler) {
	if parallelism < 1 {
		parallelism = 1
	}
	logger := logging.For("workerpool").WithField("queue", q.Name)
	for i := 0; i < parallelism; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			workerLog := logger.WithField("worker", worker)
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-q.Chan():
					if !ok {
						return
					}
					runSafely(ctx, workerLog, handle, item)
				}
			}
		}(i)
	}
}

// runSafely invokes handle with a recover() guard so a panicking handler
// (e.g. a bug in the executor's own glue code, not the user handler, which
// the executor already isolates) never brings down a consumer goroutine.
func runSafely(ctx context.Context, logger *logrus.Entry, handle Handler, item queue.Item) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).WithField("task", item.Task.ID).
				Error("worker pool consumer panicked")
		}
	}()
	handle(ctx, item)
}

// Wait blocks until every spawned consumer goroutine has exited (ctx
// cancelled or channel closed).
func (p *Pool) Wait() {
	p.wg.Wait()
}
