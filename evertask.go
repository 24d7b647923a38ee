// Package evertask is the public façade of the in-process background-task
// engine: it wires the dispatcher, scheduler, queue manager, worker pool and
// executor together with linear ownership (spec §9 "no back-pointers" — the
// engine owns scheduler, queues and worker pool; each worker borrows an
// executor; dispatcher holds references to both).
package evertask

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minisource/evertask/blacklist"
	"github.com/minisource/evertask/cancelreg"
	"github.com/minisource/evertask/clock"
	"github.com/minisource/evertask/config"
	"github.com/minisource/evertask/dispatcher"
	"github.com/minisource/evertask/executor"
	"github.com/minisource/evertask/idgen"
	"github.com/minisource/evertask/logging"
	"github.com/minisource/evertask/model"
	"github.com/minisource/evertask/monitor"
	"github.com/minisource/evertask/queue"
	"github.com/minisource/evertask/queuemgr"
	"github.com/minisource/evertask/recovery"
	"github.com/minisource/evertask/registry"
	"github.com/minisource/evertask/retry"
	"github.com/minisource/evertask/scheduler"
	"github.com/minisource/evertask/storage"
)

// Engine is the assembled task engine. Construct with New, register handlers,
// then Start; Stop drains/cancels in-flight work according to shutdown grace.
type Engine struct {
	cfg       *config.Config
	storage   storage.Storage
	registry  *registry.Registry
	queueMgr  *queuemgr.Manager
	scheduler scheduler.Runner
	workers   *workerPool
	executor  *executor.Executor
	dispatch  *dispatcher.Dispatcher
	monitor   *monitor.Publisher
	clock     clock.Clock
	idGen     idgen.Generator

	cancelEngine context.CancelFunc
	runWG        sync.WaitGroup
	started      bool
	mu           sync.Mutex
}

// New assembles an Engine from cfg and storage, wiring every named queue from
// cfg.Queues into its own bounded channel and routing table (spec §6 "queues
// [name] -> {maxParallelism, capacity, fullBehavior}").
func New(cfg *config.Config, store storage.Storage) *Engine {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if warnings := cfg.Validate(); len(warnings) > 0 {
		logger := logging.For("engine")
		for _, w := range warnings {
			logger.Warn(w)
		}
	}

	sysClock := clock.Clock(clock.System{})
	reg := registry.New()
	mon := monitor.New()
	cancelReg := cancelreg.New()
	bl := blacklist.New()

	queues := buildQueues(cfg)
	queueMgr := queuemgr.New(queues, store)

	idGen := idgen.Generator(idgen.TimeOrdered)

	e := &Engine{
		cfg:      cfg,
		storage:  store,
		registry: reg,
		queueMgr: queueMgr,
		monitor:  mon,
		clock:    sysClock,
		idGen:    idGen,
		workers:  newWorkerPool(),
	}

	// The scheduler's FireFunc and the executor's Reschedule each need a
	// reference to the other side of the engine; both are satisfied by a
	// closure over e constructed before e's own scheduler/executor fields
	// are assigned, avoiding a real back-pointer field on either package
	// (spec §9 "wire through interfaces at construction time").
	fire := func(ctx context.Context, taskID string) {
		e.fireDue(ctx, taskID)
	}
	var sched scheduler.Runner
	if cfg.ShardedSchedulerShards > 1 {
		sched = scheduler.NewSharded(cfg.ShardedSchedulerShards, fire, sysClock.Now)
	} else {
		sched = scheduler.New(fire, sysClock.Now)
	}
	e.scheduler = sched

	exec := &executor.Executor{
		Registry:  reg,
		Storage:   store,
		CancelReg: cancelReg,
		Blacklist: bl,
		Monitor:   mon,
		Clock:     sysClock,
		Config: executor.Config{
			DefaultRetryPolicy:     cfg.DefaultRetryPolicy,
			DefaultTimeout:         cfg.DefaultTimeout,
			ThrowIfUnableToPersist: cfg.ThrowIfUnableToPersist,
		},
		Reschedule: func(taskID string, due time.Time) {
			e.scheduler.Schedule(taskID, due)
		},
	}
	e.executor = exec

	e.dispatch = &dispatcher.Dispatcher{
		Registry:  reg,
		Storage:   store,
		QueueMgr:  queueMgr,
		Scheduler: sched,
		CancelReg: cancelReg,
		Blacklist: bl,
		Monitor:   mon,
		IDGen:     idGen,
		Clock:     sysClock,
		Config:    dispatcher.Config{ThrowIfUnableToPersist: cfg.ThrowIfUnableToPersist},
	}

	return e
}

func buildQueues(cfg *config.Config) map[string]*queue.Queue {
	queues := make(map[string]*queue.Queue)
	for _, q := range cfg.Queues {
		capacity := q.Capacity
		if capacity < 1 {
			capacity = cfg.ChannelCapacity
		}
		queues[q.Name] = queue.New(q.Name, capacity, q.Behavior)
	}
	if _, ok := queues[queuemgr.DefaultQueueName]; !ok {
		queues[queuemgr.DefaultQueueName] = queue.New(queuemgr.DefaultQueueName, cfg.ChannelCapacity, queue.Wait)
	}
	return queues
}

// fireDue is the scheduler's FireFunc: hand the now-due task off to the queue
// manager. It runs on the scheduler's own goroutine, so the handoff itself
// must not block indefinitely; a Wait-policy queue under sustained back-
// pressure will still stall the scheduler loop by design (spec §4.3 notes
// this is a scalar-throughput concern, addressed by sharding, not a
// correctness one).
func (e *Engine) fireDue(ctx context.Context, taskID string) {
	task, err := e.storage.Get(ctx, taskID)
	if err != nil {
		logging.For("engine").WithError(err).WithField("task", taskID).
			Warn("scheduler fired for task no longer in storage")
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	if err := e.queueMgr.Enqueue(ctx, task); err != nil {
		logging.For("engine").WithError(err).WithField("task", taskID).Warn("failed to enqueue due task")
	}
}

// RegisterHandler associates requestType with factory and an optional
// per-handler HandlerConfig (retry policy, timeout, queue routing override).
func (e *Engine) RegisterHandler(requestType string, factory model.Factory, cfg model.HandlerConfig) {
	e.registry.Register(requestType, factory, cfg)
}

// Dispatch submits a new (or deduplicated, if opts.TaskKey is set) task and
// returns its id.
func (e *Engine) Dispatch(ctx context.Context, requestType string, request model.TaskRequest, opts dispatcher.Options) (string, error) {
	return e.dispatch.Dispatch(ctx, requestType, request, opts)
}

// Cancel requests cancellation of taskID, per spec §4.1.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	return e.dispatch.Cancel(ctx, taskID)
}

// DefaultRetryPolicy exposes the engine-wide retry default, mostly useful for
// tests asserting on configuration wiring.
func (e *Engine) DefaultRetryPolicy() retry.Policy {
	return e.cfg.DefaultRetryPolicy
}

// Start runs the recovery loop, then launches the scheduler and one worker
// fan-out per queue (spec §6 "start() performs recovery, launches scheduler
// (s) and worker pools").
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("evertask: engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelEngine = cancel
	e.mu.Unlock()

	rec := &recovery.Recovery{
		Storage:   e.storage,
		Scheduler: e.scheduler,
		QueueMgr:  e.queueMgr,
		Monitor:   e.monitor,
		Clock:     e.clock,
		PageSize:  e.cfg.RecoveryPageSize,
	}
	if err := rec.Run(runCtx); err != nil {
		return fmt.Errorf("evertask: recovery failed: %w", err)
	}

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.scheduler.Run(runCtx)
	}()

	parallelismByQueue := make(map[string]int, len(e.cfg.Queues))
	for _, qcfg := range e.cfg.Queues {
		parallelismByQueue[qcfg.Name] = qcfg.MaxParallelism
	}
	for name, q := range e.queueMgr.All() {
		parallelism := parallelismByQueue[name]
		if parallelism < 1 {
			parallelism = e.cfg.MaxDegreeOfParallelism
		}
		e.workers.spawn(runCtx, q, parallelism, e.executor.Run)
	}

	return nil
}

// Stop marks the executor as shutting down, cancels the engine's root
// context (interrupting every in-flight handler's linked token, per spec §5),
// and waits for the scheduler loop and worker consumers to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.executor.MarkShuttingDown()
	e.cancelEngine()

	done := make(chan struct{})
	go func() {
		e.runWG.Wait()
		e.workers.wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
