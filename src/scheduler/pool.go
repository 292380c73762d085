package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"scriptworker/src/logging"
	"scriptworker/src/task"
)

// ErrQueueFull is returned by Submit when the queue has no room. The
// caller decides whether to retry or reject upstream.
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pool is stopped")

// Pool is a bounded worker pool that runs submitted tasks. The pool only
// decides *when* Execute is called; what happens then is entirely the
// task's own state machine.
type Pool struct {
	workers int
	queue   chan *task.IsolatedTask

	// OnDone, if set, is called after each Execute attempt with the
	// task and the error Execute returned (nil, or ConflictError).
	OnDone func(t *task.IsolatedTask, err error)

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

// NewPool creates a pool with the given worker count and queue capacity.
func NewPool(workers, queueCapacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = workers
	}
	return &Pool{
		workers: workers,
		queue:   make(chan *task.IsolatedTask, queueCapacity),
	}
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
}

// Submit enqueues a task for execution. Non-blocking: a full queue is
// reported immediately as ErrQueueFull.
func (p *Pool) Submit(t *task.IsolatedTask) error {
	p.runningMu.RLock()
	defer p.runningMu.RUnlock()
	if !p.running {
		return ErrStopped
	}

	select {
	case p.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops accepting tasks and waits for in-flight runs to wind down.
// Queued tasks that never ran stay Scheduled; callers may still cancel
// them afterwards.
func (p *Pool) Stop() {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = false
	p.runningMu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			p.runOne(id, t)
		}
	}
}

// runOne executes a single task with panic containment so one bad run
// cannot take the worker down.
func (p *Pool) runOne(id int, t *task.IsolatedTask) {
	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("worker %d: panic while running task %s: %v", id, t.ID(), r), slog.LevelError)
		}
	}()

	err := t.Execute()
	if err != nil {
		// A conflict here means someone raced us to the task (double
		// submit, or cancel-before-start). The task is left consistent;
		// just account for it.
		logging.Log(fmt.Sprintf("worker %d: task %s not executed: %v", id, t.ID(), err), slog.LevelWarn)
	}

	if p.OnDone != nil {
		p.OnDone(t, err)
	}
}
