// Package workerpool implements the bounded-concurrency task dispatcher
// (spec.md §4.7): a fixed set of worker goroutines, each its own plugin-VM
// execution context, fed from per-worker inbox channels and gated by an
// aggregate in-flight budget.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/posthog/ingest-core/internal/ids"
	"github.com/posthog/ingest-core/internal/model"
	"github.com/posthog/ingest-core/internal/processor"
	"github.com/posthog/ingest-core/internal/scheduler"
)

// Task kinds recognized by Submit (spec.md §6.1).
const (
	TaskProcessEvent  = "processEvent"
	TaskProcessEvents = "processEvents"
)

// ErrPoolClosed is returned by Submit once Close has been called.
var ErrPoolClosed = errors.New("workerpool: pool is closed")

// WorkerCrashedError reports that the worker executing a task terminated
// abnormally (spec.md §4.7: "fail in-flight tasks on that worker with
// WorkerCrashed").
type WorkerCrashedError struct {
	WorkerID int
	Reason   any
}

func (e *WorkerCrashedError) Error() string {
	return fmt.Sprintf("worker %d crashed: %v", e.WorkerID, e.Reason)
}

// Transform is the opaque plugin-VM hook (spec.md §1, §4.7): out of scope
// to implement, modeled only as the call signature the pool invokes with
// a timeout. A nil Transform means every event passes through unchanged.
type Transform func(ctx context.Context, event model.PluginEvent) (*model.PluginEvent, error)

// Task is {task, args} per spec.md §6.1.
type Task struct {
	Kind   string
	Event  *model.PluginEvent
	Events []model.PluginEvent
}

// Result is a task's outcome: Event/Events hold the plugin-transformed
// event(s) (nil entries for drops), Err is set on failure.
type Result struct {
	Event  *model.PluginEvent
	Events []*model.PluginEvent
	Err    error
}

type job struct {
	ctx      context.Context
	task     Task
	resultCh chan Result
}

type worker struct {
	id       int
	inbox    chan *job
	inFlight int32
	current  *job
}

// Pool is the Worker Pool.
type Pool struct {
	workers     []*worker
	sem         *scheduler.Semaphore
	transform   Transform
	proc        *processor.Processor
	taskTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Pool of concurrency workers, each with an inbox
// buffered to tasksPerWorker, gated by one semaphore sized to the
// aggregate budget concurrency*tasksPerWorker (spec.md §4.7, SPEC_FULL.md
// §4.7). taskTimeout <= 0 means no per-task deadline.
func New(concurrency, tasksPerWorker int, taskTimeout time.Duration, transform Transform, proc *processor.Processor) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if tasksPerWorker <= 0 {
		tasksPerWorker = 1
	}
	p := &Pool{
		sem:         scheduler.NewSemaphore(concurrency * tasksPerWorker),
		transform:   transform,
		proc:        proc,
		taskTimeout: taskTimeout,
	}
	for i := 0; i < concurrency; i++ {
		w := &worker{id: i, inbox: make(chan *job, tasksPerWorker)}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.runWorker(w)
	}
	return p
}

// Submit implements run_task: picks the least-loaded worker, queues the
// task, and blocks until it completes or ctx is done. Requests above the
// aggregate in-flight budget block on the semaphore, i.e. queue FIFO.
func (p *Pool) Submit(ctx context.Context, task Task) (Result, error) {
	if err := p.sem.Acquire(ctx); err != nil {
		return Result{}, err
	}

	j := &job{ctx: ctx, task: task, resultCh: make(chan Result, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.sem.Release()
		return Result{}, ErrPoolClosed
	}
	w := p.leastLoaded()
	select {
	case w.inbox <- j:
		atomic.AddInt32(&w.inFlight, 1)
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		p.sem.Release()
		return Result{}, ctx.Err()
	}

	select {
	case res := <-j.resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pool) leastLoaded() *worker {
	var best *worker
	bestLoad := int32(math.MaxInt32)
	for _, w := range p.workers {
		if load := atomic.LoadInt32(&w.inFlight); load < bestLoad {
			bestLoad = load
			best = w
		}
	}
	return best
}

// runWorker is a single worker's execution loop. A panic while processing
// a job fails that job with WorkerCrashedError and restarts the worker on
// a fresh goroutine without losing whatever remains queued in its inbox
// (spec.md §4.7: "On worker crash, restart and fail in-flight tasks on
// that worker").
func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			if w.current != nil {
				w.current.resultCh <- Result{Err: &WorkerCrashedError{WorkerID: w.id, Reason: r}}
				atomic.AddInt32(&w.inFlight, -1)
				p.sem.Release()
				w.current = nil
			}
			p.wg.Add(1)
			go p.runWorker(w)
		}
	}()

	for j := range w.inbox {
		w.current = j
		res := p.process(j.ctx, j.task)
		w.current = nil
		atomic.AddInt32(&w.inFlight, -1)
		p.sem.Release()
		j.resultCh <- res
	}
}

func (p *Pool) process(ctx context.Context, task Task) Result {
	if p.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
		defer cancel()
	}

	switch task.Kind {
	case TaskProcessEvent:
		if task.Event == nil {
			return Result{Err: fmt.Errorf("workerpool: processEvent task missing event")}
		}
		r := p.processOne(ctx, *task.Event)
		return Result{Event: r.Event, Err: r.Err}
	case TaskProcessEvents:
		out := make([]*model.PluginEvent, len(task.Events))
		for i, ev := range task.Events {
			r := p.processOne(ctx, ev)
			if r.Err != nil {
				return Result{Err: r.Err}
			}
			out[i] = r.Event
		}
		return Result{Events: out}
	default:
		return Result{Err: fmt.Errorf("workerpool: unrecognized task %q", task.Kind)}
	}
}

// processOne runs the plugin transform (if any) and, for events it does
// not drop, hands the result to the Event Processor.
func (p *Pool) processOne(ctx context.Context, event model.PluginEvent) Result {
	transformed := &event
	if p.transform != nil {
		t, err := p.transform(ctx, event)
		if err != nil {
			return Result{Err: err}
		}
		if t == nil {
			return Result{Event: nil}
		}
		transformed = t
	}

	eventUUID, err := ids.NewEventUUID()
	if err != nil {
		return Result{Err: err}
	}

	err = p.proc.ProcessEvent(ctx, processor.Input{
		DistinctID: transformed.DistinctID,
		IP:         transformed.IP,
		SiteURL:    transformed.SiteURL,
		Data:       *transformed,
		TeamID:     transformed.TeamID,
		Now:        transformed.Now,
		SentAt:     transformed.SentAt,
		EventUUID:  eventUUID.String(),
	})
	if err != nil {
		return Result{Err: err}
	}
	return Result{Event: transformed}
}

// Close implements destroy(): stops accepting new submissions, lets each
// worker drain whatever is already queued in its inbox, waits for
// in-flight work, then returns. ctx bounds how long to wait.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.inbox)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
