package action

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolShutdown is returned when submitting to a pool that was shut down.
var ErrPoolShutdown = errors.New("thread pool is shut down")

// Worker is a goroutine with a private action queue. The fixed workers are
// created with the pool, helper workers come from Allocate.
type Worker struct {
	id     int
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Action
	run    bool
	inUse  bool
	helper bool
	done   chan struct{}
}

// ID returns the worker index. Fixed workers are numbered first.
func (w *Worker) ID() int { return w.id }

func newWorker(id int, helper bool) *Worker {
	w := &Worker{
		id:     id,
		run:    true,
		helper: helper,
		done:   make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// push queues a and reports false when the worker was already stopped.
func (w *Worker) push(a Action) bool {
	w.mu.Lock()
	if !w.run {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, a)
	w.mu.Unlock()
	w.cond.Signal()
	return true
}

// stop asks the loop to exit and returns how many queued actions were dropped.
func (w *Worker) stop() int {
	w.mu.Lock()
	w.run = false
	dropped := len(w.queue)
	w.queue = nil
	w.mu.Unlock()
	w.cond.Broadcast()
	return dropped
}

// Stats is a snapshot of the pool for status reporting.
type Stats struct {
	Workers        int   `json:"workers"`
	Helpers        int   `json:"helpers"`
	HelpersInUse   int   `json:"helpers_in_use"`
	QueuedActions  int64 `json:"queued_actions"`
	CompletedTotal int64 `json:"completed_total"`
}

// ThreadPool runs actions on a fixed set of workers. Routing depends on the
// action affinity: AnyThread goes round robin, SingleThread goes to
// worker[owner % size] which serializes everything belonging to one owner.
type ThreadPool struct {
	onComplete func(Action)

	fixed      []*Worker
	roundRobin atomic.Uint64
	queueSize  atomic.Int64
	completed  atomic.Int64
	closed     atomic.Bool

	mu      sync.Mutex
	helpers []*Worker
}

// NewThreadPool starts size workers. onComplete is invoked on the worker
// goroutine after every action finishes; it may be nil.
func NewThreadPool(size int, onComplete func(Action)) *ThreadPool {
	if size <= 0 {
		size = 1
	}

	p := &ThreadPool{onComplete: onComplete}
	for i := 0; i < size; i++ {
		w := newWorker(i, false)
		p.fixed = append(p.fixed, w)
		go p.loop(w)
	}
	return p
}

// Size returns the number of fixed workers.
func (p *ThreadPool) Size() int { return len(p.fixed) }

// Submit enqueues the action on the worker selected by its affinity.
func (p *ThreadPool) Submit(a Action) error {
	if p.closed.Load() {
		return ErrPoolShutdown
	}

	n := uint64(len(p.fixed))

	var w *Worker
	if a.Affinity() == SingleThread {
		w = p.fixed[a.Owner()%n]
	} else {
		w = p.fixed[(p.roundRobin.Add(1)-1)%n]
	}

	return p.enqueue(a, w)
}

// SubmitTo enqueues the action on a specific worker, typically a helper
// obtained from Allocate.
func (p *ThreadPool) SubmitTo(a Action, w *Worker) error {
	if p.closed.Load() {
		return ErrPoolShutdown
	}
	return p.enqueue(a, w)
}

// enqueue counts a before pushing it, a worker stopped by a concurrent
// Shutdown takes the count back.
func (p *ThreadPool) enqueue(a Action, w *Worker) error {
	p.queueSize.Add(1)
	if !w.push(a) {
		p.queueSize.Add(-1)
		return ErrPoolShutdown
	}
	return nil
}

// WaitAll blocks until every submitted action has completed or ctx is done.
func (p *ThreadPool) WaitAll(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for p.queueSize.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown stops every worker, fixed and helper, and waits for them to exit.
// Actions that are still queued are dropped without running.
func (p *ThreadPool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	all := make([]*Worker, 0, len(p.fixed)+len(p.helpers))
	all = append(all, p.fixed...)
	all = append(all, p.helpers...)
	p.mu.Unlock()

	for _, w := range all {
		if dropped := w.stop(); dropped > 0 {
			p.queueSize.Add(-int64(dropped))
		}
	}
	for _, w := range all {
		<-w.done
	}
}

// Allocate hands out a helper worker that doesn't share queues with the
// fixed pool. Idle helpers are reused before a new one is started.
func (p *ThreadPool) Allocate() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.helpers {
		if !w.inUse {
			w.inUse = true
			return w
		}
	}

	w := newWorker(len(p.fixed)+len(p.helpers), true)
	w.inUse = true
	p.helpers = append(p.helpers, w)
	go p.loop(w)
	return w
}

// Detach returns a helper to the idle list. The goroutine keeps running so
// the next Allocate can pick it up.
func (p *ThreadPool) Detach(w *Worker) {
	if w == nil || !w.helper {
		return
	}
	p.mu.Lock()
	w.inUse = false
	p.mu.Unlock()
}

func (p *ThreadPool) Stats() Stats {
	p.mu.Lock()
	helpers := len(p.helpers)
	inUse := 0
	for _, w := range p.helpers {
		if w.inUse {
			inUse++
		}
	}
	p.mu.Unlock()

	return Stats{
		Workers:        len(p.fixed),
		Helpers:        helpers,
		HelpersInUse:   inUse,
		QueuedActions:  p.queueSize.Load(),
		CompletedTotal: p.completed.Load(),
	}
}

func (p *ThreadPool) loop(w *Worker) {
	defer close(w.done)

	for {
		w.mu.Lock()
		for w.run && len(w.queue) == 0 {
			w.cond.Wait()
		}
		if !w.run {
			w.mu.Unlock()
			return
		}
		next := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		next.Perform()

		if p.onComplete != nil {
			p.onComplete(next)
		}

		p.completed.Add(1)
		p.queueSize.Add(-1)
	}
}
