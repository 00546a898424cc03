package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/nzbengine/internal/action"
	"github.com/datallboy/nzbengine/internal/cmdlist"
	"github.com/datallboy/nzbengine/internal/nntp"
)

// batch is one cmdlist travelling between servers until it is complete or
// nobody can improve it any more.
type batch struct {
	cl       *cmdlist.CmdList
	taskID   string
	tried    map[string]bool
	attempts int

	// download jobs only
	file  *fileState
	first int
	count int
}

func newBatch(cl *cmdlist.CmdList) *batch {
	return &batch{cl: cl, taskID: ksuid.New().String(), tried: make(map[string]bool)}
}

// job is the part of a run that knows what the results mean.
type job interface {
	// finalize receives a batch that won't be executed again.
	finalize(r *runner, b *batch)
	// handle takes completions of actions the job submitted itself.
	handle(r *runner, a action.Action) bool
	// idle reports whether the job waits for none of its own actions.
	idle() bool
}

type runner struct {
	e         *Engine
	job       job
	perServer int
	pending   []*batch
	wake      chan *conn
	stopping  bool
	err       error
}

// run executes batches until every one of them was finalized and the job
// has no actions left in the pool. perServer limits the connections a
// server gets for this job, 0 means max_connections.
func (e *Engine) run(ctx context.Context, j job, batches []*batch, perServer int) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	r := &runner{
		e:         e,
		job:       j,
		perServer: perServer,
		pending:   batches,
		wake:      make(chan *conn, e.TotalCapacity()+1),
	}
	defer r.reset()

	done := ctx.Done()
	for {
		if !r.stopping {
			r.sweep()
			r.dispatch()
		}
		if r.finished() {
			break
		}

		select {
		case a := <-e.events:
			r.complete(a)
		case c := <-r.wake:
			c.waiting = false
		case <-done:
			done = nil
			r.stop()
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return r.err
}

// submit only fails once the pool is shut down, the run stops then.
func (r *runner) submit(a action.Action) bool {
	if err := r.e.submit(a); err != nil {
		if r.err == nil {
			r.err = err
		}
		r.stopping = true
		return false
	}
	return true
}

func (r *runner) busy() bool {
	for _, s := range r.e.servers {
		for _, c := range s.conns {
			if c.busy {
				return true
			}
		}
	}
	return false
}

func (r *runner) finished() bool {
	if r.busy() || !r.job.idle() {
		return false
	}
	return r.stopping || len(r.pending) == 0
}

// eligible reports whether s should get b next. Servers are tried in
// priority order, servers sharing a priority share the work. Once every
// usable server had a go, any of them may refill.
func (r *runner) eligible(b *batch, s *server) bool {
	if s.disabled {
		return false
	}
	untried := false
	for _, o := range r.e.servers {
		if o.disabled || b.tried[o.cfg.ID] {
			continue
		}
		untried = true
		if o.cfg.Priority < s.cfg.Priority {
			return false
		}
	}
	if !untried {
		return true
	}
	return !b.tried[s.cfg.ID]
}

func (r *runner) usable() bool {
	for _, s := range r.e.servers {
		if !s.disabled {
			return true
		}
	}
	return false
}

// sweep finalizes batches that are done or out of options.
func (r *runner) sweep() {
	usable := r.usable()
	kept := r.pending[:0]
	for _, b := range r.pending {
		limit := b.cl.MaxRounds()
		if b.cl.Complete() || b.cl.Rounds() >= limit || b.attempts >= limit || !usable {
			r.job.finalize(r, b)
			continue
		}
		kept = append(kept, b)
	}
	r.pending = kept

	if !usable && r.err == nil {
		r.err = ErrNoServers
	}
}

func (r *runner) take(s *server) *batch {
	for i, b := range r.pending {
		if r.eligible(b, s) {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return b
		}
	}
	return nil
}

func (r *runner) limit(s *server) int {
	if r.perServer > 0 && r.perServer < s.cfg.MaxConnection {
		return r.perServer
	}
	return s.cfg.MaxConnection
}

// dispatch hands pending batches to idle connections and brings up more
// connections while there is work they could do.
func (r *runner) dispatch() {
	for _, s := range r.e.servers {
		if s.disabled {
			continue
		}
		want := 0
		for _, b := range r.pending {
			if r.eligible(b, s) {
				want++
			}
		}

		for _, c := range s.conns {
			if want == 0 {
				break
			}
			if c.ready && !c.busy {
				r.execute(c, r.take(s))
				want--
			}
		}

		for _, c := range s.conns {
			if want == 0 {
				break
			}
			switch {
			case c.waiting, c.busy && c.batch == nil:
				want--
			case !c.ready && !c.busy:
				r.connect(c)
				want--
			}
		}

		for want > 0 && len(s.conns) < r.limit(s) {
			r.connect(r.e.newConn(s))
			want--
		}
	}
}

func (r *runner) connect(c *conn) {
	c.busy = r.submit(c.Connect(c.srv.spec))
}

func (r *runner) execute(c *conn, b *batch) {
	b.attempts++
	if !r.submit(c.Execute(b.cl, b.taskID)) {
		r.pending = append(r.pending, b)
		return
	}
	c.busy = true
	c.batch = b
}

func (r *runner) complete(a action.Action) {
	if r.job.handle(r, a) {
		return
	}

	c := r.e.conn(a.Owner())
	if c == nil {
		r.e.log.Warn("engine: completion for unknown owner %d: %s", a.Owner(), a.Describe())
		return
	}

	out := c.Complete(a)
	switch out.Kind {
	case action.Next:
		c.busy = r.submit(out.Next)
	case action.Done:
		c.busy = false
		c.ready = c.State() == nntp.ConnIdle
		c.retries = 0
		if b := c.batch; b != nil {
			c.batch = nil
			b.tried[c.srv.cfg.ID] = true
			r.pending = append(r.pending, b)
		}
	case action.Failed:
		c.busy = false
		c.ready = false
		if b := c.batch; b != nil {
			c.batch = nil
			r.pending = append(r.pending, b)
		}
		r.fail(c, out.Err)
	}
}

// fail applies the connection error policy.
func (r *runner) fail(c *conn, err error) {
	s := c.srv
	kind, _ := nntp.KindOf(err)
	switch kind {
	case nntp.ErrAuthenticationRejected, nntp.ErrNoPermission:
		r.disable(s, err)
		return
	case nntp.ErrInterrupted:
		return
	}

	if r.stopping || s.disabled {
		return
	}
	retries := r.e.cfg.Download.Retries
	if c.retries >= retries {
		r.disable(s, fmt.Errorf("giving up after %d retries: %w", retries, err))
		return
	}

	c.retries++
	// Calculate backoff: 2s, 4s, 8s...
	delay := r.e.backoff << (c.retries - 1)
	r.e.log.Warn("[Retry] %s connection %d: attempt %d/%d in %s - Error: %v",
		s.cfg.ID, c.ID(), c.retries, retries, delay, err)

	c.waiting = true
	wake := r.wake
	time.AfterFunc(delay, func() { wake <- c })
}

func (r *runner) disable(s *server, err error) {
	if s.disabled {
		return
	}
	r.e.log.Warn("[Failover] server %s disabled: %v", s.cfg.ID, err)
	r.e.disable(s, err)
	for _, c := range s.conns {
		if c.ready && !c.busy {
			c.ready = false
			c.busy = r.submit(c.Disconnect())
		}
	}
}

// stop cancels everything in flight. Completions still arrive and get
// accounted for, nothing new is started.
func (r *runner) stop() {
	r.stopping = true
	for _, s := range r.e.servers {
		for _, c := range s.conns {
			if b := c.batch; b != nil {
				b.cl.Cancel()
			}
			if c.busy {
				c.Cancel()
			}
		}
	}
}

// reset forgets pending reconnect timers, their wake ups go to a channel
// nobody reads any more.
func (r *runner) reset() {
	for _, s := range r.e.servers {
		for _, c := range s.conns {
			c.waiting = false
		}
	}
}
