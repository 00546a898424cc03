package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/nzbengine/internal/action"
	"github.com/datallboy/nzbengine/internal/app"
	"github.com/datallboy/nzbengine/internal/cmdlist"
	"github.com/datallboy/nzbengine/internal/infra/config"
	"github.com/datallboy/nzbengine/internal/infra/logger"
	"github.com/datallboy/nzbengine/internal/nntp"
)

const (
	dialTimeout = 30 * time.Second
	readTimeout = 2 * time.Minute
	// room for every completion the pool can hand back at once
	eventBacklog = 1024
)

type Option func(*Engine)

// WithBackoff sets the delay before the first reconnect. Every further
// attempt doubles it.
func WithBackoff(base time.Duration) Option {
	return func(e *Engine) { e.backoff = base }
}

type server struct {
	cfg      config.ServerConfig
	spec     nntp.Spec
	conns    []*conn
	disabled bool
	reason   error
}

// conn is the coordinator's view of a connection. Only the coordinator
// touches these fields.
type conn struct {
	*nntp.Connection
	srv     *server
	ready   bool
	busy    bool
	waiting bool
	retries int
	batch   *batch
}

// Engine owns the thread pool and the connections to every server.
// Completed actions travel from the pool hook to a single coordinator,
// so connection bookkeeping never runs concurrently.
type Engine struct {
	cfg     *config.Config
	log     *logger.Logger
	app     *app.Context
	pool    *action.ThreadPool
	events  chan action.Action
	backoff time.Duration

	// one job at a time
	runMu sync.Mutex

	mu      sync.RWMutex
	servers []*server
	conns   map[uint64]*conn
	nextID  uint64
	started time.Time

	written atomic.Int64
	total   atomic.Int64
}

func New(ctx *app.Context, opts ...Option) (*Engine, error) {
	if len(ctx.Config.Servers) == 0 {
		return nil, errors.New("no servers configured")
	}

	e := &Engine{
		cfg:     ctx.Config,
		log:     ctx.Logger,
		app:     ctx,
		events:  make(chan action.Action, eventBacklog),
		backoff: 2 * time.Second,
		conns:   make(map[uint64]*conn),
	}
	for _, o := range opts {
		o(e)
	}

	for _, sc := range ctx.Config.Servers {
		e.servers = append(e.servers, &server{
			cfg: sc,
			spec: nntp.Spec{
				Host:        sc.Host,
				Port:        sc.Port,
				Username:    sc.Username,
				Password:    sc.Password,
				TLS:         sc.TLS,
				Pipelining:  sc.Pipelining,
				Compression: sc.Compression,
				Throttle:    ctx.Throttle,
				DialTimeout: dialTimeout,
				ReadTimeout: readTimeout,
			},
		})
	}

	// Sort servers by priority (lowest value first)
	sort.SliceStable(e.servers, func(i, j int) bool {
		return e.servers[i].cfg.Priority < e.servers[j].cfg.Priority
	})

	e.pool = action.NewThreadPool(ctx.Config.Engine.Threads, func(a action.Action) {
		e.events <- a
	})
	return e, nil
}

// TotalCapacity returns the maximum number of concurrent connections
// allowed across all configured servers.
func (e *Engine) TotalCapacity() int {
	total := 0
	for _, s := range e.servers {
		total += s.cfg.MaxConnection
	}
	return total
}

// rounds caps refills so every server gets at least one attempt.
func (e *Engine) rounds() cmdlist.Option {
	return cmdlist.WithMaxRounds(max(e.cfg.Download.MaxRounds, len(e.servers)))
}

func (e *Engine) newConn(s *server) *conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	c := &conn{Connection: nntp.NewConnection(e.nextID, e.log), srv: s}
	s.conns = append(s.conns, c)
	e.conns[c.ID()] = c
	return c
}

func (e *Engine) conn(id uint64) *conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conns[id]
}

func (e *Engine) disable(s *server, err error) {
	e.mu.Lock()
	s.disabled = true
	s.reason = err
	e.mu.Unlock()
}

// Status returns a snapshot of servers, connections and the pool. Safe to
// call from any goroutine.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{
		Pool:    e.pool.Stats(),
		Written: e.written.Load(),
		Total:   e.total.Load(),
	}
	for _, s := range e.servers {
		ss := ServerStatus{
			ID:       s.cfg.ID,
			Host:     s.cfg.Host,
			Priority: s.cfg.Priority,
			Disabled: s.disabled,
		}
		if s.reason != nil {
			ss.Reason = s.reason.Error()
		}
		for _, c := range s.conns {
			cs := ConnStatus{
				ID:       c.ID(),
				State:    c.State().String(),
				Task:     c.TaskID(),
				Bytes:    c.BytesTransferred(),
				Content:  c.ContentTransferred(),
				SpeedBps: c.CurrentSpeedBps(),
			}
			st.Bytes += cs.Bytes
			st.Content += cs.Content
			st.SpeedBps += cs.SpeedBps
			ss.Connections = append(ss.Connections, cs)
		}
		st.Servers = append(st.Servers, ss)
	}
	return st
}

// Test connects to every server, pings it and disconnects again.
func (e *Engine) Test(ctx context.Context) []TestResult {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	var results []TestResult
	for _, s := range e.servers {
		e.mu.Lock()
		e.nextID++
		c := &conn{Connection: nntp.NewConnection(e.nextID, e.log), srv: s}
		e.mu.Unlock()

		e.log.Info("Validating server: %s", s.cfg.ID)
		start := time.Now()
		err := e.drive(ctx, c, c.Connect(s.spec))
		if err == nil {
			err = e.drive(ctx, c, c.Ping())
		}
		res := TestResult{Server: s.cfg.ID, Latency: time.Since(start), Err: err}
		e.drive(context.Background(), c, c.Disconnect())

		if err != nil {
			e.log.Error("Server %s failed: %v", s.cfg.ID, err)
		} else {
			e.log.Info("Server %s ok (%s)", s.cfg.ID, res.Latency.Truncate(time.Millisecond))
		}
		results = append(results, res)
	}
	return results
}

// drive runs one action chain of c to its end. Only used while no job is
// running, so every completion belongs to c.
func (e *Engine) drive(ctx context.Context, c *conn, a action.Action) error {
	if err := e.pool.Submit(a); err != nil {
		return err
	}

	done := ctx.Done()
	for {
		select {
		case finished := <-e.events:
			out := c.Complete(finished)
			switch out.Kind {
			case action.Next:
				if err := e.pool.Submit(out.Next); err != nil {
					return err
				}
			case action.Done:
				return ctx.Err()
			default:
				return out.Err
			}
		case <-done:
			done = nil
			c.Cancel()
		}
	}
}

// Close disconnects every idle connection and stops the pool.
func (e *Engine) Close() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	pending := 0
	for _, s := range e.servers {
		for _, c := range s.conns {
			if c.ready && !c.busy {
				c.busy = true
				if err := e.pool.Submit(c.Disconnect()); err == nil {
					pending++
				}
			}
		}
	}

	timeout := time.After(5 * time.Second)
	for pending > 0 {
		select {
		case a := <-e.events:
			if c := e.conn(a.Owner()); c != nil {
				c.Complete(a)
				c.ready = false
				c.busy = false
			}
			pending--
		case <-timeout:
			e.log.Warn("engine: %d connections didn't disconnect in time", pending)
			pending = 0
		}
	}

	e.pool.Shutdown()
	return nil
}

func (e *Engine) submit(a action.Action) error {
	if err := e.pool.Submit(a); err != nil {
		return fmt.Errorf("submit %s: %w", a.Describe(), err)
	}
	return nil
}
