package nntp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/nzbengine/internal/action"
	"github.com/datallboy/nzbengine/internal/infra/logger"
)

const readChunk = 64 * 1024

// Throttle limits read bandwidth across connections.
type Throttle interface {
	Take(ctx context.Context, want int) (int, error)
}

// Spec describes how to reach and log into a server. It doesn't change for
// the lifetime of a connection.
type Spec struct {
	Host        string
	Port        int
	Username    string
	Password    string
	TLS         bool
	Pipelining  bool
	Compression bool
	Throttle    Throttle
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// ConnState is the lifecycle state shown on the status surface.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnResolving
	ConnConnecting
	ConnInitializing
	ConnIdle
	ConnExecuting
	ConnPinging
	ConnDisconnecting
	ConnError
)

func (s ConnState) String() string {
	switch s {
	case ConnResolving:
		return "resolving"
	case ConnConnecting:
		return "connecting"
	case ConnInitializing:
		return "initializing"
	case ConnIdle:
		return "idle"
	case ConnExecuting:
		return "executing"
	case ConnPinging:
		return "pinging"
	case ConnDisconnecting:
		return "disconnecting"
	case ConnError:
		return "error"
	default:
		return "disconnected"
	}
}

// Commands is a batch the connection can execute. Implemented by
// cmdlist.CmdList.
type Commands interface {
	NeedsToConfigure() bool
	SubmitConfigureCommand(i int, s *Session) bool
	ReceiveConfigureBuffer(i int, b *Buffer) bool
	SubmitDataCommands(s *Session) bool
	ReceiveDataBuffer(b *Buffer)
	IsCanceled() bool
}

// Connection owns one socket and its Session. All work happens in actions
// pinned to the connection id, so the socket is never used concurrently.
// The owner feeds every finished action back through Complete to learn what
// runs next.
type Connection struct {
	id  uint64
	log *logger.Logger

	mu     sync.Mutex
	spec   Spec
	state  ConnState
	ctx    context.Context
	cancel context.CancelFunc
	taskID string

	addr      string
	conn      net.Conn
	stopWatch func() bool
	session   *Session
	in        *Buffer
	sendErr   error

	bytes   atomic.Uint64
	content atomic.Uint64
	speed   atomic.Uint64

	windowStart time.Time
	windowBytes uint64
}

func NewConnection(id uint64, log *logger.Logger) *Connection {
	if log == nil {
		log = logger.Discard()
	}
	return &Connection{
		id:      id,
		log:     log,
		session: NewSession(),
		in:      NewBuffer(readChunk),
	}
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Username
}

func (c *Connection) Password() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Password
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TaskID returns the task whose batch is executing, if any.
func (c *Connection) TaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// BytesTransferred counts wire bytes in both directions.
func (c *Connection) BytesTransferred() uint64 { return c.bytes.Load() }

// ContentTransferred counts payload bytes delivered to command lists.
func (c *Connection) ContentTransferred() uint64 { return c.content.Load() }

// CurrentSpeedBps is the read rate over the last measurement window.
func (c *Connection) CurrentSpeedBps() uint64 { return c.speed.Load() }

// Connect starts the resolve, connect, initialize chain.
func (c *Connection) Connect(spec Spec) action.Action {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.spec = spec
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = ConnResolving
	c.mu.Unlock()

	return c.pin(&resolveAction{conn: c})
}

// Execute runs one round of cmds on an idle connection.
func (c *Connection) Execute(cmds Commands, taskID string) action.Action {
	c.mu.Lock()
	c.state = ConnExecuting
	c.taskID = taskID
	c.mu.Unlock()

	return c.pin(&executeAction{conn: c, cmds: cmds, taskID: taskID})
}

// Disconnect always returns an action, even if the socket is already gone.
func (c *Connection) Disconnect() action.Action {
	c.setState(ConnDisconnecting)
	return c.pin(&disconnectAction{conn: c})
}

func (c *Connection) Ping() action.Action {
	c.setState(ConnPinging)
	return c.pin(&pingAction{conn: c})
}

// Cancel interrupts whatever action is running. The context watcher closes
// the socket so blocked reads return right away.
func (c *Connection) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

type pinnable interface {
	action.Action
	Pin(owner uint64)
}

func (c *Connection) pin(a pinnable) action.Action {
	a.Pin(c.id)
	return a
}

// Complete inspects a finished connection action and decides what follows.
func (c *Connection) Complete(a action.Action) action.Outcome {
	if err := a.Err(); err != nil {
		if _, ok := a.(*disconnectAction); ok {
			c.setState(ConnDisconnected)
		} else {
			c.setState(ConnError)
		}
		c.log.Debug("connection %d: %s failed: %v", c.id, a.Describe(), err)
		return action.Fail(err)
	}

	switch a.(type) {
	case *resolveAction:
		c.setState(ConnConnecting)
		return action.Continue(c.pin(&connectAction{conn: c}))
	case *connectAction:
		c.setState(ConnInitializing)
		return action.Continue(c.pin(&initializeAction{conn: c}))
	case *initializeAction:
		c.setState(ConnIdle)
		c.log.Info("connection %d: ready on %s", c.id, c.addr)
		return action.Finish()
	case *executeAction:
		c.mu.Lock()
		c.state = ConnIdle
		c.taskID = ""
		c.mu.Unlock()
		return action.Finish()
	case *pingAction:
		c.setState(ConnIdle)
		return action.Finish()
	case *disconnectAction:
		c.setState(ConnDisconnected)
		return action.Finish()
	}
	return action.Fail(fmt.Errorf("connection %d: unknown action %s", c.id, a.Describe()))
}

func (c *Connection) runCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Connection) currentSpec() Spec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec
}

// classify turns an I/O failure into a typed *Error.
func (c *Connection) classify(op string, err error) error {
	var ne *Error
	if errors.As(err, &ne) {
		return err
	}
	if c.runCtx().Err() != nil {
		return &Error{Kind: ErrInterrupted, Op: op, Err: err}
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return &Error{Kind: ErrTimeout, Op: op, Err: err}
	}
	if errors.Is(err, ErrProtocol) {
		return &Error{Kind: ErrProtocolViolation, Op: op, Err: err}
	}
	return &Error{Kind: ErrNetwork, Op: op, Err: err}
}

func (c *Connection) resolve() error {
	spec := c.currentSpec()
	ctx := c.runCtx()

	c.log.Debug("connection %d: resolving %s", c.id, spec.Host)
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, spec.Host)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: ErrInterrupted, Op: "resolve", Err: err}
		}
		return &Error{Kind: ErrResolve, Op: "resolve", Err: err}
	}
	if len(addrs) == 0 {
		return &Error{Kind: ErrResolve, Op: "resolve", Err: fmt.Errorf("no addresses for %s", spec.Host)}
	}

	c.addr = net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(spec.Port))
	return nil
}

func (c *Connection) connect() error {
	spec := c.currentSpec()
	ctx := c.runCtx()

	timeout := spec.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	if c.conn != nil {
		c.closeSocket()
	}

	c.log.Debug("connection %d: dialing %s (tls=%v)", c.id, c.addr, spec.TLS)
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return c.classify("connect", err)
	}

	if spec.TLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: spec.Host,
			MinVersion: tls.VersionTLS12,
		})
		hsCtx, cancel := context.WithTimeout(ctx, timeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			conn.Close()
			return c.classify("tls handshake", err)
		}
		conn = tlsConn
	}

	c.conn = conn
	c.stopWatch = context.AfterFunc(ctx, func() { conn.Close() })
	c.in.Clear()
	c.windowStart = time.Now()
	c.windowBytes = 0
	return nil
}

func (c *Connection) initialize() error {
	spec := c.currentSpec()

	s := c.session
	s.Reset()
	s.EnablePipelining(spec.Pipelining)
	s.EnableCompression(spec.Compression)
	s.OnSend = c.write
	s.OnAuth = func() (string, string) { return spec.Username, spec.Password }
	s.Start()

	if err := c.transact("initialize", nil); err != nil {
		return err
	}
	c.log.Debug("connection %d: session ready (xzver=%v gzip=%v)", c.id, s.HasXZVER(), s.HasGzipCompress())
	return nil
}

func (c *Connection) execute(cmds Commands, taskID string) error {
	if c.conn == nil {
		return &Error{Kind: ErrNetwork, Op: "execute", Err: errors.New("not connected")}
	}
	if cmds.IsCanceled() {
		return nil
	}

	s := c.session
	if cmds.NeedsToConfigure() {
		configured := false
		for i := 0; cmds.SubmitConfigureCommand(i, s); i++ {
			var conf *Buffer
			if err := c.transact("configure", func(b *Buffer) { conf = b }); err != nil {
				return err
			}
			if conf != nil && cmds.ReceiveConfigureBuffer(i, conf) {
				configured = true
				break
			}
		}
		if !configured {
			c.log.Debug("connection %d: task %s: no group available", c.id, taskID)
			return nil
		}
	}

	if !cmds.SubmitDataCommands(s) {
		return nil
	}

	return c.transact("execute", func(b *Buffer) {
		if b.ContentType() == ContentNone {
			return
		}
		c.content.Add(uint64(b.ContentLength()))
		cmds.ReceiveDataBuffer(b)
	})
}

func (c *Connection) ping() error {
	if c.conn == nil {
		return &Error{Kind: ErrNetwork, Op: "ping", Err: errors.New("not connected")}
	}
	c.session.Ping()
	return c.transact("ping", nil)
}

func (c *Connection) disconnect() error {
	if c.conn == nil {
		return nil
	}

	if c.session.State() != StateError && c.runCtx().Err() == nil {
		c.session.Clear()
		c.session.Quit()
		c.conn.SetDeadline(time.Now().Add(2 * time.Second))
		if err := c.transact("quit", nil); err != nil {
			c.log.Debug("connection %d: quit: %v", c.id, err)
		}
	}

	c.closeSocket()
	c.log.Debug("connection %d: disconnected", c.id)
	return nil
}

func (c *Connection) closeSocket() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.session.Clear()
	c.in.Clear()
}

func (c *Connection) write(cmd string) {
	if c.sendErr != nil || c.conn == nil {
		return
	}

	if strings.HasPrefix(cmd, "AUTHINFO PASS") {
		c.log.Debug("connection %d: > AUTHINFO PASS ****", c.id)
	} else {
		c.log.Debug("connection %d: > %s", c.id, strings.TrimSpace(cmd))
	}

	if t := c.currentSpec().ReadTimeout; t > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(t))
	}
	n, err := io.WriteString(c.conn, cmd)
	c.bytes.Add(uint64(n))
	c.sendErr = err
}

// transact pumps the session until every queued command is answered. Each
// response is passed to deliver when it is not nil.
func (c *Connection) transact(op string, deliver func(*Buffer)) error {
	s := c.session
	c.sendErr = nil

	for s.Pending() {
		for s.SendNext() {
		}
		if c.sendErr != nil {
			return c.classify(op, c.sendErr)
		}

		out := NewBuffer(0)
		ok, err := s.RecvNext(c.in, out)
		if err != nil {
			return c.classify(op, err)
		}
		if ok {
			if deliver != nil {
				deliver(out)
			}
			continue
		}
		if !s.Pending() {
			break
		}

		if err := c.readSome(); err != nil {
			if errors.Is(err, io.EOF) && s.pipelining && len(s.recv) > 1 {
				return &Error{Kind: ErrPipelineReset, Op: op, Err: err}
			}
			return c.classify(op, err)
		}
	}

	switch s.Error() {
	case SessionErrorAuthRejected:
		return &Error{Kind: ErrAuthenticationRejected, Op: op}
	case SessionErrorNoPermission:
		return &Error{Kind: ErrNoPermission, Op: op}
	}
	if s.State() == StateError {
		return &Error{Kind: ErrProtocolViolation, Op: op}
	}
	return nil
}

func (c *Connection) readSome() error {
	spec := c.currentSpec()
	ctx := c.runCtx()

	want := readChunk
	if spec.Throttle != nil {
		n, err := spec.Throttle.Take(ctx, want)
		if err != nil {
			return err
		}
		want = n
	}

	if spec.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(spec.ReadTimeout))
	}
	n, err := c.in.Fill(c.conn, want)
	if n > 0 {
		c.bytes.Add(uint64(n))
		c.measure(uint64(n))
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	return err
}

func (c *Connection) measure(n uint64) {
	c.windowBytes += n
	elapsed := time.Since(c.windowStart)
	if elapsed >= time.Second {
		c.speed.Store(uint64(float64(c.windowBytes) / elapsed.Seconds()))
		c.windowStart = time.Now()
		c.windowBytes = 0
	}
}

type resolveAction struct {
	action.Base
	conn *Connection
}

func (a *resolveAction) Perform()         { a.Capture(a.conn.resolve) }
func (a *resolveAction) Describe() string { return fmt.Sprintf("resolve %s", a.conn.currentSpec().Host) }

type connectAction struct {
	action.Base
	conn *Connection
}

func (a *connectAction) Perform()         { a.Capture(a.conn.connect) }
func (a *connectAction) Describe() string { return fmt.Sprintf("connect %s", a.conn.addr) }

type initializeAction struct {
	action.Base
	conn *Connection
}

func (a *initializeAction) Perform()         { a.Capture(a.conn.initialize) }
func (a *initializeAction) Describe() string { return "initialize" }

type executeAction struct {
	action.Base
	conn   *Connection
	cmds   Commands
	taskID string
}

func (a *executeAction) Perform() {
	a.Capture(func() error { return a.conn.execute(a.cmds, a.taskID) })
}

func (a *executeAction) Describe() string { return fmt.Sprintf("execute task %s", a.taskID) }

type pingAction struct {
	action.Base
	conn *Connection
}

func (a *pingAction) Perform()         { a.Capture(a.conn.ping) }
func (a *pingAction) Describe() string { return "ping" }

type disconnectAction struct {
	action.Base
	conn *Connection
}

func (a *disconnectAction) Perform()         { a.Capture(a.conn.disconnect) }
func (a *disconnectAction) Describe() string { return "disconnect" }
