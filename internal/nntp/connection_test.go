package nntp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/nzbengine/internal/action"
	"github.com/datallboy/nzbengine/internal/nntp/nntptest"
)

// run drives a chain of connection actions to its end on the calling
// goroutine.
func run(c *Connection, a action.Action) action.Outcome {
	for {
		a.Perform()
		out := c.Complete(a)
		if out.Kind != action.Next {
			return out
		}
		a = out.Next
	}
}

type fakeCommands struct {
	group    string
	ids      []string
	got      []*Buffer
	canceled bool
}

func (f *fakeCommands) NeedsToConfigure() bool { return f.group != "" }

func (f *fakeCommands) SubmitConfigureCommand(i int, s *Session) bool {
	if i > 0 {
		return false
	}
	s.ChangeGroup(f.group)
	return true
}

func (f *fakeCommands) ReceiveConfigureBuffer(_ int, b *Buffer) bool {
	return b.Status() == StatusSuccess
}

func (f *fakeCommands) SubmitDataCommands(s *Session) bool {
	if len(f.got) > 0 {
		return false
	}
	for _, id := range f.ids {
		s.RetrieveArticle(id)
	}
	return len(f.ids) > 0
}

func (f *fakeCommands) ReceiveDataBuffer(b *Buffer) { f.got = append(f.got, b) }
func (f *fakeCommands) IsCanceled() bool            { return f.canceled }

func requireKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok, "not an *nntp.Error: %v", err)
	assert.Equal(t, want, kind, "error: %v", err)
}

func TestConnectResolveFailure(t *testing.T) {
	c := NewConnection(1, nil)
	out := run(c, c.Connect(Spec{Host: "host.invalid", Port: 119}))

	assert.Equal(t, action.Failed, out.Kind)
	requireKind(t, out.Err, ErrResolve)
	assert.Equal(t, ConnError, c.State())
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewConnection(1, nil)
	out := run(c, c.Connect(Spec{Host: "127.0.0.1", Port: port, DialTimeout: time.Second}))

	assert.Equal(t, action.Failed, out.Kind)
	requireKind(t, out.Err, ErrNetwork)
}

func TestConnectAuthenticationRejected(t *testing.T) {
	srv := &nntptest.Server{RequireAuth: true, Password: "secret"}
	host, port := srv.Start(t)

	c := NewConnection(1, nil)
	out := run(c, c.Connect(Spec{Host: host, Port: port, Username: "user", Password: "wrong"}))

	assert.Equal(t, action.Failed, out.Kind)
	requireKind(t, out.Err, ErrAuthenticationRejected)
	assert.False(t, out.Err.(*Error).Recoverable())
}

func TestConnectAndExecute(t *testing.T) {
	srv := &nntptest.Server{
		RequireAuth: true,
		Password:    "secret",
		Groups:      map[string][3]uint64{"alt.binaries.test": {10, 1, 10}},
		Articles: map[string]string{
			"1@test": "hello\r\n.leading dot\r\n",
			"2@test": "world\r\n",
		},
	}
	host, port := srv.Start(t)

	c := NewConnection(7, nil)
	spec := Spec{Host: host, Port: port, Username: "user", Password: "secret", Pipelining: true, ReadTimeout: 5 * time.Second}
	out := run(c, c.Connect(spec))
	require.Equal(t, action.Done, out.Kind, "%v", out.Err)
	assert.Equal(t, ConnIdle, c.State())
	assert.Equal(t, "user", c.Username())
	assert.Equal(t, "secret", c.Password())

	cmds := &fakeCommands{group: "alt.binaries.test", ids: []string{"1@test", "missing@test", "2@test"}}
	a := c.Execute(cmds, "task-1")
	assert.Equal(t, action.SingleThread, a.Affinity())
	assert.Equal(t, uint64(7), a.Owner())
	assert.Equal(t, ConnExecuting, c.State())
	assert.Equal(t, "task-1", c.TaskID())

	out = run(c, a)
	require.Equal(t, action.Done, out.Kind, "%v", out.Err)
	assert.Equal(t, ConnIdle, c.State())

	require.Len(t, cmds.got, 3)
	assert.Equal(t, StatusSuccess, cmds.got[0].Status())
	assert.Equal(t, "hello\r\n.leading dot\r\n", string(cmds.got[0].Content()))
	assert.Equal(t, StatusUnavailable, cmds.got[1].Status())
	assert.Equal(t, StatusSuccess, cmds.got[2].Status())
	assert.Equal(t, "world\r\n", string(cmds.got[2].Content()))

	assert.Greater(t, c.BytesTransferred(), uint64(0))
	assert.Equal(t, uint64(len("hello\r\n.leading dot\r\n")+len("world\r\n")), c.ContentTransferred())

	seen := srv.Seen()
	assert.Contains(t, seen, "AUTHINFO USER user")
	assert.Contains(t, seen, "GROUP alt.binaries.test")
	assert.Contains(t, seen, "BODY <missing@test>")

	out = run(c, c.Ping())
	require.Equal(t, action.Done, out.Kind, "%v", out.Err)

	out = run(c, c.Disconnect())
	require.Equal(t, action.Done, out.Kind)
	assert.Equal(t, ConnDisconnected, c.State())
	assert.Eventually(t, func() bool {
		s := srv.Seen()
		return s[len(s)-1] == "QUIT"
	}, time.Second, 10*time.Millisecond)
}

func TestCancelInterruptsBlockedRead(t *testing.T) {
	srv := &nntptest.Server{Hang: make(chan struct{})}
	defer close(srv.Hang)
	host, port := srv.Start(t)

	c := NewConnection(1, nil)
	out := run(c, c.Connect(Spec{Host: host, Port: port}))
	require.Equal(t, action.Done, out.Kind, "%v", out.Err)

	done := make(chan action.Outcome, 1)
	go func() {
		done <- run(c, c.Execute(&fakeCommands{ids: []string{"1"}}, "task"))
	}()

	time.Sleep(100 * time.Millisecond)
	c.Cancel()

	select {
	case out := <-done:
		assert.Equal(t, action.Failed, out.Kind)
		requireKind(t, out.Err, ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel didn't interrupt the read")
	}

	// a disconnect still works on an interrupted connection
	out = run(c, c.Disconnect())
	assert.Equal(t, action.Done, out.Kind)
}

func TestConnectThroughThreadPool(t *testing.T) {
	srv := &nntptest.Server{}
	host, port := srv.Start(t)

	c := NewConnection(3, nil)
	results := make(chan action.Outcome, 4)

	var pool *action.ThreadPool
	pool = action.NewThreadPool(2, func(a action.Action) {
		out := c.Complete(a)
		if out.Kind == action.Next {
			if err := pool.Submit(out.Next); err != nil {
				results <- action.Fail(err)
			}
			return
		}
		results <- out
	})
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(c.Connect(Spec{Host: host, Port: port})))

	select {
	case out := <-results:
		require.Equal(t, action.Done, out.Kind, "%v", out.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect didn't finish")
	}
	assert.Equal(t, ConnIdle, c.State())
}
