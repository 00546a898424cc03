package cmdlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/nzbengine/internal/nntp"
)

type wire struct {
	session *nntp.Session
	sent    string
}

func newWire(pipelining bool) *wire {
	w := &wire{session: nntp.NewSession()}
	w.session.OnSend = func(cmd string) { w.sent += cmd }
	w.session.EnablePipelining(pipelining)
	return w
}

// feed hands server text to the session and returns one buffer per
// complete response.
func (w *wire) feed(t *testing.T, text string) []*nntp.Buffer {
	t.Helper()
	in := nntp.NewBuffer(1024)
	in.AppendString(text)

	var outs []*nntp.Buffer
	for {
		out := nntp.NewBuffer(0)
		ok, err := w.session.RecvNext(in, out)
		require.NoError(t, err)
		if !ok {
			break
		}
		outs = append(outs, out)
	}
	return outs
}

func TestMessagesNoSuchGroup(t *testing.T) {
	list := NewMessages(Messages{
		Groups:  []string{"alt.binaries.foo", "alt.binaries.bar"},
		Numbers: []string{"123", "234", "345"},
	})
	w := newWire(false)

	require.True(t, list.NeedsToConfigure())
	require.True(t, list.SubmitConfigureCommand(0, w.session))
	w.session.SendNext()
	assert.Equal(t, "GROUP alt.binaries.foo\r\n", w.sent)
	outs := w.feed(t, "411 no such group\r\n")
	require.Len(t, outs, 1)
	assert.False(t, list.ReceiveConfigureBuffer(0, outs[0]))

	w.sent = ""
	require.True(t, list.SubmitConfigureCommand(1, w.session))
	w.session.SendNext()
	assert.Equal(t, "GROUP alt.binaries.bar\r\n", w.sent)
	outs = w.feed(t, "411 no such group\r\n")
	assert.False(t, list.ReceiveConfigureBuffer(1, outs[0]))

	assert.False(t, list.SubmitConfigureCommand(2, w.session))
	assert.False(t, list.IsCanceled())
}

func TestMessagesBodies(t *testing.T) {
	list := NewMessages(Messages{
		Groups:  []string{"alt.binaries.foo", "alt.binaries.bar"},
		Numbers: []string{"123", "234", "345"},
	})
	w := newWire(false)

	list.SubmitConfigureCommand(0, w.session)
	w.session.SendNext()
	outs := w.feed(t, "211 4 1 4 alt.binaries.foo group succesfully selected\r\n")
	require.True(t, list.ReceiveConfigureBuffer(0, outs[0]))

	w.sent = ""
	w.session.EnablePipelining(true)

	require.True(t, list.SubmitDataCommands(w.session))
	w.session.SendNext()
	assert.Equal(t, "BODY 123\r\nBODY 234\r\nBODY 345\r\n", w.sent)

	for _, b := range w.feed(t, "420 no article with that message\r\n"+
		"222 body follows\r\nhello\r\n.\r\n"+
		"420 no article with that message\r\n") {
		list.ReceiveDataBuffer(b)
	}

	buffers := list.Buffers()
	require.Len(t, buffers, 3)
	assert.Equal(t, nntp.StatusUnavailable, buffers[0].Status())
	assert.Equal(t, nntp.StatusSuccess, buffers[1].Status())
	assert.Equal(t, nntp.StatusUnavailable, buffers[2].Status())
	assert.Equal(t, "hello\r\n", string(buffers[1].Content()))
	assert.Equal(t, []int{0, 2}, list.Missing())
}

func TestRefill(t *testing.T) {
	list := NewMessages(Messages{
		Groups:  []string{"alt.binaries.foo"},
		Numbers: []string{"1", "2", "3", "4"},
	})
	w := newWire(true)

	require.True(t, list.SubmitDataCommands(w.session))
	w.session.SendNext()
	assert.Equal(t, "BODY 1\r\nBODY 2\r\nBODY 3\r\nBODY 4\r\n", w.sent)

	for _, b := range w.feed(t, "222 body follows\r\nhello\r\n.\r\n"+
		"222 body follows\r\nfoo\r\n.\r\n"+
		"420 no article with that message\r\n"+
		"420 no article with that message\r\n") {
		list.ReceiveDataBuffer(b)
	}

	buffers := list.Buffers()
	assert.Equal(t, nntp.StatusSuccess, buffers[0].Status())
	assert.Equal(t, nntp.StatusSuccess, buffers[1].Status())
	assert.Equal(t, nntp.StatusUnavailable, buffers[2].Status())
	assert.Equal(t, nntp.StatusUnavailable, buffers[3].Status())

	w.sent = ""
	require.True(t, list.SubmitDataCommands(w.session))
	w.session.SendNext()
	assert.Equal(t, "BODY 3\r\nBODY 4\r\n", w.sent)

	for _, b := range w.feed(t, "222 body follows\r\nadrvardk\r\n.\r\n"+
		"420 no article with that message dmca\r\n") {
		list.ReceiveDataBuffer(b)
	}

	buffers = list.Buffers()
	require.Len(t, buffers, 4)
	assert.Equal(t, nntp.StatusSuccess, buffers[0].Status())
	assert.Equal(t, nntp.StatusSuccess, buffers[1].Status())
	assert.Equal(t, nntp.StatusSuccess, buffers[2].Status())
	assert.Equal(t, nntp.StatusDMCA, buffers[3].Status())
	assert.Equal(t, "hello\r\n", string(buffers[0].Content()))
	assert.Equal(t, "foo\r\n", string(buffers[1].Content()))
	assert.Equal(t, "adrvardk\r\n", string(buffers[2].Content()))

	// success and dmca are final
	assert.True(t, list.Complete())
	w.sent = ""
	assert.False(t, list.SubmitDataCommands(w.session))
	assert.False(t, w.session.SendNext())
	assert.Empty(t, w.sent)
}

func TestRefillStopsAtMaxRounds(t *testing.T) {
	list := NewMessages(Messages{Numbers: []string{"1"}}, WithMaxRounds(2))
	w := newWire(false)
	assert.False(t, list.NeedsToConfigure())

	for round := 1; round <= 2; round++ {
		w.sent = ""
		require.True(t, list.SubmitDataCommands(w.session))
		w.session.SendNext()
		assert.Equal(t, "BODY 1\r\n", w.sent)
		for _, b := range w.feed(t, "430 no such article\r\n") {
			list.ReceiveDataBuffer(b)
		}
		assert.Equal(t, round, list.Rounds())
	}

	w.sent = ""
	assert.False(t, list.SubmitDataCommands(w.session))
	assert.False(t, w.session.SendNext())
	assert.Equal(t, []int{0}, list.Missing())
}

func TestCanceledListSubmitsNothing(t *testing.T) {
	list := NewMessages(Messages{Numbers: []string{"1", "2"}})
	list.Cancel()
	assert.True(t, list.IsCanceled())
	assert.False(t, list.SubmitDataCommands(newWire(false).session))
}

func TestListing(t *testing.T) {
	list := NewListing()
	w := newWire(false)

	assert.False(t, list.NeedsToConfigure())
	require.True(t, list.SubmitDataCommands(w.session))
	w.session.SendNext()
	assert.Equal(t, "LIST\r\n", w.sent)

	outs := w.feed(t, "215 listing follows\r\n"+
		"alt.binaries.foo 1 0 y\r\n"+
		"alt.binaries.bar 2 1 n\r\n"+
		".\r\n")
	require.Len(t, outs, 1)
	assert.Equal(t, nntp.StatusSuccess, outs[0].Status())
	list.ReceiveDataBuffer(outs[0])

	require.Len(t, list.Buffers(), 1)
	assert.Equal(t, nntp.StatusSuccess, list.Buffers()[0].Status())
	assert.Len(t, nntp.ParseList(list.Buffers()[0].Content()), 2)
}

func TestGroupInfo(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		list := NewGroupInfo("alt.binaries.foo")
		w := newWire(false)

		assert.False(t, list.NeedsToConfigure())
		list.SubmitDataCommands(w.session)
		w.session.SendNext()
		assert.Equal(t, "GROUP alt.binaries.foo\r\n", w.sent)

		outs := w.feed(t, "211 3 0 2 alt.binaries.foo\r\n")
		require.Len(t, outs, 1)
		list.ReceiveDataBuffer(outs[0])

		require.Len(t, list.Buffers(), 1)
		assert.Equal(t, nntp.StatusSuccess, list.Buffers()[0].Status())
	})

	t.Run("failure", func(t *testing.T) {
		list := NewGroupInfo("alt.binaries.foo")
		w := newWire(false)

		list.SubmitDataCommands(w.session)
		w.session.SendNext()
		for _, b := range w.feed(t, "411 no such newsgroup\r\n") {
			list.ReceiveDataBuffer(b)
		}

		require.Len(t, list.Buffers(), 1)
		assert.Equal(t, nntp.StatusUnavailable, list.Buffers()[0].Status())
	})
}

func TestOverview(t *testing.T) {
	list := NewOverview("alt.binaries.foo", []Range{{First: 1, Last: 2}, {First: 3, Last: 4}})
	w := newWire(true)

	require.True(t, list.NeedsToConfigure())
	require.True(t, list.SubmitConfigureCommand(0, w.session))
	assert.False(t, list.SubmitConfigureCommand(1, w.session))
	w.session.SendNext()
	outs := w.feed(t, "211 4 1 4 alt.binaries.foo\r\n")
	require.True(t, list.ReceiveConfigureBuffer(0, outs[0]))

	w.sent = ""
	require.True(t, list.SubmitDataCommands(w.session))
	w.session.SendNext()
	assert.Equal(t, "XOVER 1-2\r\nXOVER 3-4\r\n", w.sent)

	for _, b := range w.feed(t, "224 overview\r\n1\ta\tb\tc\t<1@x>\t\t1\t1\r\n.\r\n423 no articles\r\n") {
		list.ReceiveDataBuffer(b)
	}
	assert.Equal(t, nntp.StatusSuccess, list.Buffers()[0].Status())
	assert.Equal(t, nntp.StatusUnavailable, list.Buffers()[1].Status())
	assert.Equal(t, []int{1}, list.Missing())
}
