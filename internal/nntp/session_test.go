package nntp

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/nzbengine/internal/yenc"
)

type sessionHarness struct {
	s    *Session
	in   *Buffer
	sent []string
}

func newHarness() *sessionHarness {
	h := &sessionHarness{s: NewSession(), in: NewBuffer(1024)}
	h.s.OnSend = func(cmd string) { h.sent = append(h.sent, cmd) }
	return h
}

// reply feeds server text, drains every complete response and returns the
// ones that produced a payload or status.
func (h *sessionHarness) reply(t *testing.T, text string) []*Buffer {
	t.Helper()
	h.in.AppendString(text)

	var outs []*Buffer
	for {
		out := NewBuffer(0)
		ok, err := h.s.RecvNext(h.in, out)
		require.NoError(t, err)
		if !ok {
			return outs
		}
		if out.Status() != StatusNone || out.ContentType() != ContentNone {
			outs = append(outs, out)
		}
	}
}

func (h *sessionHarness) lastSent() string {
	if len(h.sent) == 0 {
		return ""
	}
	return h.sent[len(h.sent)-1]
}

func (h *sessionHarness) ready(t *testing.T, caps string) {
	t.Helper()
	h.s.Start()
	assert.Equal(t, StateInit, h.s.State())
	assert.False(t, h.s.SendNext(), "nothing is sent before the welcome")

	h.reply(t, "200 news.example.com ready\r\n")
	require.True(t, h.s.SendNext())
	require.Equal(t, "CAPABILITIES\r\n", h.lastSent())
	h.reply(t, "101 Capability list:\r\nVERSION 2\r\n"+caps+".\r\n")

	for h.s.SendNext() {
		switch h.lastSent() {
		case "MODE READER\r\n":
			h.reply(t, "200 reader mode\r\n")
		case "XFEATURE COMPRESS GZIP\r\n":
			h.reply(t, "290 feature enabled\r\n")
		default:
			t.Fatalf("unexpected handshake command %q", h.lastSent())
		}
	}
	require.Equal(t, StateReady, h.s.State())
	require.False(t, h.s.Pending())
}

func TestSessionHandshakeModeReader(t *testing.T) {
	h := newHarness()
	h.ready(t, "MODE-READER\r\n")

	assert.Equal(t, []string{"CAPABILITIES\r\n", "MODE READER\r\n"}, h.sent)
	assert.False(t, h.s.HasXZVER())
	assert.False(t, h.s.HasGzipCompress())
}

func TestSessionHandshakeWithoutCapabilities(t *testing.T) {
	h := newHarness()
	h.s.Start()
	h.reply(t, "201 no posting\r\n")
	require.True(t, h.s.SendNext())
	h.reply(t, "500 what?\r\n")

	assert.False(t, h.s.SendNext())
	assert.Equal(t, StateReady, h.s.State())
}

func TestSessionBadWelcome(t *testing.T) {
	h := newHarness()
	h.s.Start()
	h.in.AppendString("garbage\r\n")

	ok, err := h.s.RecvNext(h.in, NewBuffer(0))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, StateError, h.s.State())
	assert.False(t, h.s.Pending())
}

func TestSessionDotUnstuffing(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.RetrieveArticle("1")
	require.True(t, h.s.SendNext())
	assert.Equal(t, "BODY 1\r\n", h.lastSent())

	// split over several reads
	assert.Empty(t, h.reply(t, "222 1 <a@b> body\r\nhello\r\n"))
	assert.Empty(t, h.reply(t, "..dot line\r\n\r\n"))
	outs := h.reply(t, "...\r\n.\r\n")

	require.Len(t, outs, 1)
	assert.Equal(t, StatusSuccess, outs[0].Status())
	assert.Equal(t, ContentArticle, outs[0].ContentType())
	assert.Equal(t, "hello\r\n.dot line\r\n\r\n..\r\n", string(outs[0].Content()))
	assert.Equal(t, 0, h.in.Len())
	assert.Equal(t, StateReady, h.s.State())
}

func TestSessionEmptyBody(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.RetrieveArticle("<x@y>")
	require.True(t, h.s.SendNext())
	assert.Equal(t, "BODY <x@y>\r\n", h.lastSent())

	outs := h.reply(t, "222 0 <x@y>\r\n.\r\n")
	require.Len(t, outs, 1)
	assert.Equal(t, StatusSuccess, outs[0].Status())
	assert.Empty(t, outs[0].Content())
}

func TestSessionPipelining(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")
	h.s.EnablePipelining(true)

	h.s.RetrieveArticle("123")
	h.s.RetrieveArticle("234")
	h.s.RetrieveArticle("345")
	require.True(t, h.s.SendNext())
	assert.Equal(t, "BODY 123\r\nBODY 234\r\nBODY 345\r\n", h.lastSent())
	assert.False(t, h.s.SendNext())

	outs := h.reply(t, "222 body\r\nfoo\r\n.\r\n430 no such article\r\n451 DMCA takedown\r\n")
	require.Len(t, outs, 3)
	assert.Equal(t, StatusSuccess, outs[0].Status())
	assert.Equal(t, "foo\r\n", string(outs[0].Content()))
	assert.Equal(t, StatusUnavailable, outs[1].Status())
	assert.Equal(t, StatusDMCA, outs[2].Status())
	assert.False(t, h.s.Pending())
}

func TestSessionWithoutPipeliningSendsOneByOne(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.RetrieveArticle("1")
	h.s.RetrieveArticle("2")
	require.True(t, h.s.SendNext())
	assert.Equal(t, "BODY 1\r\n", h.lastSent())
	assert.False(t, h.s.SendNext())
	assert.Equal(t, StateReady, h.s.State())

	h.reply(t, "423 no such number\r\n")
	assert.Equal(t, StateTransfer, h.s.State())
	require.True(t, h.s.SendNext())
	assert.Equal(t, "BODY 2\r\n", h.lastSent())
}

func TestSessionAuthenticationOnDemand(t *testing.T) {
	h := newHarness()
	h.s.OnAuth = func() (string, string) { return "user", "pass" }
	h.ready(t, "READER\r\n")
	h.s.EnablePipelining(true)

	h.s.RetrieveArticle("1")
	h.s.RetrieveArticle("2")
	require.True(t, h.s.SendNext())
	assert.Equal(t, "BODY 1\r\nBODY 2\r\n", h.lastSent())

	assert.Empty(t, h.reply(t, "480 authentication required\r\n"))
	assert.Equal(t, StateAuthenticate, h.s.State())
	assert.False(t, h.s.SendNext(), "credentials wait for outstanding responses")

	assert.Empty(t, h.reply(t, "480 authentication required\r\n"))
	require.True(t, h.s.SendNext())
	assert.Equal(t, "AUTHINFO USER user\r\n", h.lastSent())
	h.reply(t, "381 password required\r\n")
	require.True(t, h.s.SendNext())
	assert.Equal(t, "AUTHINFO PASS pass\r\n", h.lastSent())
	h.reply(t, "281 welcome\r\n")

	require.True(t, h.s.SendNext())
	assert.Equal(t, "BODY 1\r\nBODY 2\r\n", h.lastSent())
	outs := h.reply(t, "222 ok\r\na\r\n.\r\n222 ok\r\nb\r\n.\r\n")
	require.Len(t, outs, 2)
	assert.Equal(t, "a\r\n", string(outs[0].Content()))
	assert.Equal(t, "b\r\n", string(outs[1].Content()))
}

func TestSessionAuthenticationRejected(t *testing.T) {
	h := newHarness()
	h.s.OnAuth = func() (string, string) { return "user", "wrong" }
	h.ready(t, "READER\r\n")

	h.s.RetrieveArticle("1")
	h.s.SendNext()
	h.reply(t, "480 authentication required\r\n")
	h.s.SendNext()
	h.reply(t, "381 password required\r\n")
	h.s.SendNext()
	h.reply(t, "481 rejected\r\n")

	assert.Equal(t, StateError, h.s.State())
	assert.Equal(t, SessionErrorAuthRejected, h.s.Error())
	assert.False(t, h.s.Pending())
}

func TestSessionAuthenticationWithoutCredentials(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.RetrieveArticle("1")
	h.s.SendNext()
	h.reply(t, "480 authentication required\r\n")

	assert.Equal(t, StateError, h.s.State())
	assert.Equal(t, SessionErrorAuthRejected, h.s.Error())
}

func TestSessionNoPermission(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.RetrieveArticle("1")
	h.s.SendNext()
	h.reply(t, "502 access denied\r\n")

	assert.Equal(t, StateError, h.s.State())
	assert.Equal(t, SessionErrorNoPermission, h.s.Error())
}

func TestSessionGroup(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.ChangeGroup("alt.binaries.nope")
	h.s.SendNext()
	outs := h.reply(t, "411 no such group\r\n")
	require.Len(t, outs, 1)
	assert.Equal(t, StatusUnavailable, outs[0].Status())
	assert.Equal(t, ContentNone, outs[0].ContentType())

	h.s.RetrieveGroupInfo("alt.binaries.test")
	h.s.SendNext()
	assert.Equal(t, "GROUP alt.binaries.test\r\n", h.lastSent())
	outs = h.reply(t, "211 3 1 3 alt.binaries.test\r\n")
	require.Len(t, outs, 1)
	assert.Equal(t, StatusSuccess, outs[0].Status())
	assert.Equal(t, ContentGroupInfo, outs[0].ContentType())
	assert.Equal(t, "alt.binaries.test", h.s.Group())

	g, err := ParseGroupInfo(string(outs[0].Content()))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), g.Count)
	assert.Equal(t, uint64(1), g.Low)
	assert.Equal(t, uint64(3), g.High)
}

func TestSessionList(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.RetrieveList()
	h.s.SendNext()
	assert.Equal(t, "LIST\r\n", h.lastSent())
	outs := h.reply(t, "215 list follows\r\nalt.binaries.a 10 1 y\r\nalt.binaries.b 0 1 n\r\n.\r\n")
	require.Len(t, outs, 1)
	assert.Equal(t, ContentGroupList, outs[0].ContentType())

	groups := ParseList(outs[0].Content())
	require.Len(t, groups, 2)
	assert.Equal(t, "alt.binaries.a", groups[0].Name)
	assert.Equal(t, uint64(10), groups[0].Count)
	assert.Equal(t, PostingPermitted, groups[0].Posting)
	assert.Equal(t, uint64(0), groups[1].Count)
}

const overviewText = "1\tsubject one\tposter <p@x>\tMon, 1 Jan 2024\t<1@x>\t\t100\t2\r\n" +
	"2\tsubject two\tposter <p@x>\tMon, 1 Jan 2024\t<2@x>\t<1@x>\t200\t4\tXref: news a:2\r\n"

func TestSessionXZVER(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\nXZVER\r\n")
	require.True(t, h.s.HasXZVER())

	var deflated bytes.Buffer
	w, err := flate.NewWriter(&deflated, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write([]byte(overviewText))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	h.s.RetrieveHeaders(1, 2)
	h.s.SendNext()
	assert.Equal(t, "XZVER 1-2\r\n", h.lastSent())

	armored := yenc.EncodeSingle("xzver", deflated.Bytes(), 128)
	outs := h.reply(t, "224 compressed overview\r\n"+string(armored)+".\r\n")
	require.Len(t, outs, 1)
	assert.Equal(t, StatusSuccess, outs[0].Status())
	assert.Equal(t, overviewText, string(outs[0].Content()))
}

func TestSessionGzipOverview(t *testing.T) {
	h := newHarness()
	h.s.EnableCompression(true)
	h.ready(t, "READER\r\nXFEATURE-COMPRESS GZIP TERMINATOR\r\n")
	require.True(t, h.s.HasGzipCompress())

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	_, err := w.Write([]byte(overviewText + ".\r\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	h.s.RetrieveHeaders(1, 2)
	h.s.SendNext()
	assert.Equal(t, "XOVER 1-2\r\n", h.lastSent())

	outs := h.reply(t, "224 overview follows\r\n"+compressed.String()+".\r\n")
	require.Len(t, outs, 1)
	assert.Equal(t, StatusSuccess, outs[0].Status())
	assert.Equal(t, overviewText, string(outs[0].Content()))

	ovs, skipped := ParseOverviews(outs[0].Content())
	assert.Zero(t, skipped)
	require.Len(t, ovs, 2)
	assert.Equal(t, "<2@x>", ovs[1].MessageID)
	assert.Equal(t, "news a:2", ovs[1].Xref)
	assert.Equal(t, int64(200), ovs[1].Bytes)
}

func TestSessionQuitAndPing(t *testing.T) {
	h := newHarness()
	h.ready(t, "READER\r\n")

	h.s.Ping()
	h.s.SendNext()
	assert.Equal(t, "DATE\r\n", h.lastSent())
	h.reply(t, "111 20240101000000\r\n")
	assert.Equal(t, StateReady, h.s.State())

	h.s.Quit()
	h.s.SendNext()
	assert.Equal(t, "QUIT\r\n", h.lastSent())
	h.reply(t, "205 bye\r\n")
	assert.Equal(t, StateQuitting, h.s.State())
}

func TestParseOverviewRejectsShortLines(t *testing.T) {
	_, err := ParseOverview("1\tsubject\tauthor")
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseGroupInfo("411 no such group")
	assert.ErrorIs(t, err, ErrProtocol)
}
