package nntp

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/datallboy/nzbengine/internal/yenc"
)

type cmdKind int

const (
	kindInit cmdKind = iota
	kindAuth
	kindData
	kindQuit
	kindPing
)

// command is one request/response exchange.
type command interface {
	text() string
	kind() cmdKind
	pipelinable() bool
	multiline(code int) bool
	compressed(s *Session) bool
	complete(s *Session, code int, line string, body []byte, out *Buffer) error
}

// simple supplies the defaults for single-line, non pipelined commands.
type simple struct{}

func (simple) pipelinable() bool        { return false }
func (simple) multiline(int) bool       { return false }
func (simple) compressed(*Session) bool { return false }
func (simple) kind() cmdKind            { return kindInit }

type welcomeCmd struct{ simple }

func (*welcomeCmd) text() string { return "" }

func (*welcomeCmd) complete(s *Session, code int, line string, _ []byte, _ *Buffer) error {
	switch code {
	case 200, 201:
		return nil
	}
	s.fail(SessionErrorNone)
	return fmt.Errorf("%w: unexpected welcome %q", ErrProtocol, line)
}

type capabilitiesCmd struct{ simple }

func (*capabilitiesCmd) text() string            { return "CAPABILITIES\r\n" }
func (*capabilitiesCmd) multiline(code int) bool { return code == 101 }

func (*capabilitiesCmd) complete(s *Session, code int, _ string, body []byte, _ *Buffer) error {
	if code != 101 {
		// old servers without CAPABILITIES
		return nil
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		fields := strings.Fields(strings.ToUpper(sc.Text()))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "READER":
			s.caps.reader = true
		case "MODE-READER":
			s.caps.modeReader = true
		case "XZVER":
			s.caps.xzver = true
		case "XFEATURE-COMPRESS":
			for _, f := range fields[1:] {
				if f == "GZIP" {
					s.caps.gzip = true
				}
			}
		}
	}

	var next []command
	if s.caps.modeReader && !s.caps.reader {
		next = append(next, &modeReaderCmd{})
	}
	if s.compression && s.caps.gzip {
		next = append(next, &compressCmd{})
	}
	s.pushFront(next...)
	return nil
}

type modeReaderCmd struct{ simple }

func (*modeReaderCmd) text() string { return "MODE READER\r\n" }

func (*modeReaderCmd) complete(s *Session, code int, _ string, _ []byte, _ *Buffer) error {
	if code == 200 || code == 201 {
		s.caps.reader = true
	}
	return nil
}

type compressCmd struct{ simple }

func (*compressCmd) text() string { return "XFEATURE COMPRESS GZIP\r\n" }

func (*compressCmd) complete(s *Session, code int, _ string, _ []byte, _ *Buffer) error {
	s.gzipEnabled = code == 290
	return nil
}

type authUserCmd struct {
	simple
	user string
}

func (*authUserCmd) kind() cmdKind  { return kindAuth }
func (c *authUserCmd) text() string { return "AUTHINFO USER " + c.user + "\r\n" }

func (*authUserCmd) complete(s *Session, code int, line string, _ []byte, _ *Buffer) error {
	switch code {
	case 381:
	case 281:
		s.dropPass()
		s.authDone()
	default:
		s.fail(SessionErrorAuthRejected)
	}
	return nil
}

type authPassCmd struct {
	simple
	pass string
}

func (*authPassCmd) kind() cmdKind  { return kindAuth }
func (c *authPassCmd) text() string { return "AUTHINFO PASS " + c.pass + "\r\n" }

func (*authPassCmd) complete(s *Session, code int, _ string, _ []byte, _ *Buffer) error {
	if code == 281 {
		s.authDone()
		return nil
	}
	s.fail(SessionErrorAuthRejected)
	return nil
}

// groupCmd selects a group. With info set the status line is delivered as
// groupinfo content.
type groupCmd struct {
	simple
	name string
	info bool
}

func (*groupCmd) kind() cmdKind  { return kindData }
func (c *groupCmd) text() string { return "GROUP " + c.name + "\r\n" }

func (c *groupCmd) complete(s *Session, code int, line string, _ []byte, out *Buffer) error {
	out.SetLine(line)
	switch code {
	case 211:
		s.group = c.name
		out.SetStatus(StatusSuccess)
	case 411:
		out.SetStatus(StatusUnavailable)
	default:
		out.SetStatus(StatusError)
	}
	if c.info {
		out.SetContent([]byte(line))
		out.SetContentType(ContentGroupInfo)
	}
	return nil
}

type bodyCmd struct {
	simple
	id string
}

func (*bodyCmd) kind() cmdKind           { return kindData }
func (*bodyCmd) pipelinable() bool       { return true }
func (*bodyCmd) multiline(code int) bool { return code == 222 }

func (c *bodyCmd) text() string {
	id := c.id
	if strings.Contains(id, "@") && !strings.HasPrefix(id, "<") {
		id = "<" + id + ">"
	}
	return "BODY " + id + "\r\n"
}

func (*bodyCmd) complete(_ *Session, code int, line string, body []byte, out *Buffer) error {
	out.SetLine(line)
	out.SetContentType(ContentArticle)
	switch {
	case code == 222:
		out.SetContent(body)
		out.SetStatus(StatusSuccess)
	case strings.Contains(strings.ToLower(line), "dmca"):
		out.SetStatus(StatusDMCA)
	case code == 420 || code == 423 || code == 430:
		out.SetStatus(StatusUnavailable)
	default:
		out.SetStatus(StatusError)
	}
	return nil
}

// overviewCmd is XOVER, or XZVER whose payload is yEnc armoured deflate.
type overviewCmd struct {
	simple
	rng   string
	xzver bool
}

func (*overviewCmd) kind() cmdKind           { return kindData }
func (*overviewCmd) pipelinable() bool       { return true }
func (*overviewCmd) multiline(code int) bool { return code == 224 }

func (c *overviewCmd) compressed(s *Session) bool {
	return !c.xzver && s.gzipEnabled
}

func (c *overviewCmd) text() string {
	if c.xzver {
		return "XZVER " + c.rng + "\r\n"
	}
	return "XOVER " + c.rng + "\r\n"
}

func (c *overviewCmd) complete(_ *Session, code int, line string, body []byte, out *Buffer) error {
	out.SetLine(line)
	out.SetContentType(ContentOverview)
	if code != 224 {
		out.SetStatus(StatusUnavailable)
		return nil
	}

	if c.xzver {
		plain, err := unarmor(body)
		if err != nil {
			out.SetStatus(StatusError)
			return fmt.Errorf("%w: xzver: %v", ErrProtocol, err)
		}
		body = unstuff(trimTerminator(plain))
	}
	out.SetContent(body)
	out.SetStatus(StatusSuccess)
	return nil
}

// unarmor decodes XZVER yEnc text and inflates the result.
func unarmor(body []byte) ([]byte, error) {
	var raw []byte
	for _, line := range bytes.Split(body, crlf) {
		if bytes.HasPrefix(line, []byte("=y")) {
			continue
		}
		raw = yenc.DecodeLine(raw, line)
	}
	return inflate(raw)
}

type listCmd struct{ simple }

func (*listCmd) kind() cmdKind           { return kindData }
func (*listCmd) text() string            { return "LIST\r\n" }
func (*listCmd) multiline(code int) bool { return code == 215 }

func (*listCmd) complete(_ *Session, code int, line string, body []byte, out *Buffer) error {
	out.SetLine(line)
	out.SetContentType(ContentGroupList)
	if code != 215 {
		out.SetStatus(StatusError)
		return nil
	}
	out.SetContent(body)
	out.SetStatus(StatusSuccess)
	return nil
}

type quitCmd struct{ simple }

func (*quitCmd) kind() cmdKind { return kindQuit }
func (*quitCmd) text() string  { return "QUIT\r\n" }

func (*quitCmd) complete(s *Session, _ int, _ string, _ []byte, _ *Buffer) error {
	s.quit = true
	return nil
}

// pingCmd keeps an idle session alive. Any reply will do.
type pingCmd struct{ simple }

func (*pingCmd) kind() cmdKind { return kindPing }
func (*pingCmd) text() string  { return "DATE\r\n" }

func (*pingCmd) complete(*Session, int, string, []byte, *Buffer) error { return nil }
