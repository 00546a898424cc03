package nntp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// State of the NNTP session.
type State int

const (
	StateNone State = iota
	StateInit
	StateAuthenticate
	StateReady
	StateTransfer
	StateQuitting
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuthenticate:
		return "authenticate"
	case StateReady:
		return "ready"
	case StateTransfer:
		return "transfer"
	case StateQuitting:
		return "quitting"
	case StateError:
		return "error"
	default:
		return "none"
	}
}

// SessionError tells why a session ended up in StateError.
type SessionError int

const (
	SessionErrorNone SessionError = iota
	SessionErrorAuthRejected
	SessionErrorNoPermission
)

func (e SessionError) String() string {
	switch e {
	case SessionErrorAuthRejected:
		return "authentication rejected"
	case SessionErrorNoPermission:
		return "no permission"
	default:
		return "none"
	}
}

// Session turns intents into NNTP commands and matches server responses to
// them. It does no I/O: outgoing text goes through OnSend and incoming bytes
// are handed to RecvNext by the owner.
type Session struct {
	// OnSend receives CRLF terminated command text ready for the wire.
	OnSend func(cmd string)

	// OnAuth is asked for credentials when the server demands them.
	OnAuth func() (user, pass string)

	send []command
	recv []command

	state State
	err   SessionError

	pipelining  bool
	compression bool

	caps        capabilities
	gzipEnabled bool
	group       string

	authQueued    bool
	authInsert    int
	authenticated bool
	quit          bool

	// bytes of the current input already searched for a terminator
	scanned int
}

type capabilities struct {
	reader     bool
	modeReader bool
	xzver      bool
	gzip       bool
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) EnablePipelining(on bool)  { s.pipelining = on }
func (s *Session) EnableCompression(on bool) { s.compression = on }

func (s *Session) State() State        { return s.state }
func (s *Session) Error() SessionError { return s.err }

// HasXZVER reports whether the server advertised compressed overviews.
func (s *Session) HasXZVER() bool { return s.caps.xzver }

// HasGzipCompress reports whether XFEATURE COMPRESS GZIP is active.
func (s *Session) HasGzipCompress() bool { return s.gzipEnabled }

// Group returns the currently selected newsgroup.
func (s *Session) Group() string { return s.group }

// Pending reports whether commands are waiting to be sent or answered.
func (s *Session) Pending() bool {
	if s.state == StateError {
		return false
	}
	return len(s.send) > 0 || len(s.recv) > 0
}

// Clear drops every queued and outstanding command.
func (s *Session) Clear() {
	s.send = nil
	s.recv = nil
	s.scanned = 0
	s.authQueued = false
	s.authInsert = 0
}

// Reset returns the session to its initial state for a new socket.
func (s *Session) Reset() {
	s.Clear()
	s.state = StateNone
	s.err = SessionErrorNone
	s.caps = capabilities{}
	s.gzipEnabled = false
	s.group = ""
	s.authenticated = false
	s.quit = false
}

// Start queues the initial handshake: welcome, CAPABILITIES and whatever
// the capabilities ask for.
func (s *Session) Start() {
	s.Reset()
	s.state = StateInit
	s.recv = append(s.recv, &welcomeCmd{})
	s.send = append(s.send, &capabilitiesCmd{})
}

func (s *Session) ChangeGroup(name string) {
	s.send = append(s.send, &groupCmd{name: name})
}

func (s *Session) RetrieveGroupInfo(name string) {
	s.send = append(s.send, &groupCmd{name: name, info: true})
}

// RetrieveArticle queues a BODY request. id is an article number or a
// message-id; message-ids get angle brackets when missing.
func (s *Session) RetrieveArticle(id string) {
	s.send = append(s.send, &bodyCmd{id: id})
}

// RetrieveHeaders queues an overview request for first-last, using XZVER
// when the server supports it.
func (s *Session) RetrieveHeaders(first, last uint64) {
	rng := strconv.FormatUint(first, 10) + "-" + strconv.FormatUint(last, 10)
	s.send = append(s.send, &overviewCmd{rng: rng, xzver: s.caps.xzver})
}

func (s *Session) RetrieveList() {
	s.send = append(s.send, &listCmd{})
}

func (s *Session) Quit() {
	s.send = append(s.send, &quitCmd{})
}

func (s *Session) Ping() {
	s.send = append(s.send, &pingCmd{})
}

// SendNext writes the next command(s) through OnSend. With pipelining all
// consecutive pipelinable commands go out in one call. A command that can't
// be pipelined waits until every outstanding response has arrived.
func (s *Session) SendNext() bool {
	if len(s.send) == 0 || s.state == StateError {
		return false
	}
	if len(s.recv) > 0 {
		if !s.pipelining || !s.send[0].pipelinable() {
			return false
		}
		for _, c := range s.recv {
			if !c.pipelinable() {
				return false
			}
		}
	}

	n := 1
	if s.pipelining && s.send[0].pipelinable() {
		for n < len(s.send) && s.send[n].pipelinable() {
			n++
		}
	}

	var sb strings.Builder
	for _, c := range s.send[:n] {
		sb.WriteString(c.text())
	}
	s.recv = append(s.recv, s.send[:n]...)
	s.send = append([]command(nil), s.send[n:]...)
	if s.authInsert >= n {
		s.authInsert -= n
	} else {
		s.authInsert = 0
	}

	if s.OnSend != nil {
		s.OnSend(sb.String())
	}
	return true
}

// RecvNext tries to match one complete response in the input buffer with
// the oldest outstanding command. It returns false when more input is
// needed. Consumed bytes are removed from in; the response payload, if the
// command produces one, is stored in out.
func (s *Session) RecvNext(in, out *Buffer) (bool, error) {
	if len(s.recv) == 0 || s.state == StateError {
		return false, nil
	}

	data := in.Bytes()
	lineEnd := bytes.Index(data, crlf)
	if lineEnd < 0 {
		return false, nil
	}
	line := string(data[:lineEnd])

	code, err := parseCode(line)
	if err != nil {
		s.fail(SessionErrorNone)
		return false, err
	}

	cmd := s.recv[0]

	var body []byte
	total := lineEnd + 2
	if cmd.multiline(code) {
		var ok bool
		body, total, ok, err = s.readBody(cmd, data, lineEnd)
		if err != nil {
			s.fail(SessionErrorNone)
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	s.recv = s.recv[1:]
	in.Consume(total)
	s.scanned = 0

	switch {
	case code == 480 && cmd.kind() != kindAuth:
		s.requireAuth(cmd)
	case code == 502:
		s.fail(SessionErrorNoPermission)
	default:
		err = cmd.complete(s, code, line, body, out)
	}

	s.updateState()
	return true, err
}

var (
	crlf       = []byte("\r\n")
	terminator = []byte("\r\n.\r\n")
)

func parseCode(line string) (int, error) {
	if len(line) < 3 {
		return 0, fmt.Errorf("%w: short response %q", ErrProtocol, line)
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 599 {
		return 0, fmt.Errorf("%w: bad response code %q", ErrProtocol, line)
	}
	if len(line) > 3 && line[3] != ' ' && line[3] != '-' {
		return 0, fmt.Errorf("%w: bad response line %q", ErrProtocol, line)
	}
	return code, nil
}

// readBody locates the end of a multi-line response. The returned body is
// a private copy with dot stuffing removed and without the terminator.
func (s *Session) readBody(cmd command, data []byte, lineEnd int) ([]byte, int, bool, error) {
	if cmd.compressed(s) {
		return s.readCompressedBody(data, lineEnd)
	}

	from := max(lineEnd, s.scanned)
	idx := bytes.Index(data[from:], terminator)
	if idx < 0 {
		s.scanned = max(lineEnd, len(data)-len(terminator)+1)
		return nil, 0, false, nil
	}
	end := from + idx
	return unstuff(data[lineEnd+2 : end+2]), end + len(terminator), true, nil
}

// readCompressedBody handles XFEATURE COMPRESS GZIP where the deflated blob
// is followed by ".\r\n". The blob may itself contain that sequence so every
// candidate is tried until the blob inflates.
func (s *Session) readCompressedBody(data []byte, lineEnd int) ([]byte, int, bool, error) {
	start := lineEnd + 2
	from := max(start, s.scanned)
	for {
		idx := bytes.Index(data[from:], []byte(".\r\n"))
		if idx < 0 {
			s.scanned = max(start, len(data)-2)
			return nil, 0, false, nil
		}
		end := from + idx
		if plain, err := inflate(data[start:end]); err == nil {
			return unstuff(trimTerminator(plain)), end + 3, true, nil
		}
		from = end + 1
	}
}

// trimTerminator strips a dot terminator carried inside inflated data.
func trimTerminator(p []byte) []byte {
	if bytes.Equal(p, []byte(".\r\n")) {
		return p[:0]
	}
	if bytes.HasSuffix(p, terminator) {
		return p[:len(p)-3]
	}
	return p
}

// unstuff copies body collapsing a leading ".." on every line into ".".
func unstuff(body []byte) []byte {
	out := make([]byte, 0, len(body))
	start := true
	for i := 0; i < len(body); i++ {
		if start && body[i] == '.' && i+1 < len(body) && body[i+1] == '.' {
			i++
		}
		out = append(out, body[i])
		start = body[i] == '\n'
	}
	return out
}

// requireAuth handles a 480. Credentials go in front of the send queue and
// every command rejected for lack of authentication is re-sent after them
// in its original order.
func (s *Session) requireAuth(rejected command) {
	if !s.authQueued {
		if s.authenticated {
			s.fail(SessionErrorAuthRejected)
			return
		}
		var user, pass string
		if s.OnAuth != nil {
			user, pass = s.OnAuth()
		}
		if user == "" {
			s.fail(SessionErrorAuthRejected)
			return
		}
		s.send = append([]command{&authUserCmd{user: user}, &authPassCmd{pass: pass}}, s.send...)
		s.authQueued = true
		s.authInsert = 2
	}

	s.send = append(s.send, nil)
	copy(s.send[s.authInsert+1:], s.send[s.authInsert:])
	s.send[s.authInsert] = rejected
	s.authInsert++
}

func (s *Session) authDone() {
	s.authQueued = false
	s.authInsert = 0
	s.authenticated = true
}

// dropPass removes a queued AUTHINFO PASS when AUTHINFO USER was enough.
func (s *Session) dropPass() {
	for i, c := range s.send {
		if _, ok := c.(*authPassCmd); ok {
			s.send = append(s.send[:i], s.send[i+1:]...)
			if s.authInsert > i {
				s.authInsert--
			}
			return
		}
	}
}

// pushFront queues commands ahead of everything else in their given order.
func (s *Session) pushFront(cmds ...command) {
	s.send = append(append([]command(nil), cmds...), s.send...)
	if s.authQueued {
		s.authInsert += len(cmds)
	}
}

func (s *Session) fail(e SessionError) {
	s.state = StateError
	s.err = e
}

func (s *Session) has(k cmdKind) bool {
	for _, c := range s.send {
		if c.kind() == k {
			return true
		}
	}
	for _, c := range s.recv {
		if c.kind() == k {
			return true
		}
	}
	return false
}

func (s *Session) updateState() {
	switch {
	case s.state == StateError:
	case s.quit:
		s.state = StateQuitting
	case s.has(kindAuth):
		s.state = StateAuthenticate
	case s.has(kindInit):
		s.state = StateInit
	case s.has(kindData):
		s.state = StateTransfer
	default:
		s.state = StateReady
	}
}
