// Package nntptest provides a scripted NNTP server for tests.
package nntptest

import (
	"net"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Server answers the reader commands the engine uses. Configure the fields
// before calling Start.
type Server struct {
	Password    string
	RequireAuth bool
	// Groups maps a group name to its "count low high" numbers.
	Groups map[string][3]uint64
	// Articles maps message ids (without brackets) to dot-unstuffed bodies.
	Articles map[string]string
	// Active lines returned by LIST.
	Active []string
	// Overviews holds tab separated XOVER lines per group.
	Overviews map[string][]string
	// DropConnections closes that many accepted connections right away.
	DropConnections int32
	// Hang blocks BODY commands until the channel is closed.
	Hang chan struct{}
	// Stall limits Hang to these message ids.
	Stall []string

	mu       sync.Mutex
	commands []string
	accepted atomic.Int32
}

// Start listens on 127.0.0.1 and serves until the test ends.
func (s *Server) Start(t testing.TB) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("nntptest: listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if s.accepted.Add(1) <= s.DropConnections {
				conn.Close()
				continue
			}
			go s.serve(conn)
		}
	}()

	return "127.0.0.1", ln.Addr().(*net.TCPAddr).Port
}

// Accepted is the number of connections accepted so far, dropped ones
// included.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Seen returns every command line received, in order.
func (s *Server) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Count returns how often a command line was received.
func (s *Server) Count(line string) int {
	n := 0
	for _, c := range s.Seen() {
		if c == line {
			n++
		}
	}
	return n
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
}

func (s *Server) serve(nc net.Conn) {
	defer nc.Close()
	tp := textproto.NewConn(nc)
	tp.PrintfLine("200 nntptest server ready")

	authed := false
	group := ""
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		s.record(line)
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		if s.RequireAuth && !authed && verb != "AUTHINFO" && verb != "QUIT" {
			tp.PrintfLine("480 authentication required")
			continue
		}

		switch verb {
		case "CAPABILITIES":
			tp.PrintfLine("101 capability list follows")
			tp.PrintfLine("VERSION 2")
			tp.PrintfLine("READER")
			tp.PrintfLine(".")
		case "AUTHINFO":
			kind, value, _ := strings.Cut(arg, " ")
			switch {
			case strings.EqualFold(kind, "USER"):
				tp.PrintfLine("381 password required")
			case value == s.Password:
				authed = true
				tp.PrintfLine("281 authentication accepted")
			default:
				tp.PrintfLine("481 authentication rejected")
			}
		case "GROUP":
			g, ok := s.Groups[arg]
			if !ok {
				tp.PrintfLine("411 no such group")
				continue
			}
			group = arg
			tp.PrintfLine("211 %d %d %d %s", g[0], g[1], g[2], arg)
		case "LIST":
			tp.PrintfLine("215 list of newsgroups follows")
			s.writeLines(tp, s.Active)
		case "XOVER":
			if group == "" {
				tp.PrintfLine("412 no newsgroup selected")
				continue
			}
			tp.PrintfLine("224 overview information follows")
			s.writeLines(tp, s.overviews(group, arg))
		case "BODY":
			if s.Hang != nil && s.stalls(arg) {
				<-s.Hang
				return
			}
			body, ok := s.Articles[strings.Trim(arg, "<>")]
			if !ok {
				tp.PrintfLine("430 no such article")
				continue
			}
			tp.PrintfLine("222 0 %s", arg)
			w := tp.DotWriter()
			w.Write([]byte(body))
			w.Close()
		case "DATE":
			tp.PrintfLine("111 20240101000000")
		case "QUIT":
			tp.PrintfLine("205 bye")
			return
		default:
			tp.PrintfLine("500 unknown command")
		}
	}
}

func (s *Server) stalls(arg string) bool {
	if len(s.Stall) == 0 {
		return true
	}
	return slices.Contains(s.Stall, strings.Trim(arg, "<>"))
}

func (s *Server) writeLines(tp *textproto.Conn, lines []string) {
	w := tp.DotWriter()
	for _, l := range lines {
		w.Write([]byte(l + "\n"))
	}
	w.Close()
}

func (s *Server) overviews(group, rng string) []string {
	first, last := uint64(0), ^uint64(0)
	if a, b, ok := strings.Cut(rng, "-"); ok {
		first, _ = strconv.ParseUint(a, 10, 64)
		if b != "" {
			last, _ = strconv.ParseUint(b, 10, 64)
		}
	} else if rng != "" {
		first, _ = strconv.ParseUint(rng, 10, 64)
		last = first
	}

	var out []string
	for _, l := range s.Overviews[group] {
		num, _, _ := strings.Cut(l, "\t")
		n, err := strconv.ParseUint(num, 10, 64)
		if err != nil || n < first || n > last {
			continue
		}
		out = append(out, l)
	}
	return out
}
