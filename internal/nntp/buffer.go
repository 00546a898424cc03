package nntp

import (
	"errors"
	"io"
)

// Status is the delivery status of a buffer's content.
type Status int

const (
	StatusNone Status = iota
	StatusSuccess
	StatusUnavailable
	StatusDMCA
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnavailable:
		return "unavailable"
	case StatusDMCA:
		return "dmca"
	case StatusError:
		return "error"
	default:
		return "none"
	}
}

// ContentType tells what kind of response a buffer carries.
type ContentType int

const (
	ContentNone ContentType = iota
	ContentArticle
	ContentOverview
	ContentGroupInfo
	ContentGroupList
)

func (c ContentType) String() string {
	switch c {
	case ContentArticle:
		return "article"
	case ContentOverview:
		return "overview"
	case ContentGroupInfo:
		return "groupinfo"
	case ContentGroupList:
		return "grouplist"
	default:
		return "none"
	}
}

// ErrBufferFull is returned by Fill when the buffer reached its size limit.
var ErrBufferFull = errors.New("buffer size limit reached")

// MaxBufferSize bounds how much unconsumed input a connection may hold.
const MaxBufferSize = 64 << 20

// Buffer is a byte region with a delivery status.
//
// It plays two roles. As an input buffer the connection appends raw socket
// data and the session consumes it from the front. As an output buffer the
// session stores a response payload plus its status and type.
type Buffer struct {
	data  []byte
	start int

	content []byte
	line    string
	status  Status
	ctype   ContentType
}

// NewBuffer returns an empty buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Append adds raw bytes to the end of the unconsumed input.
func (b *Buffer) Append(p []byte) {
	b.compact()
	b.data = append(b.data, p...)
}

// AppendString is Append for string literals, used mostly by tests.
func (b *Buffer) AppendString(s string) {
	b.Append([]byte(s))
}

// Bytes returns the unconsumed input.
func (b *Buffer) Bytes() []byte { return b.data[b.start:] }

// Len returns the number of unconsumed input bytes.
func (b *Buffer) Len() int { return len(b.data) - b.start }

// Consume drops n bytes from the front of the input.
func (b *Buffer) Consume(n int) {
	b.start += n
	if b.start >= len(b.data) {
		b.data = b.data[:0]
		b.start = 0
	}
}

// Clear drops all input and resets the output state.
func (b *Buffer) Clear() {
	b.data = b.data[:0]
	b.start = 0
	b.content = nil
	b.line = ""
	b.status = StatusNone
	b.ctype = ContentNone
}

// Fill reads at most max bytes from r into the input region.
func (b *Buffer) Fill(r io.Reader, max int) (int, error) {
	if b.Len()+max > MaxBufferSize {
		return 0, ErrBufferFull
	}
	b.compact()

	if cap(b.data)-len(b.data) < max {
		grown := make([]byte, len(b.data), len(b.data)+max+len(b.data)/2)
		copy(grown, b.data)
		b.data = grown
	}

	n, err := r.Read(b.data[len(b.data) : len(b.data)+max])
	b.data = b.data[:len(b.data)+n]
	return n, err
}

// compact moves the unconsumed bytes to the front once more than half of the
// backing array is dead space.
func (b *Buffer) compact() {
	if b.start == 0 || b.start < cap(b.data)/2 {
		return
	}
	n := copy(b.data, b.data[b.start:])
	b.data = b.data[:n]
	b.start = 0
}

// Content returns the response payload.
func (b *Buffer) Content() []byte { return b.content }

// ContentLength returns the payload length in bytes.
func (b *Buffer) ContentLength() int { return len(b.content) }

// TakeContent hands the payload over to the caller and empties the buffer.
func (b *Buffer) TakeContent() []byte {
	c := b.content
	b.content = nil
	return c
}

func (b *Buffer) SetContent(p []byte) { b.content = p }

// Line returns the status line the payload was delivered with.
func (b *Buffer) Line() string { return b.line }

func (b *Buffer) SetLine(line string) { b.line = line }

func (b *Buffer) Status() Status { return b.status }

func (b *Buffer) SetStatus(s Status) { b.status = s }

func (b *Buffer) ContentType() ContentType { return b.ctype }

func (b *Buffer) SetContentType(c ContentType) { b.ctype = c }
