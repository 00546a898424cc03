package yenc

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

var (
	ErrHeaderNotFound = errors.New("yenc header not found")
	ErrBrokenHeader   = errors.New("yenc: broken or missing header")
	ErrBrokenPart     = errors.New("yenc: broken or missing part line")
	ErrBrokenFooter   = errors.New("yenc: broken or missing footer")
)

// Header is the =ybegin line. Part and Total are zero for single part posts.
type Header struct {
	Part  int
	Total int
	Line  int
	Size  int64
	Name  string
}

// Part is the =ypart line: 1-based inclusive byte range in the final file.
type Part struct {
	Begin int64
	End   int64
}

// End is the =yend line.
type End struct {
	Size        int64
	Part        int
	CRC32       uint32
	PartCRC32   uint32
	HasCRC32    bool
	HasPartCRC  bool
	ExplicitEnd bool
}

// IsHeader reports whether line starts a yEnc block.
func IsHeader(line []byte) bool {
	return bytes.HasPrefix(line, []byte("=ybegin "))
}

// ParseHeader parses "=ybegin part=1 total=3 line=128 size=1000 name=foo.bin".
// The name runs to the end of the line and may contain spaces.
func ParseHeader(line string) (Header, error) {
	var h Header

	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "=ybegin ") {
		return h, ErrBrokenHeader
	}

	idx := strings.Index(line, " name=")
	if idx < 0 {
		return h, fmt.Errorf("%w: no name", ErrBrokenHeader)
	}
	h.Name = strings.TrimSpace(line[idx+len(" name="):])

	hasSize := false
	for _, field := range strings.Fields(line[len("=ybegin "):idx]) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return h, fmt.Errorf("%w: bad %s value %q", ErrBrokenHeader, key, val)
		}
		switch key {
		case "part":
			h.Part = int(n)
		case "total":
			h.Total = int(n)
		case "line":
			h.Line = int(n)
		case "size":
			h.Size = n
			hasSize = true
		}
	}

	if !hasSize {
		return h, fmt.Errorf("%w: no size", ErrBrokenHeader)
	}
	return h, nil
}

// ParsePart parses "=ypart begin=1 end=1000".
func ParsePart(line string) (Part, error) {
	var p Part

	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "=ypart ") {
		return p, ErrBrokenPart
	}

	var hasBegin, hasEnd bool
	for _, field := range strings.Fields(line[len("=ypart "):]) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return p, fmt.Errorf("%w: bad %s value %q", ErrBrokenPart, key, val)
		}
		switch key {
		case "begin":
			p.Begin, hasBegin = n, true
		case "end":
			p.End, hasEnd = n, true
		}
	}

	if !hasBegin || !hasEnd || p.Begin < 1 || p.End < p.Begin {
		return p, ErrBrokenPart
	}
	return p, nil
}

// ParseEnd parses "=yend size=1000 part=1 pcrc32=abcd1234 crc32=abcd1234".
func ParseEnd(line string) (End, error) {
	var e End

	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "=yend") {
		return e, ErrBrokenFooter
	}

	hasSize := false
	for _, field := range strings.Fields(line[len("=yend"):]) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "size":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return e, fmt.Errorf("%w: bad size %q", ErrBrokenFooter, val)
			}
			e.Size, hasSize = n, true
		case "part":
			n, err := strconv.Atoi(val)
			if err != nil {
				return e, fmt.Errorf("%w: bad part %q", ErrBrokenFooter, val)
			}
			e.Part = n
		case "pcrc32":
			crc, err := strconv.ParseUint(val, 16, 32)
			if err == nil {
				e.PartCRC32, e.HasPartCRC = uint32(crc), true
			}
		case "crc32":
			crc, err := strconv.ParseUint(val, 16, 32)
			if err == nil {
				e.CRC32, e.HasCRC32 = uint32(crc), true
			}
		}
	}

	if !hasSize {
		return e, fmt.Errorf("%w: no size", ErrBrokenFooter)
	}
	e.ExplicitEnd = true
	return e, nil
}

// DecodeLine appends the decoded bytes of one encoded line to dst.
// CR and LF are ignored, '=' escapes the next byte.
func DecodeLine(dst, line []byte) []byte {
	escaped := false
	for _, c := range line {
		switch {
		case escaped:
			dst = append(dst, c-64-42)
			escaped = false
		case c == '\r' || c == '\n':
		case c == '=':
			escaped = true
		default:
			dst = append(dst, c-42)
		}
	}
	if escaped {
		// dangling escape at the end of the line
		dst = append(dst, '='-42)
	}
	return dst
}

// needsEscape reports whether an encoded value must be prefixed with '='.
// Dots and whitespace are escaped at line boundaries so that NNTP dot
// stuffing and line trimming can't damage the payload.
func needsEscape(v byte, col int, last bool) bool {
	switch v {
	case 0x00, '\n', '\r', '=':
		return true
	case '\t', ' ':
		return col == 0 || last
	case '.':
		return col == 0
	}
	return false
}

// Encode yEnc encodes data, breaking lines after lineLen output characters.
func Encode(data []byte, lineLen int) []byte {
	if lineLen <= 0 {
		lineLen = 128
	}

	out := make([]byte, 0, len(data)+len(data)/50+len(data)/lineLen*2+4)
	col := 0
	for i, b := range data {
		v := b + 42
		last := i == len(data)-1 || col+1 >= lineLen
		if needsEscape(v, col, last) {
			out = append(out, '=', v+64)
			col += 2
		} else {
			out = append(out, v)
			col++
		}
		if col >= lineLen {
			out = append(out, '\r', '\n')
			col = 0
		}
	}
	if col > 0 {
		out = append(out, '\r', '\n')
	}
	return out
}

// EncodeSingle produces a complete single part yEnc block with header,
// encoded data and footer including the crc32.
func EncodeSingle(name string, data []byte, lineLen int) []byte {
	if lineLen <= 0 {
		lineLen = 128
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=ybegin line=%d size=%d name=%s\r\n", lineLen, len(data), name)
	buf.Write(Encode(data, lineLen))
	fmt.Fprintf(&buf, "=yend size=%d crc32=%08x\r\n", len(data), crc32.ChecksumIEEE(data))
	return buf.Bytes()
}

// EncodePart produces one part of a multi part yEnc binary. offset is the
// 0-based position of data in the whole file of totalSize bytes.
func EncodePart(name string, data []byte, part, total int, offset, totalSize int64, lineLen int) []byte {
	if lineLen <= 0 {
		lineLen = 128
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n", part, total, lineLen, totalSize, name)
	fmt.Fprintf(&buf, "=ypart begin=%d end=%d\r\n", offset+1, offset+int64(len(data)))
	buf.Write(Encode(data, lineLen))
	fmt.Fprintf(&buf, "=yend size=%d part=%d pcrc32=%08x\r\n", len(data), part, crc32.ChecksumIEEE(data))
	return buf.Bytes()
}
