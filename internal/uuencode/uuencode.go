package uuencode

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

var ErrBadLine = errors.New("uuencode: malformed line")

// Begin is the "begin <mode> <name>" line.
type Begin struct {
	Mode uint32
	Name string
}

// ParseBegin parses a begin line. The mode must be octal.
func ParseBegin(line string) (Begin, bool) {
	line = strings.TrimRight(line, "\r\n")
	rest, ok := strings.CutPrefix(line, "begin ")
	if !ok {
		return Begin{}, false
	}

	mode, name, ok := strings.Cut(rest, " ")
	if !ok || name == "" {
		return Begin{}, false
	}
	m, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return Begin{}, false
	}
	return Begin{Mode: uint32(m), Name: strings.TrimSpace(name)}, true
}

// IsEnd reports whether line is the "end" terminator.
func IsEnd(line []byte) bool {
	return string(bytes.TrimRight(line, "\r\n \t")) == "end"
}

func value(c byte) byte {
	return (c - ' ') & 0x3f
}

// IsEncodedLine reports whether the line has the length and shape of an
// encoded data line. Used to detect the middle parts of a multi part post
// that carry neither begin nor end.
func IsEncodedLine(line []byte) bool {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < 2 {
		return false
	}
	for _, c := range line {
		if c < ' ' || c > '`' {
			return false
		}
	}
	n := int(value(line[0]))
	if n == 0 {
		return false
	}
	want := (n + 2) / 3 * 4
	// some encoders trim trailing spaces, others append a checksum char
	return len(line)-1 >= want-2 && len(line)-1 <= want+1
}

// DecodeLine appends the decoded bytes of one data line to dst.
func DecodeLine(dst, line []byte) ([]byte, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return dst, nil
	}

	n := int(value(line[0]))
	if n == 0 {
		return dst, nil
	}

	body := line[1:]
	need := (n + 2) / 3 * 4
	if len(body) < need {
		// pad trimmed trailing spaces
		padded := make([]byte, need)
		copy(padded, body)
		for i := len(body); i < need; i++ {
			padded[i] = ' '
		}
		body = padded
	}

	out := make([]byte, 0, need/4*3)
	for i := 0; i+4 <= need; i += 4 {
		a, b, c, d := value(body[i]), value(body[i+1]), value(body[i+2]), value(body[i+3])
		out = append(out, a<<2|b>>4, b<<4|c>>2, c<<6|d)
	}
	if len(out) < n {
		return dst, ErrBadLine
	}
	return append(dst, out[:n]...), nil
}

func encodeChar(v byte) byte {
	if v == 0 {
		return '`'
	}
	return v + ' '
}

// Encode produces a complete uuencoded block including begin and end lines.
func Encode(name string, mode uint32, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("begin " + strconv.FormatUint(uint64(mode), 8) + " " + name + "\r\n")
	buf.Write(EncodeLines(data))
	buf.WriteString("`\r\nend\r\n")
	return buf.Bytes()
}

// EncodeLines encodes data as 45 byte lines without begin/end framing.
func EncodeLines(data []byte) []byte {
	var buf bytes.Buffer
	for len(data) > 0 {
		n := min(len(data), 45)
		chunk := make([]byte, (n+2)/3*3)
		copy(chunk, data[:n])
		data = data[n:]

		buf.WriteByte(encodeChar(byte(n)))
		for i := 0; i < len(chunk); i += 3 {
			a, b, c := chunk[i], chunk[i+1], chunk[i+2]
			buf.WriteByte(encodeChar(a >> 2))
			buf.WriteByte(encodeChar((a<<4 | b>>4) & 0x3f))
			buf.WriteByte(encodeChar((b<<2 | c>>6) & 0x3f))
			buf.WriteByte(encodeChar(c & 0x3f))
		}
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}
