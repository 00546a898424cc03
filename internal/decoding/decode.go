package decoding

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/datallboy/nzbengine/internal/action"
	"github.com/datallboy/nzbengine/internal/uuencode"
	"github.com/datallboy/nzbengine/internal/yenc"
)

var (
	ErrBrokenHeader = errors.New("broken binary header")
	ErrBrokenFooter = errors.New("broken binary footer")
	ErrNoBinary     = errors.New("no binary content found")
)

type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingYEnc
	EncodingUUEncode
)

func (e Encoding) String() string {
	switch e {
	case EncodingYEnc:
		return "yenc"
	case EncodingUUEncode:
		return "uuencode"
	}
	return "unknown"
}

// Flags is a bitset of soft errors. The binary is complete but might be
// unusable.
type Flags uint8

const (
	CRCMismatch Flags = 1 << iota
	SizeMismatch
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }
func (f Flags) Any() bool           { return f != 0 }

// Decode extracts the ascii armored binary from an article body.
type Decode struct {
	action.Base

	input []byte

	Binary    []byte
	Text      []byte
	Name      string
	Offset    int64
	Size      int64
	Encoding  Encoding
	Errors    Flags
	MultiPart bool
	FirstPart bool
	LastPart  bool
}

// New creates a decode action over an article body. The data is owned by
// the action afterwards.
func New(data []byte) *Decode {
	return &Decode{input: data}
}

func (d *Decode) Describe() string {
	return fmt.Sprintf("decode %d bytes", len(d.input))
}

func (d *Decode) Perform() {
	d.Capture(d.decode)
}

func splitLines(data []byte) [][]byte {
	lines := bytes.SplitAfter(data, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	return lines
}

func trimEOL(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}

func (d *Decode) decode() error {
	lines := splitLines(d.input)

	pos := 0
	for i, line := range lines {
		l := trimEOL(line)
		if yenc.IsHeader(l) {
			return d.decodeYEnc(d.input[pos:])
		}
		if _, ok := uuencode.ParseBegin(string(l)); ok {
			return d.decodeUUEncode(lines[i:])
		}
		if uuencode.IsEncodedLine(l) && i+1 < len(lines) && uuencode.IsEncodedLine(trimEOL(lines[i+1])) {
			return d.decodeUUEncode(lines[i:])
		}
		d.Text = append(d.Text, line...)
		pos += len(line)
	}

	return ErrNoBinary
}

// decodeYEnc streams body, which starts at the =ybegin line, through the
// yEnc decoder. The checksum is computed while decoding.
func (d *Decode) decodeYEnc(body []byte) error {
	d.Encoding = EncodingYEnc

	dec := yenc.NewDecoder(bytes.NewReader(body))
	if err := dec.DiscardHeader(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenHeader, err)
	}
	header := dec.Header
	d.Name = header.Name
	d.Size = header.Size

	multi := header.Part > 0 || dec.HasPart
	if multi && !dec.HasPart {
		return fmt.Errorf("%w: part %d without =ypart line", ErrBrokenHeader, header.Part)
	}

	var out bytes.Buffer
	out.Grow(len(body))
	if _, err := out.ReadFrom(dec); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenFooter, err)
	}
	binary := out.Bytes()
	part, end, crc := dec.Part, dec.End, dec.CRC()

	d.Binary = binary
	d.MultiPart = multi

	if multi {
		d.Offset = part.Begin - 1
		d.FirstPart = part.Begin == 1
		d.LastPart = part.End >= header.Size || (header.Total > 0 && header.Part == header.Total)
		if end.Size != int64(len(binary)) || part.End-part.Begin+1 != int64(len(binary)) {
			d.Errors |= SizeMismatch
		}
		if end.HasPartCRC && end.PartCRC32 != crc {
			d.Errors |= CRCMismatch
		}
		return nil
	}

	d.FirstPart = true
	d.LastPart = true
	if end.Size != int64(len(binary)) || header.Size != int64(len(binary)) {
		d.Errors |= SizeMismatch
	}
	switch {
	case end.HasCRC32 && end.CRC32 != crc:
		d.Errors |= CRCMismatch
	case !end.HasCRC32 && end.HasPartCRC && end.PartCRC32 != crc:
		d.Errors |= CRCMismatch
	}
	return nil
}

// decodeUUEncode handles single and multi part uuencode. There is no size,
// offset or checksum information: a part with begin but no end is the first
// part, one with neither is a middle part and end without begin the last.
func (d *Decode) decodeUUEncode(lines [][]byte) error {
	d.Encoding = EncodingUUEncode

	hasBegin := false
	if begin, ok := uuencode.ParseBegin(string(lines[0])); ok {
		d.Name = begin.Name
		hasBegin = true
		lines = lines[1:]
	}

	hasEnd := false
	var binary []byte
	for i, line := range lines {
		l := trimEOL(line)
		if uuencode.IsEnd(l) {
			hasEnd = true
			for _, rest := range lines[i+1:] {
				d.Text = append(d.Text, rest...)
			}
			break
		}
		if len(l) == 0 {
			continue
		}
		if !hasBegin && !uuencode.IsEncodedLine(l) && string(l) != "`" {
			// trailing text after the last data line of a middle part
			d.Text = append(d.Text, line...)
			continue
		}
		var err error
		binary, err = uuencode.DecodeLine(binary, l)
		if err != nil {
			return fmt.Errorf("uuencode line %d: %w", i, err)
		}
	}

	if len(binary) == 0 && !hasBegin {
		return ErrNoBinary
	}

	d.Binary = binary
	d.MultiPart = !(hasBegin && hasEnd)
	d.FirstPart = hasBegin
	d.LastPart = hasEnd
	return nil
}
