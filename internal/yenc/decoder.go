package yenc

import (
	"bufio"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"
)

// Decoder streams the binary payload of a single yEnc block out of r.
type Decoder struct {
	scanner    *bufio.Reader
	reachedEnd bool
	escaped    bool
	lineStart  bool
	hash       hash.Hash32

	Header  Header
	Part    Part
	HasPart bool
	End     End
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		scanner:   bufio.NewReader(r),
		hash:      crc32.NewIEEE(),
		lineStart: true,
	}
}

// DiscardHeader skips everything up to and including the =ybegin line and
// the optional =ypart line.
func (d *Decoder) DiscardHeader() error {
	for {
		line, err := d.scanner.ReadString('\n')
		if strings.HasPrefix(line, "=ybegin ") {
			h, err := ParseHeader(line)
			if err != nil {
				return err
			}
			d.Header = h
			return d.handlePotentialPartHeader()
		}
		if err != nil {
			return fmt.Errorf("searching for yenc header: %w", ErrHeaderNotFound)
		}
	}
}

func (d *Decoder) Read(p []byte) (n int, err error) {
	if d.reachedEnd {
		return 0, io.EOF
	}

	for n < len(p) {
		b, err := d.scanner.ReadByte()
		if err != nil {
			if err == io.EOF {
				return n, fmt.Errorf("%w: unexpected end of data", ErrBrokenFooter)
			}
			return n, err
		}

		if b == '\r' || b == '\n' {
			if d.escaped {
				// dangling escape at the end of the line
				p[n] = '=' - 42
				d.hash.Write(p[n : n+1])
				n++
				d.escaped = false
			}
			d.lineStart = true
			continue
		}

		if b == '=' && !d.escaped {
			if d.lineStart {
				peek, _ := d.scanner.Peek(4)
				if string(peek) == "yend" {
					d.reachedEnd = true
					if err := d.parseFooter(); err != nil {
						return n, err
					}
					return n, io.EOF
				}
			}

			d.escaped = true
			d.lineStart = false
			continue
		}
		d.lineStart = false

		var decoded byte
		if d.escaped {
			decoded = b - 64 - 42
			d.escaped = false
		} else {
			decoded = b - 42
		}

		p[n] = decoded
		d.hash.Write(p[n : n+1])
		n++
	}

	return n, nil
}

func (d *Decoder) parseFooter() error {
	line, _ := d.scanner.ReadString('\n')
	end, err := ParseEnd("=" + line)
	if err != nil {
		return err
	}
	d.End = end
	return nil
}

// CRC is the checksum of everything decoded so far.
func (d *Decoder) CRC() uint32 { return d.hash.Sum32() }

// Verify compares the running checksum with pcrc32, falling back to crc32.
// A footer without any checksum verifies trivially.
func (d *Decoder) Verify() error {
	actual := d.hash.Sum32()

	var expected uint32
	switch {
	case d.End.HasPartCRC:
		expected = d.End.PartCRC32
	case d.End.HasCRC32:
		expected = d.End.CRC32
	default:
		return nil
	}

	if actual != expected {
		return fmt.Errorf("checksum mismatch: expected %08X, got %08X", expected, actual)
	}
	return nil
}

func (d *Decoder) handlePotentialPartHeader() error {
	peek, _ := d.scanner.Peek(len("=ypart"))
	if string(peek) != "=ypart" {
		return nil
	}

	line, err := d.scanner.ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("%w: %v", ErrBrokenPart, err)
	}
	p, err := ParsePart(line)
	if err != nil {
		return err
	}
	d.Part = p
	d.HasPart = true
	return nil
}
