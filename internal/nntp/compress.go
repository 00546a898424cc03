package nntp

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
)

// inflate undoes gzip, zlib or raw deflate, detected from the header bytes.
func inflate(p []byte) ([]byte, error) {
	var r io.ReadCloser
	var err error

	switch {
	case len(p) >= 2 && p[0] == 0x1f && p[1] == 0x8b:
		r, err = gzip.NewReader(bytes.NewReader(p))
	case len(p) >= 2 && p[0]&0x0f == 8 && (uint16(p[0])<<8|uint16(p[1]))%31 == 0:
		r, err = zlib.NewReader(bytes.NewReader(p))
	default:
		r = flate.NewReader(bytes.NewReader(p))
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
