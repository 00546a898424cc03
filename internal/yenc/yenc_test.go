package yenc

import (
	"bytes"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestParseHeader(t *testing.T) {
	h, err := ParseHeader("=ybegin part=2 total=5 line=128 size=384000 name=my file.part01.rar\r\n")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Part)
	assert.Equal(t, 5, h.Total)
	assert.Equal(t, 128, h.Line)
	assert.Equal(t, int64(384000), h.Size)
	assert.Equal(t, "my file.part01.rar", h.Name)

	_, err = ParseHeader("=ybegin line=128 name=x.bin")
	assert.ErrorIs(t, err, ErrBrokenHeader)

	_, err = ParseHeader("=ybegin line=128 size=10")
	assert.ErrorIs(t, err, ErrBrokenHeader)
}

func TestParsePartAndEnd(t *testing.T) {
	p, err := ParsePart("=ypart begin=1 end=1000")
	require.NoError(t, err)
	assert.Equal(t, Part{Begin: 1, End: 1000}, p)

	_, err = ParsePart("=ypart begin=10 end=5")
	assert.ErrorIs(t, err, ErrBrokenPart)

	e, err := ParseEnd("=yend size=1000 part=1 pcrc32=DEADBEEF crc32=0000abcd")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), e.Size)
	assert.Equal(t, 1, e.Part)
	assert.True(t, e.HasPartCRC)
	assert.Equal(t, uint32(0xdeadbeef), e.PartCRC32)
	assert.True(t, e.HasCRC32)
	assert.Equal(t, uint32(0xabcd), e.CRC32)

	_, err = ParseEnd("=yend part=1")
	assert.ErrorIs(t, err, ErrBrokenFooter)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := sample(4096)
	encoded := Encode(data, 128)

	for _, line := range bytes.Split(encoded, []byte("\r\n")) {
		assert.LessOrEqual(t, len(line), 129)
		if len(line) > 0 {
			assert.NotEqual(t, byte('.'), line[0], "lines must not start with a dot")
		}
		assert.NotContains(t, string(line), "\x00")
	}

	var decoded []byte
	for _, line := range bytes.Split(encoded, []byte("\r\n")) {
		decoded = DecodeLine(decoded, line)
	}
	assert.Equal(t, data, decoded)
}

func TestDecoderSinglePart(t *testing.T) {
	data := sample(1000)
	block := EncodeSingle("file.bin", data, 64)

	d := NewDecoder(bytes.NewReader(append([]byte("some text\r\n"), block...)))
	require.NoError(t, d.DiscardHeader())
	assert.Equal(t, "file.bin", d.Header.Name)

	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoError(t, d.Verify())
	assert.Equal(t, crc32.ChecksumIEEE(data), d.End.CRC32)
}

func TestDecoderMultiPart(t *testing.T) {
	data := sample(300)
	block := EncodePart("file.bin", data[100:200], 2, 3, 100, 300, 128)

	d := NewDecoder(bytes.NewReader(block))
	require.NoError(t, d.DiscardHeader())
	assert.Equal(t, Part{Begin: 101, End: 200}, d.Part)

	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, data[100:200], got)
	assert.NoError(t, d.Verify())
}

func TestDecoderChecksumMismatch(t *testing.T) {
	data := sample(100)
	block := string(EncodeSingle("file.bin", data, 128))
	block = block[:strings.LastIndex(block, "crc32=")+len("crc32=")] + "00000001\r\n"

	d := NewDecoder(strings.NewReader(block))
	require.NoError(t, d.DiscardHeader())
	_, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Error(t, d.Verify())
}

func TestDecoderMissingFooter(t *testing.T) {
	encoded := Encode(sample(50), 128)
	input := append([]byte("=ybegin line=128 size=50 name=a\r\n"), encoded...)

	d := NewDecoder(bytes.NewReader(input))
	require.NoError(t, d.DiscardHeader())
	_, err := io.ReadAll(d)
	assert.ErrorIs(t, err, ErrBrokenFooter)
}

func TestDecoderNoHeader(t *testing.T) {
	d := NewDecoder(strings.NewReader("just text\r\n"))
	assert.ErrorIs(t, d.DiscardHeader(), ErrHeaderNotFound)
}

func TestDecoderEscapeBeforeEndText(t *testing.T) {
	input := "=ybegin line=128 size=5 name=a\r\nX=yend\r\n=yend size=5\r\n"

	d := NewDecoder(strings.NewReader(input))
	require.NoError(t, d.DiscardHeader())
	assert.False(t, d.HasPart)

	got, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, []byte{46, 15, 59, 68, 58}, got)
	assert.Equal(t, int64(5), d.End.Size)
	assert.Equal(t, crc32.ChecksumIEEE(got), d.CRC())
}
