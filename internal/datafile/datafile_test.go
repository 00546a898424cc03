package datafile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datallboy/nzbengine/internal/action"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, "passwd", Sanitize("../../etc/passwd"))
	assert.Equal(t, "file.bin", Sanitize(`C:\temp\file.bin`))
	assert.Equal(t, "a_b_c.txt", Sanitize("a?b*c.txt"))
	assert.Equal(t, "unnamed", Sanitize(" .. "))
}

func TestCreateUniqueNames(t *testing.T) {
	dir := t.TempDir()

	a, err := Create(dir, "movie.mkv", 0, false)
	require.NoError(t, err)
	defer a.Close()
	b, err := Create(dir, "movie.mkv", 0, false)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "movie.mkv", a.Name())
	assert.Equal(t, "movie (1).mkv", b.Name())
	assert.NotEqual(t, a.ID(), b.ID())

	c, err := Create(dir, "movie.mkv", 0, true)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, filepath.Join(dir, "movie.mkv"), c.Path())
}

func TestOffsetWritesReassemble(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(dir, "out.bin", 10, false)
	require.NoError(t, err)

	require.NoError(t, f.WriteAt(5, []byte("world")))
	require.NoError(t, f.WriteAt(0, []byte("hello")))
	assert.Equal(t, int64(10), f.BytesWritten())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))

	assert.ErrorIs(t, f.WriteAt(0, []byte("x")), ErrClosed)
}

func TestSequentialAppend(t *testing.T) {
	f, err := Create(t.TempDir(), "seq.txt", 0, false)
	require.NoError(t, err)

	require.NoError(t, f.WriteAt(Append, []byte("abc")))
	require.NoError(t, f.WriteAt(Append, []byte("def")))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestDiscardOnClose(t *testing.T) {
	f, err := Create(t.TempDir(), "tmp.bin", 100, false)
	require.NoError(t, err)
	f.DiscardOnClose()
	require.NoError(t, f.Close())

	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestWriteActionsArePinned(t *testing.T) {
	f, err := Create(t.TempDir(), "pinned.bin", 0, false)
	require.NoError(t, err)

	done := make(chan action.Action, 8)
	pool := action.NewThreadPool(4, func(a action.Action) { done <- a })
	defer pool.Shutdown()

	for i := 0; i < 8; i++ {
		a := f.Write(Append, []byte{byte('a' + i)})
		assert.Equal(t, action.SingleThread, a.Affinity())
		assert.Equal(t, f.ID(), a.Owner())
		require.NoError(t, pool.Submit(a))
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, (<-done).Err())
	}
	require.NoError(t, f.Close())

	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(data))
}
