package datafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/datallboy/nzbengine/internal/action"
)

// Append as a write offset means "after the previous sequential write".
const Append int64 = -1

var ErrClosed = errors.New("datafile is closed")

var nextID atomic.Uint64

// File is a binary being reassembled on disk. Writes are actions pinned to
// the file id, so they never run concurrently with each other.
type File struct {
	id   uint64
	name string
	path string

	mu      sync.Mutex
	file    *os.File
	size    int64
	end     int64
	closed  bool
	written atomic.Int64
	discard atomic.Bool
}

// Create opens a new file in dir. The name is sanitised and, unless
// overwrite is set, made unique by adding a " (n)" suffix. A known size
// pre-sizes the file.
func Create(dir, name string, size int64, overwrite bool) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}

	name = Sanitize(name)

	var f *os.File
	var path string
	if overwrite {
		path = filepath.Join(dir, name)
		var err error
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("could not open final file: %w", err)
		}
	} else {
		ext := filepath.Ext(name)
		base := strings.TrimSuffix(name, ext)
		for i := 0; ; i++ {
			candidate := name
			if i > 0 {
				candidate = base + " (" + strconv.Itoa(i) + ")" + ext
			}
			path = filepath.Join(dir, candidate)

			var err error
			f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
			if err == nil {
				name = candidate
				break
			}
			if !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("could not open final file: %w", err)
			}
		}
	}

	df := &File{id: nextID.Add(1), name: name, path: path, file: f}
	if size > 0 {
		if err := df.Resize(size); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
	}
	return df, nil
}

// Sanitize makes name safe to use as a single path element.
func Sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")
	if name == "" {
		return "unnamed"
	}
	return name
}

func (f *File) ID() uint64          { return f.id }
func (f *File) Name() string        { return f.name }
func (f *File) Path() string        { return f.path }
func (f *File) BytesWritten() int64 { return f.written.Load() }

func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Resize records the final size and grows the file sparsely.
func (f *File) Resize(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	// On Linux/Unix, Truncate creates a sparse file.
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("could not pre-size %s: %w", f.name, err)
	}
	f.size = size
	return nil
}

// DiscardOnClose removes the file when it gets closed.
func (f *File) DiscardOnClose() { f.discard.Store(true) }

// WriteAt writes data at offset, or after the last sequential write when
// offset is Append.
func (f *File) WriteAt(offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if offset == Append {
		offset = f.end
	}
	if _, err := f.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write %s at %d: %w", f.name, offset, err)
	}
	if e := offset + int64(len(data)); e > f.end {
		f.end = e
	}
	f.written.Add(int64(len(data)))
	return nil
}

// Write returns an action writing data at offset.
func (f *File) Write(offset int64, data []byte) action.Action {
	w := &writeAction{file: f, offset: offset, data: data}
	w.Pin(f.id)
	return w
}

// Close truncates to the known size, syncs and closes. A discarded file is
// removed instead.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	if f.discard.Load() {
		f.file.Close()
		return os.Remove(f.path)
	}

	finalSize := f.size
	if finalSize <= 0 {
		finalSize = f.end
	}
	if err := f.file.Truncate(finalSize); err != nil {
		f.file.Close()
		return fmt.Errorf("failed to truncate to final size: %w", err)
	}

	f.file.Sync()
	return f.file.Close()
}

type writeAction struct {
	action.Base
	file   *File
	offset int64
	data   []byte
}

func (w *writeAction) Perform() {
	w.Capture(func() error { return w.file.WriteAt(w.offset, w.data) })
}

func (w *writeAction) Describe() string {
	return fmt.Sprintf("write %d bytes to %s", len(w.data), w.file.name)
}

// Len is the number of bytes the action writes.
func (w *writeAction) Len() int { return len(w.data) }
