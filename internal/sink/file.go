package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// FileSink writes shards to <folder>/<key> on the local filesystem.
type FileSink struct {
	folder   string
	mkdirAll bool
	compress bool
}

// FileOptions configures a FileSink.
type FileOptions struct {
	// MkdirAll creates the destination folder recursively before the
	// first open.
	MkdirAll bool
	// Compress wraps each shard in a zstd stream.
	Compress bool
}

// NewFileSink returns a FileSink rooted at folder.
func NewFileSink(folder string, opts FileOptions) *FileSink {
	return &FileSink{folder: folder, mkdirAll: opts.MkdirAll, compress: opts.Compress}
}

// Exists reports whether a shard file is already present at key.
func (s *FileSink) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.folder, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Open opens <folder>/<key> for writing. Create and overwrite start a fresh
// array with its opening bracket; append resumes an existing one.
func (s *FileSink) Open(_ context.Context, key string, mode Mode) (Handle, error) {
	if s.mkdirAll {
		if err := os.MkdirAll(s.folder, 0755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", s.folder, err)
		}
	}
	path := filepath.Join(s.folder, key)

	if mode == ModeAppend {
		if s.compress {
			return nil, ErrAppendUnsupported
		}
		return openAppend(path)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if mode == ModeOverwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	h := &fileHandle{f: f, w: f}
	if s.compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
		h.enc = enc
		h.w = enc
	}
	if _, err := h.w.Write([]byte("[")); err != nil {
		h.f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return h, nil
}

// openAppend reopens an existing array file and positions the handle just
// before the closing bracket. It inspects the trailing bytes (the "]\n" or
// "]" a previous close left behind) to decide whether the array already
// holds items and therefore needs a comma before the next one.
func openAppend(path string) (Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		// Nothing to resume; start a fresh array.
		if _, err := f.Write([]byte("[")); err != nil {
			f.Close()
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		return &fileHandle{f: f, w: f}, nil
	}

	n := int64(3)
	if size < n {
		n = size
	}
	window := make([]byte, n)
	if _, err := f.ReadAt(window, size-n); err != nil {
		f.Close()
		return nil, fmt.Errorf("read tail of %s: %w", path, err)
	}
	idx := bytes.LastIndexByte(window, ']')
	if idx < 0 {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotArray)
	}
	bracket := size - n + int64(idx)
	if bracket == 0 {
		// A bare "]" with no opening bracket before it.
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNotArray)
	}

	var prev byte
	if idx > 0 {
		prev = window[idx-1]
	} else {
		one := make([]byte, 1)
		if _, err := f.ReadAt(one, bracket-1); err != nil {
			f.Close()
			return nil, fmt.Errorf("read tail of %s: %w", path, err)
		}
		prev = one[0]
	}

	if err := f.Truncate(bracket); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s: %w", path, err)
	}
	if _, err := f.Seek(bracket, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &fileHandle{f: f, w: f, needsSep: prev != '['}, nil
}

type fileHandle struct {
	f        *os.File
	w        io.Writer
	enc      *zstd.Encoder
	needsSep bool
}

func (h *fileHandle) Write(_ context.Context, p []byte) error {
	_, err := h.w.Write(p)
	return err
}

func (h *fileHandle) Close(_ context.Context, trailing []byte) error {
	_, werr := h.w.Write(trailing)
	var encErr error
	if h.enc != nil {
		encErr = h.enc.Close()
	}
	syncErr := h.f.Sync()
	closeErr := h.f.Close()
	if werr != nil {
		return werr
	}
	if encErr != nil {
		return encErr
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (h *fileHandle) NeedsSeparator() bool {
	return h.needsSep
}
