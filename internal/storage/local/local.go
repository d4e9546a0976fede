// Package local implements storage.Backend on the local filesystem,
// adapted from the original internal/cache FSStore: a temp-file +
// rename is still how atomicity is achieved, but keys now address
// arbitrary content-addressed or scratch paths directly (no sidecar
// metadata — that responsibility moved to the index store).
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/harbor-cache/regcache/internal/storage"
)

// Backend is a filesystem-rooted storage.Backend.
type Backend struct {
	root string
}

// New creates a filesystem-backed store rooted at root. The caller
// must call Init before use.
func New(root string) *Backend {
	return &Backend{root: root}
}

// Init ensures the root directory (and its blobs/uploads subdirs) exist.
func (b *Backend) Init() error {
	if err := os.MkdirAll(filepath.Join(b.root, "blobs"), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(b.root, "uploads"), 0o755)
}

func (b *Backend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// PutStream writes r to key via a temp file in the same directory,
// renamed into place on success — the rename is atomic on a single
// filesystem, so no partial object is ever visible under key.
func (b *Backend) PutStream(_ context.Context, key string, r io.Reader) (int64, error) {
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("writing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("installing object: %w", err)
	}
	return n, nil
}

// ScratchWriter opens tmpKey for appending/writing upload-session bytes.
func (b *Backend) ScratchWriter(_ context.Context, tmpKey string) (io.WriteCloser, error) {
	dst := b.path(tmpKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening scratch: %w", err)
	}
	return f, nil
}

// PutAtomic renames tmpKey to finalKey, a same-filesystem rename.
func (b *Backend) PutAtomic(_ context.Context, tmpKey, finalKey string) error {
	dst := b.path(finalKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Rename(b.path(tmpKey), dst); err != nil {
		return fmt.Errorf("installing object: %w", err)
	}
	return nil
}

// GetStream opens key, optionally seeking to rng.Start and limiting
// the returned reader to the requested range.
func (b *Backend) GetStream(_ context.Context, key string, rng *storage.Range) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, storage.ErrNotExist
		}
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	size := info.Size()

	if rng == nil {
		return f, size, nil
	}

	if rng.Start >= size {
		f.Close()
		return nil, size, storage.ErrRangeNotSatisfiable
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, size, err
	}

	end := size - 1
	if rng.HasEnd && rng.End < end {
		end = rng.End
	}
	limit := end - rng.Start + 1
	return limitedReadCloser{f: f, r: io.LimitReader(f, limit)}, size, nil
}

type limitedReadCloser struct {
	f *os.File
	r io.Reader
}

func (l limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l limitedReadCloser) Close() error                { return l.f.Close() }

// Exists reports whether key is present on disk.
func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete removes key. Missing keys are not an error; empty shard
// directories may be left behind.
func (b *Backend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List walks prefix and returns every regular file's key and mtime,
// relative to root.
func (b *Backend) List(_ context.Context, prefix string) ([]storage.Object, error) {
	root := b.path(prefix)
	var objects []storage.Object
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, storage.Object{Key: filepath.ToSlash(rel), ModTime: info.ModTime()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return objects, nil
}
