// Package cache is the on-disk mirror of fetched origin bodies, laid out as
// <root>/<host>/<path>. A file that exists is a hit; entries never expire.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// ErrMiss is returned by Open when no entry exists for a cache path.
var ErrMiss = errors.New("cache: miss")

// ErrInvalidPath is returned for a cache path that maps to the root itself.
var ErrInvalidPath = errors.New("cache: invalid path")

// Store maps cache paths onto files below Root.
type Store struct {
	Root string
}

// New returns a Store rooted at root; "" means the working directory.
func New(root string) *Store {
	if root == "" {
		root = "."
	}
	return &Store{Root: root}
}

// Path returns the file path for cachePath. Dot segments are resolved
// against "/" so the result never leaves Root.
func (s *Store) Path(cachePath string) (string, error) {
	clean := path.Clean("/" + cachePath)
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, cachePath)
	}
	return filepath.Join(s.Root, filepath.FromSlash(clean)), nil
}

// Open returns the cached file for cachePath and its size. A missing entry,
// or one that is not a regular file, is reported as ErrMiss.
func (s *Store) Open(cachePath string) (*os.File, int64, error) {
	fp, err := s.Path(cachePath)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fp)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", fp, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", fp, err)
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, 0, ErrMiss
	}
	return f, fi.Size(), nil
}

// Exists reports whether cachePath is a hit.
func (s *Store) Exists(cachePath string) bool {
	f, _, err := s.Open(cachePath)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Create prepares a new entry for cachePath: every missing directory on the
// way is created and the bytes are staged in a temporary file next to the
// destination. Nothing is visible to Open until Commit.
func (s *Store) Create(cachePath string) (*Entry, error) {
	dst, err := s.Path(cachePath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdirall %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create tmp in %s: %w", dir, err)
	}
	return &Entry{f: f, dst: dst}, nil
}

// Entry is an in-progress cache write.
type Entry struct {
	f    *os.File
	dst  string
	size int64
	done bool
}

// Write appends p to the staged file.
func (e *Entry) Write(p []byte) (int, error) {
	n, err := e.f.Write(p)
	e.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", e.f.Name(), err)
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (e *Entry) Size() int64 { return e.size }

// Path returns the final file path of the entry.
func (e *Entry) Path() string { return e.dst }

// Commit makes the entry visible under its cache path.
func (e *Entry) Commit() error {
	if e.done {
		return nil
	}
	e.done = true
	tmp := e.f.Name()
	if err := e.f.Chmod(0o644); err != nil {
		_ = e.f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod tmp %s: %w", tmp, err)
	}
	if err := e.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, e.dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tmp %s -> %s: %w", tmp, e.dst, err)
	}
	return nil
}

// Abort discards the staged bytes. It is a no-op after Commit.
func (e *Entry) Abort() error {
	if e.done {
		return nil
	}
	e.done = true
	_ = e.f.Close()
	if err := os.Remove(e.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove tmp %s: %w", e.f.Name(), err)
	}
	return nil
}
