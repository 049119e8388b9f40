// Package storage is an atomic file-backed JSON document store. Documents
// are addressed by path segments (e.g. ["history", sessionID, key]) that
// map onto a directory tree; writes go through a temp file and rename so
// readers never observe a torn document.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound reports a document that does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrInvalidKey reports a path segment that would escape the store's
	// directory or collide with its file layout.
	ErrInvalidKey = errors.New("invalid key segment")
)

// Store reads and writes JSON documents under a base directory. Writes to
// the same document serialize through a per-file lock; distinct documents
// do not contend.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*fileLock
}

// New creates a store rooted at dir. The directory is created lazily on
// first write.
func New(dir string) *Store {
	return &Store{
		dir:   dir,
		locks: make(map[string]*fileLock),
	}
}

// filePath resolves key segments to the document file. Segments are
// validated: ids arrive from the outside and must not traverse out of the
// store.
func (s *Store) filePath(path []string) (string, error) {
	if err := validate(path); err != nil {
		return "", err
	}
	parts := append([]string{s.dir}, path...)
	return filepath.Join(parts...) + ".json", nil
}

func (s *Store) dirPath(path []string) (string, error) {
	if err := validate(path); err != nil {
		return "", err
	}
	parts := append([]string{s.dir}, path...)
	return filepath.Join(parts...), nil
}

func validate(path []string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	for _, seg := range path {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, seg)
		}
	}
	return nil
}

// Get reads the document at path into v.
func (s *Store) Get(ctx context.Context, path []string, v any) error {
	file, err := s.filePath(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// Put writes v as the document at path, atomically replacing any previous
// version.
func (s *Store) Put(ctx context.Context, path []string, v any) error {
	file, err := s.filePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	lock := s.lockFor(file)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	// Temp file plus rename keeps concurrent readers on a complete
	// version.
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// Delete removes the document at path. Deleting a missing document is not
// an error.
func (s *Store) Delete(ctx context.Context, path []string) error {
	file, err := s.filePath(path)
	if err != nil {
		return err
	}

	lock := s.lockFor(file)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// List returns the keys directly under path: document names without the
// .json suffix plus subdirectory names, in lexical order. A missing
// directory lists as empty.
func (s *Store) List(ctx context.Context, path []string) ([]string, error) {
	dir, err := s.dirPath(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case entry.IsDir():
			keys = append(keys, name)
		case strings.HasSuffix(name, ".json"):
			keys = append(keys, strings.TrimSuffix(name, ".json"))
		}
	}
	return keys, nil
}

// Scan calls fn for every document directly under path, in lexical key
// order. Zero-padded numeric keys therefore scan in numeric order, which
// the history archive relies on. A missing directory scans nothing.
func (s *Store) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	dir, err := s.dirPath(path)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			// A concurrent delete between ReadDir and ReadFile.
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".json")
		if err := fn(key, json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether a document is present at path.
func (s *Store) Exists(ctx context.Context, path []string) bool {
	file, err := s.filePath(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(file)
	return err == nil
}

func (s *Store) lockFor(file string) *fileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[file]
	if !ok {
		lock = newFileLock(file)
		s.locks[file] = lock
	}
	return lock
}
