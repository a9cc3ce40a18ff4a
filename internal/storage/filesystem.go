// Package storage keeps job source and output documents on local disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotExist is returned by Read for a key that was never written.
var ErrNotExist = errors.New("storage: object does not exist")

// FileStore maps slash-separated keys onto files below a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("storage: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Write replaces the object at key and returns the normalized key. The
// data is written to a temporary file in the target directory and renamed
// into place, so readers never see a partial document.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	full, clean, err := s.locate(ctx, key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*")
	if err != nil {
		return "", fmt.Errorf("storage: %w", err)
	}
	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), full)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: write %s: %w", clean, werr)
	}
	return clean, nil
}

// Read returns the object at key or ErrNotExist.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	full, clean, err := s.locate(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotExist
	case err != nil:
		return nil, fmt.Errorf("storage: read %s: %w", clean, err)
	}
	return data, nil
}

// Remove deletes key, recursively when it names a prefix. A missing key is
// not an error.
func (s *FileStore) Remove(ctx context.Context, key string) error {
	full, clean, err := s.locate(ctx, key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("storage: remove %s: %w", clean, err)
	}
	return nil
}

func (s *FileStore) locate(ctx context.Context, key string) (full, clean string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if clean, err = sanitizeKey(key); err != nil {
		return "", "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), clean, nil
}

// sanitizeKey accepts either slash style, drops leading separators and
// rejects keys that resolve above the root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, `\`, "/"))
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("storage: key %q escapes the root", key)
	}
	return clean, nil
}
