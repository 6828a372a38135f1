package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore that writes below baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// resolve maps a storage path to an absolute path inside baseDir.
func (s *LocalStore) resolve(storagePath string) (string, error) {
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base dir: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Join(s.baseDir, filepath.FromSlash(storagePath)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %s", storagePath)
	}
	return absPath, nil
}

// Save writes the blob atomically and returns key as the storage path.
func (s *LocalStore) Save(_ context.Context, key string, r io.Reader) (string, error) {
	absPath, err := s.resolve(key)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), absPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	return key, nil
}

// Get opens the blob at storagePath for reading.
func (s *LocalStore) Get(_ context.Context, storagePath string) (io.ReadCloser, error) {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	return f, nil
}

// Delete removes the blob at storagePath. Missing files are not an error.
func (s *LocalStore) Delete(_ context.Context, storagePath string) error {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
