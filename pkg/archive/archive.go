// Package archive is content-addressed storage for sealed court records:
// verdict bundles, agreement receipts and jury selection proofs. Blobs are
// keyed by their SHA-256 and written once; a second Put of the same bytes
// is a no-op returning the same address.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store persists immutable blobs addressed as "sha256:<hex>".
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Exists(ctx context.Context, addr string) (bool, error)
	Delete(ctx context.Context, addr string) error
}

// Address returns the archive address for data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseAddress validates an address and returns the bare hex digest.
func parseAddress(addr string) (string, error) {
	raw, ok := strings.CutPrefix(addr, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid archive address %q", addr)
	}
	if len(raw) != 64 {
		return "", fmt.Errorf("invalid archive address %q", addr)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid archive address %q: %w", addr, err)
	}
	return raw, nil
}

// FileStore keeps blobs on local disk, sharded by the first byte of the
// digest to keep directories small.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(raw string) string {
	return filepath.Join(s.baseDir, raw[:2], raw+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := Address(data)
	raw, _ := parseAddress(addr)
	path := s.blobPath(raw)
	if _, err := os.Stat(path); err == nil {
		return addr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("archive shard dir: %w", err)
	}
	// Write to a temp file in the same directory, then rename so readers
	// never observe a partial blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive commit: %w", err)
	}
	return addr, nil
}

func (s *FileStore) Get(_ context.Context, addr string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.blobPath(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive blob not found: %s", addr)
		}
		return nil, fmt.Errorf("archive read: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.blobPath(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive stat: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseAddress(addr)
	if err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive delete: %w", err)
	}
	return nil
}
