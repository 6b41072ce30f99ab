// Package storage abstracts the external object store that owns uploaded
// document bytes. The pipeline only ever downloads; uploads and lifecycle
// belong to the collaborator.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the object-store collaborator contract.
type Store interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
}

// FSStore maps buckets to directories under a local root. It exists so the
// pre-processing path is runnable in development; production wires a real
// object store behind the same interface.
type FSStore struct {
	Root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{Root: root}
}

func (s *FSStore) Download(_ context.Context, bucket, path string) ([]byte, error) {
	clean := filepath.Clean(filepath.Join(s.Root, bucket, path))
	if !strings.HasPrefix(clean, filepath.Clean(s.Root)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("path escapes storage root: %s/%s", bucket, path)
	}
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, path, err)
	}
	return b, nil
}
