// Package storage is the object-storage boundary. Uploads go in by
// reference; the service never holds media bytes past the request.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type ObjectStorage interface {
	Put(ctx context.Context, key string, r io.Reader) (ref string, err error)
	URL(ref string) string
}

// DirStore keeps objects on a local directory tree. It stands in for a
// cloud bucket in development and single-node deployments.
type DirStore struct {
	root    string
	baseURL string
}

func NewDirStore(root, baseURL string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *DirStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleaned := filepath.Clean(key)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid storage key: %s", key)
	}
	path := filepath.Join(s.root, cleaned)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", err
	}
	return cleaned, nil
}

func (s *DirStore) URL(ref string) string {
	return s.baseURL + "/" + ref
}
