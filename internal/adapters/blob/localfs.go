// Package blob provides the filesystem-backed artifact store used for
// model archives and compiled outputs.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/castiron/crucible/internal/core/ports"
)

type LocalFS struct {
	root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	if root == "" {
		root = "artifacts"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalFS{root: abs}, nil
}

var _ ports.ArtifactStore = (*LocalFS)(nil)

// resolve maps a key to an absolute path inside root, rejecting
// traversal outside it.
func (l *LocalFS) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *LocalFS) Put(key string, r io.Reader) (string, error) {
	abs, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return l.URL(key), nil
}

func (l *LocalFS) Open(key string) (io.ReadCloser, error) {
	abs, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l *LocalFS) URL(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(l.root, filepath.Clean(filepath.FromSlash(key))))
}
