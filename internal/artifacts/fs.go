package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Compile-time interface satisfaction check.
var _ Publisher = (*FSPublisher)(nil)

// FSPublisher copies artifacts into a local directory tree. Used when no
// object store is configured (local development).
type FSPublisher struct {
	root string
}

// NewFSPublisher creates a publisher rooted at dir.
func NewFSPublisher(dir string) *FSPublisher {
	return &FSPublisher{root: dir}
}

// Publish copies the file under <root>/<run id>/<name> and returns that path.
func (p *FSPublisher) Publish(_ context.Context, runID, name, localPath string) (string, error) {
	dir := filepath.Join(p.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact %s: %w", name, err)
	}
	defer src.Close()

	dstPath := filepath.Join(dir, name)
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("create artifact copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy artifact %s: %w", name, err)
	}
	return dstPath, nil
}
