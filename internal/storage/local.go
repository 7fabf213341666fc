package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores recordings on the local filesystem under a base
// directory. Stored paths are absolute.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Local{dir: abs}, nil
}

func (l *Local) Save(_ context.Context, name string, r io.Reader) (string, error) {
	name = filepath.Base(name) // no client-controlled directories
	dst := filepath.Join(l.dir, name)

	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

func (l *Local) Remove(_ context.Context, storedPath string) error {
	if !strings.HasPrefix(storedPath, l.dir+string(filepath.Separator)) {
		return fmt.Errorf("path %q is outside the storage dir", storedPath)
	}
	err := os.Remove(storedPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
