package storage

import (
	"context"
	"io"
)

// Storage persists uploaded audio recordings.
type Storage interface {
	Save(ctx context.Context, name string, r io.Reader) (storedPath string, err error)
	Remove(ctx context.Context, storedPath string) error
}
