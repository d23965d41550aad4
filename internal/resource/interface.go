// Package resource defines the path-keyed store that holds statistics
// snapshots, dictionaries and cube catalogs.
package resource

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// Store is the interface for reading and writing resources by path.
// Implementations must be safe for concurrent use. A missing path is
// reported with an error marked models.ErrNotFound.
type Store interface {
	// GetResource opens the content stored at path.
	GetResource(ctx context.Context, path string) (*models.Resource, error)

	// PutResource replaces the content at path. timestamp is Unix millis.
	PutResource(ctx context.Context, path string, content []byte, timestamp int64) error

	// Exists reports whether path holds a resource.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns the paths below prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// Close the store (for cleanup, e.g., DB connections)
	Close() error
}

// NowMillis is the timestamp Put uses.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Put stores content at path stamped with the current time.
func Put(ctx context.Context, s Store, path string, content []byte) error {
	return s.PutResource(ctx, path, content, NowMillis())
}

// ReadAll loads the full content at path.
func ReadAll(ctx context.Context, s Store, path string) ([]byte, int64, error) {
	res, err := s.GetResource(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	defer res.Content.Close()

	data, err := io.ReadAll(res.Content)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "reading %s", path)
	}
	return data, res.Timestamp, nil
}
