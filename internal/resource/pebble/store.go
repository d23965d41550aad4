// Package pebble provides a resource store on an embedded pebble database.
// Keys are resource paths; values carry an 8-byte big-endian timestamp
// followed by the content.
package pebble

import (
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/fidde/cube_planner/pkg/models"
)

const timestampSize = 8

// Config holds pebble store configuration.
type Config struct {
	Dir string
	// FS overrides the filesystem, e.g. vfs.NewMem() in tests.
	FS vfs.FS
}

// Store is a pebble-backed resource store.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the database in cfg.Dir.
func Open(cfg Config) (*Store, error) {
	opts := &pebble.Options{FS: cfg.FS}
	db, err := pebble.Open(cfg.Dir, opts.EnsureDefaults())
	if err != nil {
		return nil, errors.Wrapf(err, "opening pebble at %s", cfg.Dir)
	}
	return &Store{db: db}, nil
}

func (s *Store) GetResource(ctx context.Context, path string) (*models.Resource, error) {
	if err := models.ValidateResourcePath(path); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get([]byte(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, models.ResourceNotFound(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	defer closer.Close()

	if len(value) < timestampSize {
		return nil, errors.Wrapf(models.ErrCorruptData, "resource %s: value of %d bytes", path, len(value))
	}
	ts := int64(binary.BigEndian.Uint64(value[:timestampSize]))
	content := append([]byte(nil), value[timestampSize:]...)
	return models.NewResource(path, content, ts), nil
}

func (s *Store) PutResource(ctx context.Context, path string, content []byte, timestamp int64) error {
	if err := models.ValidateResourcePath(path); err != nil {
		return err
	}

	value := make([]byte, timestampSize+len(content))
	binary.BigEndian.PutUint64(value, uint64(timestamp))
	copy(value[timestampSize:], content)
	return errors.Wrapf(s.db.Set([]byte(path), value, pebble.Sync), "writing %s", path)
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, closer, err := s.db.Get([]byte(path))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "reading %s", path)
	}
	return true, closer.Close()
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	opts := &pebble.IterOptions{LowerBound: []byte(prefix)}
	if end := prefixEnd([]byte(prefix)); end != nil {
		opts.UpperBound = end
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return nil, errors.Wrap(err, "listing resources")
	}

	var paths []string
	for valid := iter.First(); valid; valid = iter.Next() {
		paths = append(paths, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, errors.Wrap(err, "listing resources")
	}
	return paths, errors.Wrap(iter.Close(), "closing iterator")
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return errors.Wrapf(s.db.Delete([]byte(path), pebble.Sync), "deleting %s", path)
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// prefixEnd returns the first key after every key with the given prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
