// Package fs provides a file-based resource store. Every resource is a
// gzip-compressed file whose modification time carries the resource
// timestamp.
package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/fidde/cube_planner/pkg/models"
)

// Default configuration values
const (
	DefaultDir    = "./data/resources"
	FileExtension = ".gz"
	tempExtension = ".tmp"
)

// Config contains file store configuration.
type Config struct {
	// Dir is the root directory resources are stored under.
	Dir string

	// Fs is the filesystem to use; nil means the OS filesystem.
	Fs afero.Fs
}

// DefaultConfig returns the default file store configuration.
func DefaultConfig() Config {
	return Config{Dir: getEnvOrDefault("CP_RESOURCE_DIR", DefaultDir)}
}

// Store is a file-based resource store.
type Store struct {
	fs afero.Fs
	mu sync.RWMutex
}

// New creates a store rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	base := cfg.Fs
	if base == nil {
		base = afero.NewOsFs()
	}
	if err := base.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating resource directory")
	}
	return &Store{fs: afero.NewBasePathFs(base, cfg.Dir)}, nil
}

func filePath(p string) string {
	return p + FileExtension
}

func (s *Store) GetResource(ctx context.Context, p string) (*models.Resource, error) {
	if err := models.ValidateResourcePath(p); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.fs.Stat(filePath(p))
	if os.IsNotExist(err) {
		return nil, models.ResourceNotFound(p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", p)
	}

	data, err := s.readGzip(filePath(p))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "reading %s", p), models.ErrCorruptData)
	}
	return models.NewResource(p, data, info.ModTime().UnixMilli()), nil
}

// PutResource writes to a temporary file and renames it into place so
// readers never see a partial resource.
func (s *Store) PutResource(ctx context.Context, p string, content []byte, timestamp int64) error {
	if err := models.ValidateResourcePath(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(path.Dir(p), 0755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", p)
	}

	tmp := p + "." + uuid.NewString() + tempExtension
	if err := s.writeGzip(tmp, content); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "writing %s", p)
	}
	mtime := time.UnixMilli(timestamp)
	if err := s.fs.Chtimes(tmp, mtime, mtime); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "stamping %s", p)
	}
	if err := s.fs.Rename(tmp, filePath(p)); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "renaming %s", p)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	if err := models.ValidateResourcePath(p); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.fs.Stat(filePath(p))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	err := afero.Walk(s.fs, "/", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(name, FileExtension) {
			return nil
		}
		p := strings.TrimSuffix(name, FileExtension)
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing resources")
	}

	sort.Strings(paths)
	return paths, nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	if err := models.ValidateResourcePath(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(filePath(p))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting %s", p)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// writeGzip writes data to a gzip-compressed file.
func (s *Store) writeGzip(name string, data []byte) error {
	file, err := s.fs.Create(name)
	if err != nil {
		return err
	}
	defer file.Close()

	gw := gzip.NewWriter(file)
	if _, err := gw.Write(data); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return file.Close()
}

// readGzip reads data from a gzip-compressed file.
func (s *Store) readGzip(name string) ([]byte, error) {
	file, err := s.fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, gr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
