// Package sqlite provides a SQLite-backed resource store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/fidde/cube_planner/pkg/models"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// Store keeps resources in one table keyed by path.
type Store struct {
	db *sql.DB
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath string
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{DBPath: dbPath}
}

// New opens the database and applies the schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "setting pragma")
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "running migrations")
	}

	return &Store{db: db}, nil
}

func (s *Store) GetResource(ctx context.Context, path string) (*models.Resource, error) {
	if err := models.ValidateResourcePath(path); err != nil {
		return nil, err
	}

	var content []byte
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT content, ts FROM resources WHERE path = ?`, path).Scan(&content, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ResourceNotFound(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", path)
	}
	return models.NewResource(path, content, ts), nil
}

func (s *Store) PutResource(ctx context.Context, path string, content []byte, timestamp int64) error {
	if err := models.ValidateResourcePath(path); err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (path, content, ts, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content = excluded.content,
			ts = excluded.ts,
			updated_at = excluded.updated_at
	`, path, content, timestamp, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrapf(err, "storing %s", path)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", path)
	}
	return n > 0, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM resources WHERE substr(path, 1, length(?)) = ? ORDER BY path`, prefix, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "listing resources")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "scanning path")
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE path = ?`, path); err != nil {
		return errors.Wrapf(err, "deleting %s", path)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
