package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// Store keeps resources in a ReplacingMergeTree table. Reads resolve the
// latest version with argMax so they do not depend on merges having run.
type Store struct {
	conn    driver.Conn
	table   string
	logger  *slog.Logger
	version atomic.Uint64
}

// NewStore connects and creates the resource table when missing.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to ClickHouse")
	}
	if err := initializeSchema(ctx, conn, cfg.Table); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Debug("clickhouse resource store ready", "table", cfg.Table)
	return &Store{conn: conn, table: cfg.Table, logger: logger}, nil
}

// nextVersion is strictly increasing within this process.
func (s *Store) nextVersion() uint64 {
	now := uint64(time.Now().UnixNano())
	for {
		prev := s.version.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if s.version.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (s *Store) GetResource(ctx context.Context, path string) (*models.Resource, error) {
	if err := models.ValidateResourcePath(path); err != nil {
		return nil, err
	}

	var (
		content string
		ts      int64
		deleted uint8
	)
	err := s.conn.QueryRow(ctx, fmt.Sprintf(`
		SELECT argMax(content, version), argMax(ts, version), argMax(deleted, version)
		FROM %s
		WHERE path = ?
		GROUP BY path
	`, s.table), path).Scan(&content, &ts, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted != 0) {
		return nil, models.ResourceNotFound(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", path)
	}
	return models.NewResource(path, []byte(content), ts), nil
}

func (s *Store) PutResource(ctx context.Context, path string, content []byte, timestamp int64) error {
	if err := models.ValidateResourcePath(path); err != nil {
		return err
	}
	return s.insert(ctx, path, content, timestamp, 0)
}

func (s *Store) insert(ctx context.Context, path string, content []byte, timestamp int64, deleted uint8) error {
	err := s.conn.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (path, content, ts, deleted, version) VALUES (?, ?, ?, ?, ?)", s.table),
		path, string(content), timestamp, deleted, s.nextVersion())
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	s.logger.Debug("resource written", "path", path, "bytes", len(content), "deleted", deleted != 0)
	return nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.GetResource(ctx, path)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT path
		FROM %s
		WHERE startsWith(path, ?)
		GROUP BY path
		HAVING argMax(deleted, version) = 0
		ORDER BY path
	`, s.table), prefix)
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
	return s.insert(ctx, path, nil, 0, 1)
}

// Clear removes every resource.
func (s *Store) Clear(ctx context.Context) error {
	return errors.Wrapf(s.conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS "+s.table), "clearing %s", s.table)
}

// Close closes the connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
