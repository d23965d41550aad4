// Package clickhouse provides a ClickHouse-backed resource store for shared
// deployments where several builders publish statistics.
package clickhouse

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// DefaultTable holds the resources unless Config.Table says otherwise.
const DefaultTable = "cube_resources"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config locates the resource table.
type Config struct {
	// DSN is a clickhouse:// URL. When set it replaces Addr, Database and
	// the credentials.
	DSN      string
	Addr     string
	Database string
	Username string
	Password string

	// Table is the resource table. Its schema version is kept in
	// Table + "_schema_version".
	Table string

	DialTimeout time.Duration
	// Attempts is how many times open-and-ping is tried.
	Attempts int
}

// DefaultConfig returns the config of a local single-node server.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:9000",
		Database:    "default",
		Username:    "default",
		Table:       DefaultTable,
		DialTimeout: 10 * time.Second,
		Attempts:    3,
	}
}

func (c Config) validate() error {
	if !tableName.MatchString(c.Table) {
		return errors.Wrapf(models.ErrInvalidConfiguration, "clickhouse table %q", c.Table)
	}
	if c.Attempts < 1 {
		return errors.Wrapf(models.ErrInvalidConfiguration, "clickhouse attempts %d", c.Attempts)
	}
	return nil
}

// options builds the driver options. Writes are synchronous so a resource is
// readable as soon as PutResource returns, and blobs travel LZ4 compressed.
func (c Config) options() (*clickhouse.Options, error) {
	var opts *clickhouse.Options
	if c.DSN != "" {
		parsed, err := clickhouse.ParseDSN(c.DSN)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "parsing clickhouse DSN"), models.ErrInvalidConfiguration)
		}
		opts = parsed
	} else {
		opts = &clickhouse.Options{
			Addr: []string{c.Addr},
			Auth: clickhouse.Auth{
				Database: c.Database,
				Username: c.Username,
				Password: c.Password,
			},
		}
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	if opts.Settings == nil {
		opts.Settings = clickhouse.Settings{}
	}
	opts.Settings["async_insert"] = 0
	opts.Settings["max_execution_time"] = 60
	opts.ConnOpenStrategy = clickhouse.ConnOpenInOrder
	return opts, nil
}

// open connects with exponential backoff between attempts.
func open(ctx context.Context, c Config, logger *slog.Logger) (driver.Conn, error) {
	opts, err := c.options()
	if err != nil {
		return nil, err
	}

	delay := time.Second
	for attempt := 1; ; attempt++ {
		var conn driver.Conn
		conn, err = clickhouse.Open(opts)
		if err == nil {
			if err = conn.Ping(ctx); err == nil {
				return conn, nil
			}
			conn.Close()
		}
		if attempt == c.Attempts {
			return nil, errors.Wrapf(err, "after %d attempts", attempt)
		}
		logger.Warn("clickhouse not reachable, retrying", "addr", opts.Addr, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}
}
