package resource

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/internal/resource/clickhouse"
	"github.com/fidde/cube_planner/internal/resource/fs"
	"github.com/fidde/cube_planner/internal/resource/memory"
	"github.com/fidde/cube_planner/internal/resource/pebble"
	"github.com/fidde/cube_planner/internal/resource/sqlite"
	"github.com/fidde/cube_planner/pkg/models"
)

// Backend names accepted by NewStore.
const (
	BackendMemory     = "memory"
	BackendFS         = "fs"
	BackendSQLite     = "sqlite"
	BackendPebble     = "pebble"
	BackendClickHouse = "clickhouse"
)

// Config holds resource store configuration.
type Config struct {
	// Backend selects the store: memory, fs, sqlite, pebble or clickhouse.
	Backend string `yaml:"backend"`

	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
	PebbleDir  string `yaml:"pebble_dir"`

	// ClickHouseDSN, when set, wins over ClickHouseAddr.
	ClickHouseDSN   string `yaml:"clickhouse_dsn"`
	ClickHouseAddr  string `yaml:"clickhouse_addr"`
	ClickHouseTable string `yaml:"clickhouse_table"`
}

// DefaultConfig returns default resource store configuration.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendFS,
		Dir:             fs.DefaultDir,
		SQLitePath:      "./data/resources.db",
		PebbleDir:       "./data/resources.pebble",
		ClickHouseAddr:  "localhost:9000",
		ClickHouseTable: clickhouse.DefaultTable,
	}
}

// NewStore creates a store implementation based on configuration.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case BackendMemory:
		logger.Info("using in-memory resource store")
		return memory.New(), nil

	case BackendFS:
		logger.Info("using file resource store", "dir", cfg.Dir)
		store, err := fs.New(fs.Config{Dir: cfg.Dir})
		if err != nil {
			return nil, errors.Wrap(err, "creating file store")
		}
		return store, nil

	case BackendSQLite:
		logger.Info("using SQLite resource store", "path", cfg.SQLitePath)
		store, err := sqlite.New(sqlite.DefaultConfig(cfg.SQLitePath))
		if err != nil {
			return nil, errors.Wrap(err, "creating SQLite store")
		}
		return store, nil

	case BackendPebble:
		logger.Info("using pebble resource store", "dir", cfg.PebbleDir)
		store, err := pebble.Open(pebble.Config{Dir: cfg.PebbleDir})
		if err != nil {
			return nil, errors.Wrap(err, "creating pebble store")
		}
		return store, nil

	case BackendClickHouse:
		logger.Info("using ClickHouse resource store", "addr", cfg.ClickHouseAddr, "table", cfg.ClickHouseTable)
		store, err := clickhouse.NewStore(ctx, cfg.clickHouse(), logger)
		if err != nil {
			return nil, errors.Wrap(err, "creating ClickHouse store")
		}
		return store, nil
	}

	return nil, errors.Wrapf(models.ErrInvalidConfiguration,
		"unknown resource backend %q (supported: memory, fs, sqlite, pebble, clickhouse)", cfg.Backend)
}

func (c Config) clickHouse() clickhouse.Config {
	ch := clickhouse.DefaultConfig()
	ch.DSN = c.ClickHouseDSN
	if c.ClickHouseAddr != "" {
		ch.Addr = c.ClickHouseAddr
	}
	if c.ClickHouseTable != "" {
		ch.Table = c.ClickHouseTable
	}
	return ch
}
