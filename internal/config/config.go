// Package config loads the planner configuration from YAML and the
// environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/fidde/cube_planner/internal/collect"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/stats"
	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

// Config is the whole planner configuration.
type Config struct {
	// Catalog is the path of the cube catalog, either a file or, when it
	// starts with "resource:", a path in the resource store.
	Catalog  string          `yaml:"catalog"`
	LogLevel string          `yaml:"log_level"`
	Stats    stats.Config    `yaml:"stats"`
	Collect  CollectConfig   `yaml:"collect"`
	Resource resource.Config `yaml:"resource"`
	Server   ServerConfig    `yaml:"server"`
}

// CollectConfig configures statistics and dictionary collection.
type CollectConfig struct {
	StatisticsEnabled       bool     `yaml:"statistics_enabled"`
	HLLPrecision            uint8    `yaml:"hll_precision"`
	SamplingPercentage      int      `yaml:"sampling_percentage"`
	UseNewEstimateAlgorithm bool     `yaml:"use_new_estimate_algorithm"`
	UHCReducerCount         int      `yaml:"uhc_reducer_count"`
	BuildDictInReducer      bool     `yaml:"build_dict_in_reducer"`
	NullValues              []string `yaml:"null_values"`
}

// ServerConfig holds listen addresses.
type ServerConfig struct {
	APIAddr   string `yaml:"api_addr"`
	GRPCAddr  string `yaml:"grpc_addr"`
	PprofAddr string `yaml:"pprof_addr"`
}

// CatalogResourcePrefix marks a catalog path inside the resource store.
const CatalogResourcePrefix = "resource:"

// Default returns the default configuration.
func Default() Config {
	job := collect.DefaultJobConfig()
	return Config{
		Catalog:  "./catalog.yaml",
		LogLevel: "info",
		Stats:    stats.DefaultConfig(),
		Collect: CollectConfig{
			StatisticsEnabled:       job.Statistics,
			HLLPrecision:            job.Task.Precision,
			SamplingPercentage:      job.Task.SamplingPercentage,
			UseNewEstimateAlgorithm: job.Task.UseNewEstimateAlgorithm,
			UHCReducerCount:         job.UHCReducerCount,
			BuildDictInReducer:      job.Task.BuildDictInReducer,
			NullValues:              []string{collect.DefaultNullValue},
		},
		Resource: resource.DefaultConfig(),
		Server: ServerConfig{
			APIAddr:   "0.0.0.0:8080",
			GRPCAddr:  "0.0.0.0:9090",
			PprofAddr: "localhost:6060",
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "parsing config YAML"), models.ErrInvalidConfiguration)
	}
	return cfg, cfg.Validate()
}

// Load reads a YAML file, applies environment overrides and validates. An
// empty path yields the defaults plus environment.
func Load(filepath string) (Config, error) {
	cfg := Default()
	if filepath != "" {
		data, err := os.ReadFile(filepath)
		if err != nil {
			return Config{}, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Mark(errors.Wrap(err, "parsing config YAML"), models.ErrInvalidConfiguration)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from CP_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CP_CATALOG", &c.Catalog)
	str("CP_LOG_LEVEL", &c.LogLevel)
	str("CP_RESOURCE_BACKEND", &c.Resource.Backend)
	str("CP_RESOURCE_DIR", &c.Resource.Dir)
	str("CP_SQLITE_PATH", &c.Resource.SQLitePath)
	str("CP_PEBBLE_DIR", &c.Resource.PebbleDir)
	str("CP_CLICKHOUSE_DSN", &c.Resource.ClickHouseDSN)
	str("CP_CLICKHOUSE_ADDR", &c.Resource.ClickHouseAddr)
	str("CP_CLICKHOUSE_TABLE", &c.Resource.ClickHouseTable)
	str("CP_API_ADDR", &c.Server.APIAddr)
	str("CP_GRPC_ADDR", &c.Server.GRPCAddr)
	str("CP_PPROF_ADDR", &c.Server.PprofAddr)

	if v := getenv("CP_SAMPLING_PERCENTAGE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(models.ErrInvalidConfiguration, "CP_SAMPLING_PERCENTAGE=%q", v)
		}
		c.Collect.SamplingPercentage = n
	}
	if v := getenv("CP_UHC_REDUCER_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(models.ErrInvalidConfiguration, "CP_UHC_REDUCER_COUNT=%q", v)
		}
		c.Collect.UHCReducerCount = n
	}
	if v := getenv("CP_ROWKEY_SHARDING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(models.ErrInvalidConfiguration, "CP_ROWKEY_SHARDING=%q", v)
		}
		c.Stats.RowKeySharding = b
	}
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.Stats.CuboidSizeRatio <= 0 || c.Stats.CountDistinctRatio <= 0:
		return errors.Wrapf(models.ErrInvalidConfiguration,
			"size ratios must be positive (%v, %v)", c.Stats.CuboidSizeRatio, c.Stats.CountDistinctRatio)
	case c.Collect.SamplingPercentage <= 0 || c.Collect.SamplingPercentage > 100:
		return errors.Wrapf(models.ErrInvalidConfiguration, "sampling percentage %d", c.Collect.SamplingPercentage)
	case !hyperloglog.ValidPrecision(c.Collect.HLLPrecision):
		return errors.Wrapf(models.ErrInvalidConfiguration, "hll precision %d", c.Collect.HLLPrecision)
	case c.Collect.UHCReducerCount < 1:
		return errors.Wrapf(models.ErrInvalidConfiguration, "uhc reducer count %d", c.Collect.UHCReducerCount)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// JobConfig converts the collect section for collect.NewJob.
func (c Config) JobConfig() collect.JobConfig {
	return collect.JobConfig{
		UHCReducerCount: c.Collect.UHCReducerCount,
		Statistics:      c.Collect.StatisticsEnabled,
		NullValues:      c.Collect.NullValues,
		Task: collect.TaskConfig{
			Precision:               c.Collect.HLLPrecision,
			SamplingPercentage:      c.Collect.SamplingPercentage,
			BuildDictInReducer:      c.Collect.BuildDictInReducer,
			UseNewEstimateAlgorithm: c.Collect.UseNewEstimateAlgorithm,
		},
	}
}

// CatalogResource returns the store path of the catalog when it lives in
// the resource store.
func (c Config) CatalogResource() (string, bool) {
	return strings.CutPrefix(c.Catalog, CatalogResourcePrefix)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(models.ErrInvalidConfiguration, "log level %q", c.LogLevel)
	}
	return l, nil
}
