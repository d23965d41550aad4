package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/pkg/models"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.25, cfg.Stats.CuboidSizeRatio)
	assert.Equal(t, 0.5, cfg.Stats.CountDistinctRatio)
	assert.Equal(t, "fs", cfg.Resource.Backend)
	assert.Equal(t, 100, cfg.Collect.SamplingPercentage)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
catalog: resource:/meta/catalog.yaml
log_level: debug
stats:
  cuboid_size_ratio: 0.3
  rowkey_sharding: false
collect:
  hll_precision: 12
  sampling_percentage: 20
  uhc_reducer_count: 4
resource:
  backend: sqlite
  sqlite_path: /tmp/r.db
`))
	require.NoError(t, err)

	assert.Equal(t, 0.3, cfg.Stats.CuboidSizeRatio)
	assert.Equal(t, 0.5, cfg.Stats.CountDistinctRatio, "unset keys keep defaults")
	assert.False(t, cfg.Stats.RowKeySharding)
	assert.Equal(t, "sqlite", cfg.Resource.Backend)

	path, ok := cfg.CatalogResource()
	assert.True(t, ok)
	assert.Equal(t, "/meta/catalog.yaml", path)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	job := cfg.JobConfig()
	assert.Equal(t, 4, job.UHCReducerCount)
	assert.Equal(t, uint8(12), job.Task.Precision)
	assert.Equal(t, 20, job.Task.SamplingPercentage)
	assert.True(t, job.Statistics)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "stats: [1, 2"},
		{"sampling zero", "collect: {sampling_percentage: 0}"},
		{"sampling over 100", "collect: {sampling_percentage: 101}"},
		{"precision", "collect: {hll_precision: 30}"},
		{"reducers", "collect: {uhc_reducer_count: 0}"},
		{"ratio", "stats: {cuboid_size_ratio: -1}"},
		{"log level", "log_level: loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.True(t, errors.Is(err, models.ErrInvalidConfiguration), "got %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planner.yaml")
	require.NoError(t, os.WriteFile(path, []byte("catalog: ./cubes.yaml\n"), 0o644))
	t.Setenv("CP_RESOURCE_BACKEND", "pebble")
	t.Setenv("CP_SAMPLING_PERCENTAGE", "10")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./cubes.yaml", cfg.Catalog)
	assert.Equal(t, "pebble", cfg.Resource.Backend)
	assert.Equal(t, 10, cfg.Collect.SamplingPercentage)

	_, ok := cfg.CatalogResource()
	assert.False(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CP_API_ADDR":          ":9999",
		"CP_UHC_REDUCER_COUNT": "3",
		"CP_ROWKEY_SHARDING":   "false",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
	assert.Equal(t, ":9999", cfg.Server.APIAddr)
	assert.Equal(t, 3, cfg.Collect.UHCReducerCount)
	assert.False(t, cfg.Stats.RowKeySharding)

	env = map[string]string{"CP_UHC_REDUCER_COUNT": "many"}
	err := cfg.ApplyEnv(func(k string) string { return env[k] })
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))
}
