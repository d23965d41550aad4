package collect

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/resource/memory"
	"github.com/fidde/cube_planner/internal/stats"
	"github.com/fidde/cube_planner/pkg/dict"
	"github.com/fidde/cube_planner/pkg/models"
)

func jobCube() *models.CubeDesc {
	return &models.CubeDesc{
		Name: "sales",
		Dimensions: []models.DimensionDesc{
			{Name: "part_dt", DataType: "date"},
			{Name: "country", DataType: "varchar(8)", UHC: true},
			{Name: "seller_id", DataType: "bigint", Encoding: "integer:4"},
		},
		Measures: []models.MeasureDesc{
			{Name: "gmv", Expression: "SUM", ReturnType: "decimal(19,4)"},
			{Name: "buyers", Expression: "COUNT_DISTINCT", ReturnType: "hllc(10)"},
		},
		PartitionDateColumn: "part_dt",
	}
}

func jobSplits() [][]Row {
	return [][]Row{
		{
			{"2024-01-01", "DE", "1"},
			{"2024-01-02", "US", "2"},
			{"2024-01-01", "DE", "1"},
		},
		{
			{"2024-01-03", "CN", "3"},
			{"2024-01-02", "US", "2"},
			{DefaultNullValue, "DE", "4"},
		},
	}
}

func newJobSegment(store resource.Store) *metadata.Segment {
	return metadata.NewSegment(jobCube(), metadata.SegmentDesc{
		Name: "20240101_20240201",
		UUID: "5b1e2c4a-0d63-4bde-9f5c-7c2d7f8b9a01",
	}, store)
}

func TestJob_Run(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seg := newJobSegment(store)

	cfg := DefaultJobConfig()
	cfg.UHCReducerCount = 2
	metrics := NewMetrics(prometheus.NewRegistry())
	out := NewMemoryOutput()

	res, err := NewJob(seg, cfg, out, nil, metrics).Run(ctx, jobSplits())
	require.NoError(t, err)

	require.NotNil(t, res.Snapshot)
	assert.Len(t, res.Snapshot.Sketches, 7)
	assert.Equal(t, 2, res.Snapshot.MapperCount)
	assert.Equal(t, int64(6), res.Snapshot.FactTableRowCount)
	assert.GreaterOrEqual(t, res.Snapshot.MapperOverlapRatio, 1.0)
	assert.InDelta(t, 4, float64(res.Snapshot.Sketches[0b111].Count()), 0.5)

	require.NotNil(t, res.Partition)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), res.Partition.Min)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC).UnixMilli(), res.Partition.Max)

	require.Len(t, res.Dictionaries, 2)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-03"}, res.Dictionaries["part_dt"].Values())
	assert.Equal(t, []string{"CN", "DE", "US"}, res.Dictionaries["country"].Values())

	// part_dt built in its task, country sharded and built from raw values
	assert.Equal(t, CategoryDict, out.Category(TaskFileName(DictFileName("part_dt"), 0)))
	raw, err := out.Read(ColumnFileName("country"))
	require.NoError(t, err)
	assert.Len(t, raw, 3)

	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.RowsRead))
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.RowsSampled))

	// published resources are readable by the estimator
	exists, err := store.Exists(ctx, seg.StatisticsPath())
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := stats.Open(ctx, newJobSegment(store), stats.DefaultConfig())
	require.NoError(t, err)
	rows, ok := r.RowCount(0b111)
	require.True(t, ok)
	assert.InDelta(t, 4, float64(rows), 0.5)
	assert.Positive(t, r.TotalEstimatedSizeMB())

	enc, err := seg.DimensionEncoding(ctx, "country")
	require.NoError(t, err)
	assert.Equal(t, 1, enc.LengthOfEncoding())
}

func TestJob_Sampling(t *testing.T) {
	store := memory.New()
	cfg := DefaultJobConfig()
	cfg.Task.SamplingPercentage = 50
	metrics := NewMetrics(prometheus.NewRegistry())

	var split []Row
	for i := 0; i < 200; i++ {
		split = append(split, Row{"2024-01-01", "DE", "1"})
	}
	res, err := NewJob(newJobSegment(store), cfg, nil, nil, metrics).Run(context.Background(), [][]Row{split})
	require.NoError(t, err)

	assert.Equal(t, 200.0, testutil.ToFloat64(metrics.RowsRead))
	assert.Equal(t, 100.0, testutil.ToFloat64(metrics.RowsSampled))
	assert.Equal(t, 50, res.Snapshot.SamplingPercentage)
	assert.Equal(t, int64(200), res.Snapshot.FactTableRowCount)
}

func TestJob_WithoutStatistics(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seg := newJobSegment(store)
	cfg := DefaultJobConfig()
	cfg.Statistics = false

	res, err := NewJob(seg, cfg, nil, nil, nil).Run(ctx, jobSplits())
	require.NoError(t, err)
	assert.Nil(t, res.Snapshot)
	assert.Nil(t, res.Partition)
	assert.Len(t, res.Dictionaries, 2)

	_, err = stats.Load(ctx, store, seg.StatisticsPath())
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestJob_FSOutput(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	store := memory.New()
	cfg := DefaultJobConfig()
	cfg.UHCReducerCount = 2

	_, err := NewJob(newJobSegment(store), cfg, NewFSOutput(fs, "/jobs/42"), nil, nil).Run(ctx, jobSplits())
	require.NoError(t, err)

	// tasks: part_dt 0, country 1-2, partition 3, statistics 4
	for _, name := range []string{
		"/jobs/42/statistics/statistics-r-00004",
		"/jobs/42/part_dt/part_dt.pci-r-00003",
		"/jobs/42/part_dt/part_dt.rldict-r-00000",
	} {
		ok, err := afero.Exists(fs, name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}

	data, _, err := resource.ReadAll(ctx, store, metadata.DefaultDictionaryPath("sales", "5b1e2c4a-0d63-4bde-9f5c-7c2d7f8b9a01", "country"))
	require.NoError(t, err)
	_, d, err := dict.UnmarshalFile(data)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Cardinality())
}

func TestJob_BadRow(t *testing.T) {
	_, err := NewJob(newJobSegment(memory.New()), DefaultJobConfig(), nil, nil, nil).
		Run(context.Background(), [][]Row{{{"2024-01-01", "DE"}}})
	assert.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)
}

func TestJob_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewJob(newJobSegment(memory.New()), DefaultJobConfig(), nil, nil, nil).Run(ctx, jobSplits())
	assert.ErrorIs(t, err, context.Canceled)
}
