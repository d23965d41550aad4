package collect

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/internal/recordio"
	"github.com/fidde/cube_planner/internal/stats"
	"github.com/fidde/cube_planner/pkg/dict"
	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

// newTask builds the reducer of one task of testCube with 3 UHC shards.
func newTask(t *testing.T, task int, cfg TaskConfig) (Reducer, *MemoryOutput, *Metrics) {
	t.Helper()
	plan, err := NewPlan(testCube(), 3, true)
	require.NoError(t, err)
	out := NewMemoryOutput()
	metrics := NewMetrics(prometheus.NewRegistry())
	r, err := NewReducer(TaskContext{
		TaskID:   task,
		NumTasks: plan.NumTasks(),
		Plan:     plan,
		Cube:     testCube(),
		Output:   out.Task(task),
		Config:   cfg,
		Metrics:  metrics,
	})
	require.NoError(t, err)
	return r, out, metrics
}

func defaultTaskConfig() TaskConfig {
	return DefaultJobConfig().Task
}

func partialSketch(precision uint8, from, to int) []byte {
	h := hyperloglog.New(precision)
	for i := from; i < to; i++ {
		h.Add(fmt.Sprintf("row-%d", i))
	}
	data, _ := h.MarshalBinary()
	return data
}

func TestNewReducer_TaskCountMismatch(t *testing.T) {
	plan, err := NewPlan(testCube(), 3, true)
	require.NoError(t, err)
	_, err = NewReducer(TaskContext{TaskID: 0, NumTasks: 6, Plan: plan, Cube: testCube(), Output: NewMemoryOutput().Task(0)})
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))
}

func TestStatisticsReducer(t *testing.T) {
	ctx := context.Background()
	r, out, metrics := newTask(t, 6, defaultTaskConfig())
	assert.Equal(t, RoleStatistics, r.Role())

	base := testCube().BaseCuboidID()
	partials := [][]byte{
		partialSketch(14, 0, 100),
		partialSketch(14, 50, 170),
		partialSketch(14, 120, 210),
	}
	require.NoError(t, r.Reduce(ctx, SketchKey(0b0011), [][]byte{partialSketch(14, 0, 10)}))
	require.NoError(t, r.Reduce(ctx, SketchKey(base), partials))

	rows := func(n int64) []byte { return binary.BigEndian.AppendUint64(nil, uint64(n)) }
	require.NoError(t, r.Reduce(ctx, FactRowCountKey(), [][]byte{rows(100), rows(120), rows(90)}))
	require.NoError(t, r.Cleanup(ctx))

	name := TaskFileName(StatisticsFileName, 6)
	assert.Equal(t, CategoryStatistics, out.Category(name))
	recs := out.File(name)
	var keys []int64
	for _, rec := range recs {
		k, err := recordio.KeyInt64(rec.Key)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []int64{-1, -2, -3, 0, 0b0011, int64(base)}, keys)

	var buf bytes.Buffer
	w := recordio.NewWriter(&buf)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec.Key, rec.Value))
	}
	require.NoError(t, w.Flush())
	s, err := stats.Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, 3, s.MapperCount)
	assert.Equal(t, int64(310), s.FactTableRowCount)
	assert.Equal(t, 100, s.SamplingPercentage)
	assert.True(t, s.UseNewEstimateAlgorithm)

	var before int64
	for _, p := range partials {
		h, err := hyperloglog.FromBytes(p)
		require.NoError(t, err)
		before += int64(h.Count())
	}
	small, err := hyperloglog.FromBytes(partialSketch(14, 0, 10))
	require.NoError(t, err)
	before += int64(small.Count())
	after := int64(s.Sketches[base].Count()) + int64(s.Sketches[0b0011].Count())
	assert.InDelta(t, float64(before)/float64(after), s.MapperOverlapRatio, 1e-9)
	assert.InDelta(t, 210, float64(s.Sketches[base].Count()), 210*0.02)

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.SketchMerges))
}

func TestStatisticsReducer_Errors(t *testing.T) {
	ctx := context.Background()

	r, _, _ := newTask(t, 6, defaultTaskConfig())
	err := r.Reduce(ctx, SketchKey(3), [][]byte{partialSketch(12, 0, 5)})
	assert.True(t, errors.Is(err, models.ErrIncompatibleSketch), "got %v", err)

	r, _, _ = newTask(t, 6, defaultTaskConfig())
	err = r.Reduce(ctx, SketchKey(3), [][]byte{{14, 1, 2}})
	assert.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)

	r, _, _ = newTask(t, 6, defaultTaskConfig())
	err = r.Reduce(ctx, FactRowCountKey(), [][]byte{{1, 2}})
	assert.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)
}

func TestStatisticsReducer_LegacyOmitsFactRows(t *testing.T) {
	ctx := context.Background()
	cfg := defaultTaskConfig()
	cfg.UseNewEstimateAlgorithm = false
	cfg.SamplingPercentage = 20
	r, out, _ := newTask(t, 6, cfg)
	require.NoError(t, r.Reduce(ctx, SketchKey(5), [][]byte{partialSketch(14, 0, 3)}))
	require.NoError(t, r.Cleanup(ctx))

	recs := out.File(TaskFileName(StatisticsFileName, 6))
	require.Len(t, recs, 4)
	k, err := recordio.KeyInt64(recs[2].Key)
	require.NoError(t, err)
	assert.Equal(t, stats.KeySamplingPercentage, k)
}

func TestPartitionReducer(t *testing.T) {
	ctx := context.Background()
	r, out, _ := newTask(t, 5, defaultTaskConfig())
	assert.Equal(t, RolePartition, r.Role())

	for _, v := range []string{"2024-01-03", "20240101", "2024-01-02 10:00:00"} {
		require.NoError(t, r.Reduce(ctx, PartitionKey(v), [][]byte{nil}))
	}
	require.NoError(t, r.Cleanup(ctx))

	recs := out.File(TaskFileName(PartitionFileName("part_dt"), 5))
	require.Len(t, recs, 2)
	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	jan3 := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, jan1, int64(binary.BigEndian.Uint64(recs[0].Value)))
	assert.Equal(t, jan3, int64(binary.BigEndian.Uint64(recs[1].Value)))

	err := r.Reduce(ctx, PartitionKey("yesterday"), [][]byte{nil})
	assert.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)
}

func TestPartitionReducer_NoPartitionColumn(t *testing.T) {
	cube := testCube()
	cube.PartitionDateColumn = ""
	plan, err := NewPlan(cube, 1, true)
	require.NoError(t, err)

	out := NewMemoryOutput()
	r, err := NewReducer(TaskContext{
		TaskID:   plan.PartitionTask(),
		NumTasks: plan.NumTasks(),
		Plan:     plan,
		Cube:     cube,
		Output:   out.Task(plan.PartitionTask()),
		Config:   defaultTaskConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, r.Cleanup(context.Background()))
	assert.Empty(t, out.Files())
}

func TestColumnReducer_BuildsDictionary(t *testing.T) {
	ctx := context.Background()
	r, out, metrics := newTask(t, 4, defaultTaskConfig())
	assert.Equal(t, RoleColumn, r.Role())

	for _, v := range []string{"books", "garden", "toys"} {
		require.NoError(t, r.Reduce(ctx, ColumnKey(2, v), [][]byte{nil, nil}))
	}
	require.NoError(t, r.Cleanup(ctx))

	recs := out.File(TaskFileName(DictFileName("category"), 4))
	require.Len(t, recs, 1)
	builder, d, err := dict.UnmarshalFile(recs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, dict.BuilderName(dict.KindString), builder)
	assert.Equal(t, []string{"books", "garden", "toys"}, d.Values())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DictSize.WithLabelValues("category")))

	err = r.Reduce(ctx, ColumnKey(0, "2024-01-01"), [][]byte{nil})
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))
}

func TestColumnReducer_UHCPassesThrough(t *testing.T) {
	ctx := context.Background()
	r, out, _ := newTask(t, 2, defaultTaskConfig())

	require.NoError(t, r.Reduce(ctx, ColumnKey(1, "DE"), [][]byte{nil}))
	require.NoError(t, r.Reduce(ctx, ColumnKey(1, "US"), [][]byte{nil}))
	require.NoError(t, r.Cleanup(ctx))

	assert.Equal(t, []string{TaskFileName(ColumnFileName("country"), 2)}, out.Files())
	recs, err := out.Read(ColumnFileName("country"))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "DE", string(recs[0].Value))
	assert.Equal(t, "US", string(recs[1].Value))
}

func TestColumnReducer_CustomBuilderPassesThrough(t *testing.T) {
	cube := testCube()
	cube.Dimensions[3].DictionaryBuilder = "global"
	plan, err := NewPlan(cube, 1, false)
	require.NoError(t, err)

	out := NewMemoryOutput()
	r, err := NewReducer(TaskContext{
		TaskID:   2,
		NumTasks: plan.NumTasks(),
		Plan:     plan,
		Cube:     cube,
		Output:   out.Task(2),
		Config:   defaultTaskConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, r.Reduce(context.Background(), ColumnKey(2, "books"), [][]byte{nil}))
	require.NoError(t, r.Cleanup(context.Background()))
	assert.Equal(t, []string{TaskFileName(ColumnFileName("category"), 2)}, out.Files())
}
