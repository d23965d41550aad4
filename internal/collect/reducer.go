package collect

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/internal/recordio"
	"github.com/fidde/cube_planner/internal/stats"
	"github.com/fidde/cube_planner/pkg/dict"
	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

// loggedValues is how many received values a task logs.
const loggedValues = 10

// TaskConfig is the job-wide part of a task's configuration.
type TaskConfig struct {
	Precision               uint8
	SamplingPercentage      int
	BuildDictInReducer      bool
	UseNewEstimateAlgorithm bool
}

// TaskContext is what the batch framework hands a reduce task.
type TaskContext struct {
	TaskID   int
	NumTasks int
	Plan     *Plan
	Cube     *models.CubeDesc
	Output   MultiOutput
	Config   TaskConfig
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Reducer handles the sorted key groups of one task. Reduce is called once
// per distinct key in key order, then Cleanup once.
type Reducer interface {
	Role() Role
	Reduce(ctx context.Context, key Key, values [][]byte) error
	Cleanup(ctx context.Context) error
}

// NewReducer picks the role of tc.TaskID and prepares its state.
func NewReducer(tc TaskContext) (Reducer, error) {
	if err := tc.Plan.CheckTaskCount(tc.NumTasks); err != nil {
		return nil, err
	}
	role, col, err := tc.Plan.Role(tc.TaskID)
	if err != nil {
		return nil, err
	}
	if tc.Logger == nil {
		tc.Logger = slog.Default()
	}
	if tc.Metrics == nil {
		tc.Metrics = nopMetrics()
	}
	base := taskBase{tc: tc, role: role, logger: tc.Logger.With("task", tc.TaskID, "role", role.String())}

	switch role {
	case RoleStatistics:
		if !hyperloglog.ValidPrecision(tc.Config.Precision) {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "sketch precision %d", tc.Config.Precision)
		}
		base.logger.Info("reducer handling statistics")
		return &statisticsReducer{
			taskBase:   base,
			baseCuboid: tc.Cube.BaseCuboidID(),
			sketches:   make(map[uint64]*hyperloglog.HyperLogLog),
		}, nil

	case RolePartition:
		r := &partitionReducer{taskBase: base, column: tc.Plan.Partition, min: math.MaxInt64, max: math.MinInt64}
		if r.column == "" {
			base.logger.Info("no partition column, this reducer will do nothing")
		} else {
			base.logger.Info("reducer handling partition column", "column", r.column)
		}
		return r, nil
	}

	desc := tc.Plan.Columns[col]
	r := &columnReducer{taskBase: base, index: col, column: desc}
	r.buildDict = tc.Config.BuildDictInReducer && desc.DictionaryBuilder == "" && !tc.Plan.IsUHC(col)
	if r.buildDict {
		dt, err := models.ParseDataType(desc.DataType)
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", desc.Name)
		}
		r.builder = dict.BuilderFor(dt)
	}
	base.logger.Info("reducer handling column", "column", desc.Name, "build_dict_in_reducer", r.buildDict)
	return r, nil
}

type taskBase struct {
	tc     TaskContext
	role   Role
	logger *slog.Logger
	keys   int
}

func (b *taskBase) Role() Role { return b.role }

func (b *taskBase) received(value string) {
	if b.keys < loggedValues {
		b.logger.Info("received value", "value", value)
	}
	b.keys++
	b.tc.Metrics.ValuesReduced.WithLabelValues(b.role.String()).Inc()
}

// OverlapRatio is the sum of per-mapper estimates over the merged total,
// or 0 when nothing was merged.
func OverlapRatio(totalRowsBeforeMerge, grandTotal int64) float64 {
	if grandTotal == 0 {
		return 0
	}
	return float64(totalRowsBeforeMerge) / float64(grandTotal)
}

type statisticsReducer struct {
	taskBase
	baseCuboid           uint64
	sketches             map[uint64]*hyperloglog.HyperLogLog
	mapperRows           []int64
	totalRowsBeforeMerge int64
	factRows             int64
}

func (r *statisticsReducer) Reduce(ctx context.Context, key Key, values [][]byte) error {
	sub, id, err := key.Statistics()
	if err != nil {
		return err
	}
	r.keys++
	r.tc.Metrics.ValuesReduced.WithLabelValues(r.role.String()).Inc()

	switch sub {
	case MarkFactRowCount:
		for _, v := range values {
			if len(v) != 8 {
				return errors.Wrapf(models.ErrCorruptData, "mapper row count of %d bytes", len(v))
			}
			r.factRows += int64(binary.BigEndian.Uint64(v))
		}
		return nil

	case MarkCuboidSketch:
		for _, v := range values {
			if err := r.merge(id, v); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Wrapf(models.ErrCorruptData, "statistics sub-marker %#x", sub)
}

func (r *statisticsReducer) merge(id uint64, data []byte) error {
	h, err := hyperloglog.FromBytes(data)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, models.ErrCorruptData), "cuboid %d partial sketch", id)
	}
	if h.Precision() != r.tc.Config.Precision {
		return errors.Wrapf(models.ErrIncompatibleSketch,
			"cuboid %d: sketch precision %d, job precision %d", id, h.Precision(), r.tc.Config.Precision)
	}

	est := int64(h.Count())
	r.totalRowsBeforeMerge += est
	if id == r.baseCuboid {
		r.mapperRows = append(r.mapperRows, est)
	}

	r.tc.Metrics.SketchMerges.Inc()
	if cur, ok := r.sketches[id]; ok {
		if err := cur.Merge(h); err != nil {
			return errors.Wrapf(errors.Mark(err, models.ErrIncompatibleSketch), "cuboid %d", id)
		}
		return nil
	}
	r.sketches[id] = h
	return nil
}

func (r *statisticsReducer) snapshot() *stats.Snapshot {
	return &stats.Snapshot{
		SamplingPercentage:      r.tc.Config.SamplingPercentage,
		MapperCount:             len(r.mapperRows),
		MapperOverlapRatio:      OverlapRatio(r.totalRowsBeforeMerge, r.grandTotal()),
		FactTableRowCount:       r.factRows,
		UseNewEstimateAlgorithm: r.tc.Config.UseNewEstimateAlgorithm,
		Sketches:                r.sketches,
	}
}

func (r *statisticsReducer) grandTotal() int64 {
	var total int64
	for _, h := range r.sketches {
		total += int64(h.Count())
	}
	return total
}

func (r *statisticsReducer) Cleanup(ctx context.Context) error {
	s := r.snapshot()
	r.logStatistics(s)
	for _, rec := range s.Records() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.tc.Output.Write(CategoryStatistics, recordio.Int64Key(rec.Key()), rec.MarshalValue(), StatisticsFileName); err != nil {
			return errors.Wrap(err, "writing statistics")
		}
	}
	return nil
}

func (r *statisticsReducer) logStatistics(s *stats.Snapshot) {
	ids := s.CuboidIDs()
	r.logger.Info("collected statistics",
		"cuboids", len(ids),
		"sampling_percentage", s.SamplingPercentage,
		"mappers", s.MapperCount)
	for i, rows := range r.mapperRows {
		if rows > 0 {
			r.logger.Debug("base cuboid rows in mapper", "mapper", i, "rows", rows)
		}
	}
	for _, id := range ids {
		r.logger.Debug("cuboid rows", "cuboid", id, "rows", s.Sketches[id].Count())
	}
	r.logger.Info("mapper overlap",
		"rows_before_merge", r.totalRowsBeforeMerge,
		"rows_after_merge", r.grandTotal(),
		"ratio", s.MapperOverlapRatio)
}

type partitionReducer struct {
	taskBase
	column   string
	min, max int64
	seen     bool
}

func (r *partitionReducer) Reduce(ctx context.Context, key Key, values [][]byte) error {
	if !key.IsPartition() {
		return errors.Wrapf(models.ErrInvalidConfiguration, "partition task got key marker %#x", key.Marker)
	}
	v := string(key.Payload)
	r.received(v)
	ms, err := dict.StringToMillis(v)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, models.ErrCorruptData), "partition column %s", r.column)
	}
	r.min = min(r.min, ms)
	r.max = max(r.max, ms)
	r.seen = true
	return nil
}

func (r *partitionReducer) Cleanup(ctx context.Context) error {
	if r.column == "" {
		return nil
	}
	if !r.seen {
		r.logger.Warn("no partition values received", "column", r.column)
		return nil
	}
	name := PartitionFileName(r.column)
	for _, v := range []int64{r.min, r.max} {
		if err := r.tc.Output.Write(CategoryPartition, nil, binary.BigEndian.AppendUint64(nil, uint64(v)), name); err != nil {
			return errors.Wrap(err, "writing partition range")
		}
	}
	r.logger.Info("wrote partition info", "column", r.column, "min", r.min, "max", r.max)
	return nil
}

type columnReducer struct {
	taskBase
	index     int
	column    models.DimensionDesc
	buildDict bool
	builder   *dict.Builder
}

func (r *columnReducer) Reduce(ctx context.Context, key Key, values [][]byte) error {
	if col, ok := key.Column(); !ok || col != r.index {
		return errors.Wrapf(models.ErrInvalidConfiguration,
			"task for column %d got key marker %#x", r.index, key.Marker)
	}
	v := string(key.Payload)
	r.received(v)

	if r.buildDict {
		if err := r.builder.AddValue(v); err != nil {
			return errors.Wrapf(errors.Mark(err, models.ErrCorruptData), "column %s", r.column.Name)
		}
		return nil
	}
	return r.tc.Output.Write(CategoryColumn, nil, key.Payload, ColumnFileName(r.column.Name))
}

func (r *columnReducer) Cleanup(ctx context.Context) error {
	if !r.buildDict {
		return nil
	}
	d, err := r.builder.Build()
	if err != nil {
		return errors.Wrapf(err, "building dictionary of %s", r.column.Name)
	}
	data, err := dict.MarshalFile(d)
	if err != nil {
		return err
	}
	r.tc.Metrics.DictSize.WithLabelValues(r.column.Name).Set(float64(d.Cardinality()))
	r.logger.Info("built dictionary", "column", r.column.Name, "cardinality", d.Cardinality(), "size_of_id", d.SizeOfID())
	return r.tc.Output.Write(CategoryDict, nil, data, DictFileName(r.column.Name))
}
