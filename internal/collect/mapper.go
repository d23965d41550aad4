package collect

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/cuboid"
	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

// DefaultNullValue is how the fact table spells null.
const DefaultNullValue = `\N`

// Row is one fact table row, one value per cube dimension in row-key order.
type Row []string

// Emitter receives mapper output.
type Emitter interface {
	Emit(k Key, value []byte) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(k Key, value []byte) error

func (f EmitterFunc) Emit(k Key, value []byte) error { return f(k, value) }

// MapperConfig tunes what a mapper emits.
type MapperConfig struct {
	Statistics         bool
	Precision          uint8
	SamplingPercentage int
	NullValues         []string
}

// Mapper reads one input split. It keeps the distinct values of every
// dictionary column and one partial sketch per cuboid, and emits them on
// Flush. A Mapper is not safe for concurrent use.
type Mapper struct {
	cube    *models.CubeDesc
	plan    *Plan
	cfg     MapperConfig
	metrics *Metrics

	dictDims     []int
	partitionDim int
	nulls        map[string]struct{}

	cuboids    []uint64
	cuboidDims [][]int
	sketches   []*hyperloglog.HyperLogLog
	colHashes  []uint64
	digest     *xxhash.Digest
	scratch    [8]byte

	values          []map[string]struct{}
	partitionValues map[string]struct{}
	rows            int64
}

// NewMapper prepares a mapper for the cube's plan. sched may be nil when
// statistics are disabled.
func NewMapper(cube *models.CubeDesc, plan *Plan, sched *cuboid.Scheduler, cfg MapperConfig, metrics *Metrics) (*Mapper, error) {
	if metrics == nil {
		metrics = nopMetrics()
	}
	if cfg.SamplingPercentage <= 0 || cfg.SamplingPercentage > 100 {
		return nil, errors.Wrapf(models.ErrInvalidConfiguration, "sampling percentage %d", cfg.SamplingPercentage)
	}
	if cfg.NullValues == nil {
		cfg.NullValues = []string{DefaultNullValue}
	}

	m := &Mapper{
		cube:            cube,
		plan:            plan,
		cfg:             cfg,
		metrics:         metrics,
		partitionDim:    -1,
		nulls:           make(map[string]struct{}, len(cfg.NullValues)),
		values:          make([]map[string]struct{}, len(plan.Columns)),
		partitionValues: make(map[string]struct{}),
		colHashes:       make([]uint64, len(cube.Dimensions)),
		digest:          xxhash.New(),
	}
	for _, v := range cfg.NullValues {
		m.nulls[v] = struct{}{}
	}
	for i, c := range plan.Columns {
		idx, ok := cube.DimensionIndex(c.Name)
		if !ok {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "column %s is not a dimension", c.Name)
		}
		m.dictDims = append(m.dictDims, idx)
		m.values[i] = make(map[string]struct{})
	}
	if plan.Partition != "" && plan.Statistics {
		idx, ok := cube.DimensionIndex(plan.Partition)
		if !ok {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "partition column %s is not a dimension", plan.Partition)
		}
		m.partitionDim = idx
	}

	if cfg.Statistics {
		if sched == nil {
			return nil, errors.Wrap(models.ErrInvalidConfiguration, "statistics need a cuboid scheduler")
		}
		if !hyperloglog.ValidPrecision(cfg.Precision) {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "sketch precision %d", cfg.Precision)
		}
		dimCount := len(cube.Dimensions)
		m.cuboids = sched.AllCuboids()
		m.cuboidDims = make([][]int, len(m.cuboids))
		m.sketches = make([]*hyperloglog.HyperLogLog, len(m.cuboids))
		for i, id := range m.cuboids {
			for d := 0; d < dimCount; d++ {
				if id&(uint64(1)<<uint(dimCount-1-d)) != 0 {
					m.cuboidDims[i] = append(m.cuboidDims[i], d)
				}
			}
			m.sketches[i] = hyperloglog.New(cfg.Precision)
		}
	}
	return m, nil
}

// Map consumes one row.
func (m *Mapper) Map(row Row) error {
	if len(row) != len(m.cube.Dimensions) {
		return errors.Wrapf(models.ErrCorruptData, "row of %d values, cube %s has %d dimensions",
			len(row), m.cube.Name, len(m.cube.Dimensions))
	}
	m.rows++
	m.metrics.RowsRead.Inc()

	for i, d := range m.dictDims {
		if v := row[d]; !m.isNull(v) {
			m.values[i][v] = struct{}{}
		}
	}
	if m.partitionDim >= 0 {
		if v := row[m.partitionDim]; !m.isNull(v) {
			m.partitionValues[v] = struct{}{}
		}
	}

	if m.cfg.Statistics && (m.rows-1)%100 < int64(m.cfg.SamplingPercentage) {
		m.addToSketches(row)
	}
	return nil
}

func (m *Mapper) isNull(v string) bool {
	_, ok := m.nulls[v]
	return ok
}

// addToSketches hashes each column once, then each cuboid over the hashes
// of its columns.
func (m *Mapper) addToSketches(row Row) {
	m.metrics.RowsSampled.Inc()
	for i, v := range row {
		m.colHashes[i] = xxhash.Sum64String(v)
	}
	for i, dims := range m.cuboidDims {
		m.digest.Reset()
		for _, d := range dims {
			binary.BigEndian.PutUint64(m.scratch[:], m.colHashes[d])
			_, _ = m.digest.Write(m.scratch[:])
		}
		m.sketches[i].AddHash(m.digest.Sum64())
	}
}

// Rows returns the number of rows read.
func (m *Mapper) Rows() int64 { return m.rows }

// Flush emits distinct column values in sorted order, partition values,
// then, with statistics enabled, every cuboid sketch and the row count.
func (m *Mapper) Flush(e Emitter) error {
	for i, set := range m.values {
		for _, v := range sortedSet(set) {
			if err := m.emit(e, RoleColumn, ColumnKey(i, v), nil); err != nil {
				return err
			}
		}
	}
	for _, v := range sortedSet(m.partitionValues) {
		if err := m.emit(e, RolePartition, PartitionKey(v), nil); err != nil {
			return err
		}
	}

	if !m.cfg.Statistics {
		return nil
	}
	for i, id := range m.cuboids {
		data, err := m.sketches[i].MarshalBinary()
		if err != nil {
			return err
		}
		if err := m.emit(e, RoleStatistics, SketchKey(id), data); err != nil {
			return err
		}
	}
	return m.emit(e, RoleStatistics, FactRowCountKey(), binary.BigEndian.AppendUint64(nil, uint64(m.rows)))
}

func (m *Mapper) emit(e Emitter, role Role, k Key, value []byte) error {
	m.metrics.ValuesEmitted.WithLabelValues(role.String()).Inc()
	return e.Emit(k, value)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
