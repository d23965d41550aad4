package stats

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/pkg/cuboid"
	"github.com/fidde/cube_planner/pkg/models"
)

// Reader turns one segment's snapshot into row-count and size estimates.
// Estimates are computed once at construction; a Reader is read-only and
// safe for concurrent use.
type Reader struct {
	name      string
	snapshot  *Snapshot
	scheduler *cuboid.Scheduler
	columns   []string
	lengths   []int
	cfg       Config

	rowCounts map[uint64]int64
	sizes     map[uint64]float64
}

// Input is everything a Reader needs besides the snapshot.
type Input struct {
	// Name labels the segment in printed output.
	Name      string
	Scheduler *cuboid.Scheduler
	// Columns and Lengths describe the base cuboid row key in order.
	Columns  []string
	Lengths  []int
	Measures []models.MeasureDesc
}

// NewReader builds estimates from a decoded snapshot.
func NewReader(s *Snapshot, in Input, cfg Config) (*Reader, error) {
	if in.Scheduler == nil {
		return nil, errors.Wrap(models.ErrInvalidConfiguration, "stats reader needs a cuboid scheduler")
	}
	if len(in.Lengths) != in.Scheduler.DimCount() {
		return nil, errors.Wrapf(models.ErrInvalidConfiguration,
			"%d row key lengths for %d dimensions", len(in.Lengths), in.Scheduler.DimCount())
	}

	r := &Reader{
		name:      in.Name,
		snapshot:  s,
		scheduler: in.Scheduler,
		columns:   in.Columns,
		lengths:   in.Lengths,
		cfg:       cfg,
	}
	r.rowCounts = RowCounts(s.Sketches, s.SamplingPercentage, s.UseNewEstimateAlgorithm, s.FactTableRowCount)

	normal, countDistinct, err := MeasureSpace(in.Measures)
	if err != nil {
		return nil, err
	}
	base := in.Scheduler.BaseCuboidID()
	r.sizes = make(map[uint64]float64, len(r.rowCounts))
	for id, rows := range r.rowCounts {
		keyLen := RowKeyLength(id, base, in.Lengths, cfg.PreambleLength())
		r.sizes[id] = CuboidSizeMB(rows, keyLen, normal, countDistinct, cfg)
	}
	return r, nil
}

// Open loads the segment's snapshot from its resource store and resolves
// the row-key column lengths through the segment's encodings.
func Open(ctx context.Context, seg *metadata.Segment, cfg Config, opts ...cuboid.Option) (*Reader, error) {
	snapshot, err := Load(ctx, seg.Store(), seg.StatisticsPath())
	if err != nil {
		return nil, err
	}
	sched, err := cuboid.FromCube(seg.Cube(), opts...)
	if err != nil {
		return nil, err
	}
	lengths, err := seg.RowKeyColumnLengths(ctx)
	if err != nil {
		return nil, err
	}

	cube := seg.Cube()
	columns := make([]string, len(cube.Dimensions))
	for i, d := range cube.Dimensions {
		columns[i] = d.Name
	}
	return NewReader(snapshot, Input{
		Name:      seg.String(),
		Scheduler: sched,
		Columns:   columns,
		Lengths:   lengths,
		Measures:  cube.Measures,
	}, cfg)
}

// Snapshot returns the underlying snapshot.
func (r *Reader) Snapshot() *Snapshot { return r.snapshot }

// Scheduler returns the lattice the estimates are laid out on.
func (r *Reader) Scheduler() *cuboid.Scheduler { return r.scheduler }

// RowCountEstimates returns a copy of the per-cuboid row counts.
func (r *Reader) RowCountEstimates() map[uint64]int64 {
	out := make(map[uint64]int64, len(r.rowCounts))
	for id, v := range r.rowCounts {
		out[id] = v
	}
	return out
}

// SizeEstimateMB returns a copy of the per-cuboid sizes in megabytes.
func (r *Reader) SizeEstimateMB() map[uint64]float64 {
	out := make(map[uint64]float64, len(r.sizes))
	for id, v := range r.sizes {
		out[id] = v
	}
	return out
}

// RowCount returns the estimate of one cuboid.
func (r *Reader) RowCount(id uint64) (int64, bool) {
	v, ok := r.rowCounts[id]
	return v, ok
}

// SizeMB returns the size estimate of one cuboid.
func (r *Reader) SizeMB(id uint64) (float64, bool) {
	v, ok := r.sizes[id]
	return v, ok
}

// CuboidsByLayer returns the cuboids of one lattice layer, layer 0 being
// the base cuboid. Levels past the last layer are empty.
func (r *Reader) CuboidsByLayer(level int) []uint64 {
	return r.scheduler.Layer(level)
}

// LayerCount is the number of lattice layers.
func (r *Reader) LayerCount() int {
	return len(r.scheduler.CuboidsByLayer())
}

// EstimateLayerSizeMB sums the sizes of one layer's cuboids.
func (r *Reader) EstimateLayerSizeMB(level int) float64 {
	var total float64
	for _, id := range r.scheduler.Layer(level) {
		total += r.sizes[id]
	}
	return total
}

// TotalEstimatedSizeMB sums every cuboid estimate.
func (r *Reader) TotalEstimatedSizeMB() float64 {
	var total float64
	for _, id := range r.sortedIDs() {
		total += r.sizes[id]
	}
	return total
}

// TotalEstimatedRows sums every cuboid row count.
func (r *Reader) TotalEstimatedRows() int64 {
	var total int64
	for _, v := range r.rowCounts {
		total += v
	}
	return total
}

// sortedIDs keeps float sums independent of map order.
func (r *Reader) sortedIDs() []uint64 {
	ids := make([]uint64, 0, len(r.sizes))
	for id := range r.sizes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
