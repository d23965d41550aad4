package stats

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/internal/metadata"
	"github.com/fidde/cube_planner/internal/recordio"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/resource/memory"
	"github.com/fidde/cube_planner/pkg/cuboid"
	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

func sketchOf(n int) *hyperloglog.HyperLogLog {
	h := hyperloglog.New(14)
	for i := 0; i < n; i++ {
		h.Add(fmt.Sprintf("value-%d", i))
	}
	return h
}

// threeDimSnapshot covers every cuboid of a 3-dimension lattice with row
// counts shrinking as dimensions are dropped.
func threeDimSnapshot() *Snapshot {
	sizes := map[uint64]int{
		0b111: 4000, 0b110: 2000, 0b101: 1500, 0b011: 1200,
		0b100: 300, 0b010: 200, 0b001: 100,
	}
	s := &Snapshot{
		SamplingPercentage: 100,
		MapperCount:        3,
		MapperOverlapRatio: 1.55,
		Sketches:           make(map[uint64]*hyperloglog.HyperLogLog),
	}
	for id, n := range sizes {
		s.Sketches[id] = sketchOf(n)
	}
	return s
}

func TestCorrectedRowCount(t *testing.T) {
	tests := []struct {
		name     string
		est      int64
		pct      int
		factRows int64
		want     int64
	}{
		{"zero fact rows short-circuits", 1000, 10, 0, 1000},
		{"full sample keeps raw", 100, 100, 1_000_000, 100},
		{"sampled inflates", 1000, 50, 1000, 4000},
		{"sampled keeps raw when larger", 1000, 50, 10_000, 1000},
		{"floor", 3, 100, 2, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CorrectedRowCount(tt.est, tt.pct, tt.factRows))
		})
	}
}

func TestCorrectedRowCount_NeverBelowRaw(t *testing.T) {
	for _, pct := range []int{1, 5, 25, 50, 99, 100} {
		for _, est := range []int64{0, 1, 17, 1000, 123456} {
			for _, rows := range []int64{0, 1, 1000, 1 << 40} {
				got := CorrectedRowCount(est, pct, rows)
				assert.GreaterOrEqual(t, got, est, "pct=%d est=%d rows=%d", pct, est, rows)
			}
		}
	}
}

func TestRowCounts_LegacyUsesRawEstimate(t *testing.T) {
	sketches := map[uint64]*hyperloglog.HyperLogLog{1: sketchOf(500)}
	raw := int64(sketches[1].Count())

	legacy := RowCounts(sketches, 10, false, 100)
	assert.Equal(t, raw, legacy[1])

	corrected := RowCounts(sketches, 10, true, 100)
	assert.Greater(t, corrected[1], raw)
}

func TestRowKeyLength(t *testing.T) {
	lengths := []int{2, 4, 1, 3}
	base := uint64(0b1111)

	// bit 3 is column 0, bit 1 is column 2
	assert.Equal(t, 10+2+1, RowKeyLength(0b1010, base, lengths, 10))
	assert.Equal(t, 8+2+4, RowKeyLength(0b1100, base, lengths, 8))
	assert.Equal(t, 10+2+4+1+3, RowKeyLength(base, base, lengths, 10))
	assert.Equal(t, 3, RowKeyLength(0b0001, base, lengths, 0))
}

func TestConfig_PreambleLength(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.PreambleLength())
	cfg.RowKeySharding = false
	assert.Equal(t, 8, cfg.PreambleLength())
}

func TestMeasureSpace(t *testing.T) {
	normal, cd, err := MeasureSpace([]models.MeasureDesc{
		{Name: "gmv", Expression: "SUM", ReturnType: "decimal(19,4)"},
		{Name: "cnt", Expression: "COUNT", ReturnType: "bigint"},
		{Name: "buyers", Expression: "COUNT_DISTINCT", ReturnType: "hllc(10)"},
		{Name: "sellers", Expression: "count_distinct", ReturnType: "bitmap"},
	})
	require.NoError(t, err)
	assert.Equal(t, 16, normal)
	assert.Equal(t, 1025+8192, cd)

	_, _, err = MeasureSpace([]models.MeasureDesc{
		{Name: "gmv", Expression: "SUM", ReturnType: "decimal(19,4)"},
		{Name: "raw", Expression: "RAW", ReturnType: "blob"},
	})
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration), "got %v", err)
	assert.ErrorContains(t, err, "measure raw")
}

func TestCuboidSizeMB(t *testing.T) {
	cfg := DefaultConfig()
	// (20*1M*0.25 + 100*1M*0.5) / 1MiB
	got := CuboidSizeMB(1<<20, 12, 8, 100, cfg)
	assert.InDelta(t, 20*0.25+100*0.5, got, 1e-9)
	assert.Zero(t, CuboidSizeMB(0, 12, 8, 100, cfg))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := threeDimSnapshot()
	s.UseNewEstimateAlgorithm = true
	s.FactTableRowCount = 9000
	s.SamplingPercentage = 50

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	records, err := recordio.ReadAll(bytes.NewReader(data))
	require.NoError(t, err)
	var keys []int64
	for _, r := range records {
		k, err := recordio.KeyInt64(r.Key)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.Equal(t, []int64{-1, -2, -3, 0, 0b001, 0b010, 0b011, 0b100, 0b101, 0b110, 0b111}, keys)

	got, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 50, got.SamplingPercentage)
	assert.Equal(t, 3, got.MapperCount)
	assert.Equal(t, 1.55, got.MapperOverlapRatio)
	assert.Equal(t, int64(9000), got.FactTableRowCount)
	assert.True(t, got.UseNewEstimateAlgorithm)
	require.Len(t, got.Sketches, 7)
	for id, h := range s.Sketches {
		assert.True(t, h.Equal(got.Sketches[id]), "cuboid %d", id)
	}
	assert.Equal(t, uint8(14), got.Precision())
}

func TestSnapshot_LegacyHasNoFactRows(t *testing.T) {
	data, err := threeDimSnapshot().MarshalBinary()
	require.NoError(t, err)

	got, err := Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.False(t, got.UseNewEstimateAlgorithm)
	assert.Zero(t, got.FactTableRowCount)
}

func TestDecode_Corrupt(t *testing.T) {
	encode := func(records ...Record) []byte {
		var buf bytes.Buffer
		w := recordio.NewWriter(&buf)
		require.NoError(t, WriteRecords(w, records))
		require.NoError(t, w.Flush())
		return buf.Bytes()
	}

	valid, err := threeDimSnapshot().MarshalBinary()
	require.NoError(t, err)

	tests := map[string][]byte{
		"truncated":          valid[:len(valid)-7],
		"duplicate key":      encode(MapperCount(1), MapperCount(2)),
		"sampling of zero":   encode(SamplingPercentage(0)),
		"sampling above 100": encode(SamplingPercentage(101)),
		"mixed precision": encode(
			CuboidSketch{CuboidID: 1, Sketch: hyperloglog.New(12)},
			CuboidSketch{CuboidID: 2, Sketch: hyperloglog.New(14)}),
		"unknown key": func() []byte {
			var buf bytes.Buffer
			w := recordio.NewWriter(&buf)
			require.NoError(t, w.WriteInt64(-9, []byte{1}))
			require.NoError(t, w.Flush())
			return buf.Bytes()
		}(),
		"short value": func() []byte {
			var buf bytes.Buffer
			w := recordio.NewWriter(&buf)
			require.NoError(t, w.WriteInt64(KeyMapperOverlapRatio, []byte{1, 2, 3}))
			require.NoError(t, w.Flush())
			return buf.Bytes()
		}(),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)
		})
	}
}

func TestDecode_DefaultSampling(t *testing.T) {
	var buf bytes.Buffer
	w := recordio.NewWriter(&buf)
	require.NoError(t, WriteRecords(w, []Record{MapperCount(2), CuboidSketch{CuboidID: 3, Sketch: sketchOf(10)}}))
	require.NoError(t, w.Flush())

	s, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 100, s.SamplingPercentage)
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	_, err := Load(ctx, store, "/cube_statistics/none.seq")
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)

	require.NoError(t, resource.Put(ctx, store, "/cube_statistics/bad.seq", []byte{0x05, 0x0a}))
	_, err = Load(ctx, store, "/cube_statistics/bad.seq")
	assert.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)

	require.NoError(t, Publish(ctx, store, "/cube_statistics/ok.seq", threeDimSnapshot()))
	s, err := Load(ctx, store, "/cube_statistics/ok.seq")
	require.NoError(t, err)
	assert.Len(t, s.Sketches, 7)
}

func newThreeDimReader(t *testing.T, s *Snapshot) *Reader {
	t.Helper()
	sched, err := cuboid.NewScheduler(3, cuboid.Rules{})
	require.NoError(t, err)
	r, err := NewReader(s, Input{
		Name:      "sales[test]",
		Scheduler: sched,
		Columns:   []string{"dt", "country", "seller"},
		Lengths:   []int{2, 1, 4},
		Measures: []models.MeasureDesc{
			{Name: "gmv", Expression: "SUM", ReturnType: "decimal(19,4)"},
		},
	}, DefaultConfig())
	require.NoError(t, err)
	return r
}

func TestReader_Estimates(t *testing.T) {
	s := threeDimSnapshot()
	r := newThreeDimReader(t, s)

	rows := r.RowCountEstimates()
	require.Len(t, rows, 7)
	for id, h := range s.Sketches {
		assert.Equal(t, int64(h.Count()), rows[id])
	}

	sizes := r.SizeEstimateMB()
	base := rows[0b111]
	// preamble 10 + 2+1+4 + 8 measure bytes
	assert.InDelta(t, float64(25*base)*0.25/(1024*1024), sizes[0b111], 1e-12)

	assert.Equal(t, []uint64{0b111}, r.CuboidsByLayer(0))
	assert.Equal(t, []uint64{0b011, 0b101, 0b110}, r.CuboidsByLayer(1))
	assert.Empty(t, r.CuboidsByLayer(5))
	assert.Equal(t, 3, r.LayerCount())

	var total float64
	for level := 0; level < r.LayerCount(); level++ {
		var want float64
		for _, id := range r.CuboidsByLayer(level) {
			want += sizes[id]
		}
		got := r.EstimateLayerSizeMB(level)
		assert.InDelta(t, want, got, 1e-12)
		total += got
	}
	assert.InDelta(t, total, r.TotalEstimatedSizeMB(), 1e-12)
	assert.Zero(t, r.EstimateLayerSizeMB(9))

	// returned maps are copies
	rows[0b111] = -1
	v, ok := r.RowCount(0b111)
	require.True(t, ok)
	assert.NotEqual(t, int64(-1), v)
}

func TestNewReader_Invalid(t *testing.T) {
	sched, err := cuboid.NewScheduler(3, cuboid.Rules{})
	require.NoError(t, err)

	_, err = NewReader(threeDimSnapshot(), Input{Scheduler: sched, Lengths: []int{1}}, DefaultConfig())
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))

	_, err = NewReader(threeDimSnapshot(), Input{}, DefaultConfig())
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))

	_, err = NewReader(threeDimSnapshot(), Input{
		Scheduler: sched,
		Lengths:   []int{1, 2, 4},
		Measures:  []models.MeasureDesc{{Name: "m", Expression: "SUM", ReturnType: "decimal(x)"}},
	}, DefaultConfig())
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration), "got %v", err)
}

func TestReader_Print(t *testing.T) {
	r := newThreeDimReader(t, threeDimSnapshot())

	var buf bytes.Buffer
	require.NoError(t, r.Print(&buf))
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")

	require.Len(t, lines, 10+3+7+1)
	assert.Equal(t, headerRule, lines[0])
	assert.Equal(t, "Statistics of sales[test]", lines[1])
	assert.Equal(t, "", lines[2])
	assert.Equal(t, "Cube statistics hll precision: 14", lines[3])
	assert.Equal(t, "Total cuboids: 7", lines[4])
	assert.True(t, strings.HasPrefix(lines[6], "Total estimated size(MB): "))
	assert.Equal(t, "Sampling percentage:  100", lines[7])
	assert.Equal(t, "Mapper overlap ratio: 1.55", lines[8])
	assert.Equal(t, "Mapper number: 3", lines[9])
	assert.Equal(t, "Length of dimension dt is 2", lines[10])
	assert.Equal(t, "Length of dimension seller is 4", lines[12])
	assert.Equal(t, footerRule, lines[len(lines)-1])

	tree := lines[13 : len(lines)-1]
	assert.True(t, strings.HasPrefix(tree[0], "|---- Cuboid 111, est row: "))
	assert.NotContains(t, tree[0], "shrink")

	// depth-first, ascending children
	var names []string
	for _, l := range tree {
		indent := len(l) - len(strings.TrimLeft(l, " "))
		name := strings.Fields(strings.TrimLeft(l, " "))[2]
		names = append(names, fmt.Sprintf("%d:%s", indent/4, strings.TrimSuffix(name, ",")))
	}
	assert.Equal(t, []string{"0:111", "1:011", "2:001", "2:010", "1:101", "2:100", "1:110"}, names)

	for _, l := range tree[1:] {
		assert.Regexp(t, `, shrink: \d+(\.\d{1,2})?%$`, l)
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "1.55", formatNumber(1.55))
	assert.Equal(t, "2", formatNumber(2))
	assert.Equal(t, "0.33", formatNumber(1.0/3))
	assert.Equal(t, "0", formatNumber(0))
}

func TestReport_SkipsFailedSegments(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	cube := &metadata.Cube{
		CubeDesc: models.CubeDesc{
			Name: "orders",
			Dimensions: []models.DimensionDesc{
				{Name: "region", DataType: "varchar(16)", Encoding: "fixed_length:4"},
				{Name: "shop", DataType: "int", Encoding: "integer:2"},
				{Name: "sku", DataType: "bigint", Encoding: "integer:4"},
			},
			Measures: []models.MeasureDesc{{Name: "cnt", Expression: "COUNT", ReturnType: "bigint"}},
		},
		Segments: []metadata.SegmentDesc{
			{Name: "missing", UUID: "0c4f8d1e-5a3b-4b2c-9d8e-7f6a5b4c3d2e"},
			{Name: "built", UUID: "1d5a9e2f-6b4c-4c3d-8e9f-0a1b2c3d4e5f"},
		},
	}
	segs := cube.BindSegments(store)
	require.NoError(t, Publish(ctx, store, segs[1].StatisticsPath(), threeDimSnapshot()))

	var buf bytes.Buffer
	n, err := Report(ctx, &buf, segs, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), "Statistics of orders[built]")
	assert.NotContains(t, buf.String(), "orders[missing]")
	assert.Contains(t, buf.String(), "Length of dimension shop is 2")
}
