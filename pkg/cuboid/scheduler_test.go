package cuboid

import (
	"math/bits"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/pkg/models"
)

func mustScheduler(t *testing.T, dims int, rules Rules) *Scheduler {
	t.Helper()
	s, err := NewScheduler(dims, rules)
	require.NoError(t, err)
	return s
}

func TestScheduler_NoRules(t *testing.T) {
	s := mustScheduler(t, 4, Rules{})
	assert.Equal(t, uint64(0b1111), s.BaseCuboidID())
	assert.Len(t, s.AllCuboids(), 15)

	layers := s.CuboidsByLayer()
	require.Len(t, layers, 4)
	assert.Equal(t, []uint64{0b1111}, layers[0])
	assert.Len(t, layers[1], 4)
	assert.Len(t, layers[2], 6)
	assert.Len(t, layers[3], 4)
	assert.Equal(t, []uint64{0b0111, 0b1011, 0b1101, 0b1110}, s.Layer(1))
	assert.Nil(t, s.Layer(4))

	assert.False(t, s.IsValid(0))
	assert.False(t, s.IsValid(0b10000))
}

func TestScheduler_SpanningTree(t *testing.T) {
	s := mustScheduler(t, 3, Rules{})

	assert.Equal(t, []uint64{0b011, 0b101, 0b110}, s.SpanningChildren(0b111))
	assert.Equal(t, []uint64{0b001, 0b010}, s.SpanningChildren(0b011))
	assert.Equal(t, []uint64{0b100}, s.SpanningChildren(0b101))
	assert.Empty(t, s.SpanningChildren(0b110))

	p, ok := s.Parent(0b001)
	require.True(t, ok)
	assert.Equal(t, uint64(0b011), p)

	_, ok = s.Parent(0b111)
	assert.False(t, ok)
}

func TestScheduler_Rules(t *testing.T) {
	tests := []struct {
		name    string
		rules   Rules
		valid   []uint64
		invalid []uint64
	}{
		{
			name:    "mandatory",
			rules:   Rules{Mandatory: []int{0}},
			valid:   []uint64{0b1000, 0b1001, 0b1111},
			invalid: []uint64{0b0111, 0b0001},
		},
		{
			name:    "hierarchy",
			rules:   Rules{Hierarchies: [][]int{{1, 2}}},
			valid:   []uint64{0b0100, 0b0110, 0b1001},
			invalid: []uint64{0b0010, 0b1010},
		},
		{
			name:    "joint",
			rules:   Rules{Joints: [][]int{{2, 3}}},
			valid:   []uint64{0b0011, 0b1100, 0b1011},
			invalid: []uint64{0b1110, 0b0001},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustScheduler(t, 4, tt.rules)
			for _, id := range tt.valid {
				assert.True(t, s.IsValid(id), DisplayName(id, 4))
			}
			for _, id := range tt.invalid {
				assert.False(t, s.IsValid(id), DisplayName(id, 4))
			}
			assert.Equal(t, int(s.combinationCount()), len(s.AllCuboids()))
		})
	}
}

func TestScheduler_LatticeProperties(t *testing.T) {
	ruleSets := map[string]Rules{
		"none":      {},
		"mandatory": {Mandatory: []int{5}},
		"mixed": {
			Mandatory:   []int{0},
			Hierarchies: [][]int{{1, 2, 3}},
			Joints:      [][]int{{4, 6}},
		},
	}

	for name, rules := range ruleSets {
		t.Run(name, func(t *testing.T) {
			s := mustScheduler(t, 7, rules)
			all := s.AllCuboids()

			for _, id := range all {
				for _, c := range s.DAGChildren(id) {
					assert.Equal(t, c, c&id, "child must be a subset")
					assert.NotEqual(t, c, id, "child must be a proper subset")
					assert.Less(t, bits.OnesCount64(c), bits.OnesCount64(id))
				}
			}

			// Each valid cuboid is reached exactly once from the base.
			visits := make(map[uint64]int)
			var walk func(uint64)
			walk = func(id uint64) {
				visits[id]++
				for _, c := range s.SpanningChildren(id) {
					walk(c)
				}
			}
			walk(s.BaseCuboidID())

			require.Len(t, visits, len(all))
			for _, id := range all {
				assert.Equal(t, 1, visits[id], DisplayName(id, 7))
			}

			total := 0
			for _, l := range s.CuboidsByLayer() {
				total += len(l)
			}
			assert.Equal(t, len(all), total)
		})
	}
}

func TestScheduler_Deterministic(t *testing.T) {
	s := mustScheduler(t, 5, Rules{Joints: [][]int{{0, 1}}})
	assert.Equal(t, s.CuboidsByLayer(), s.CuboidsByLayer())
	assert.Equal(t, s.SpanningChildren(s.BaseCuboidID()), s.SpanningChildren(s.BaseCuboidID()))
}

func TestNewScheduler_Invalid(t *testing.T) {
	tests := map[string]struct {
		dims  int
		rules Rules
	}{
		"no dims":          {0, Rules{}},
		"too many dims":    {64, Rules{}},
		"out of range":     {3, Rules{Mandatory: []int{3}}},
		"overlap":          {4, Rules{Mandatory: []int{1}, Joints: [][]int{{1, 2}}}},
		"short hierarchy":  {4, Rules{Hierarchies: [][]int{{1}}}},
		"too many cuboids": {20, Rules{}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewScheduler(tt.dims, tt.rules)
			assert.True(t, errors.Is(err, models.ErrInvalidConfiguration), "got %v", err)
		})
	}

	_, err := NewScheduler(20, Rules{}, WithMaxCombination(0))
	assert.NoError(t, err)
}

func TestFromCube(t *testing.T) {
	desc := &models.CubeDesc{
		Name: "sales",
		Dimensions: []models.DimensionDesc{
			{Name: "year", DataType: "int"},
			{Name: "month", DataType: "int"},
			{Name: "country", DataType: "varchar(32)"},
		},
		Rules: models.RuleDesc{Hierarchies: [][]string{{"year", "month"}}},
	}
	s, err := FromCube(desc)
	require.NoError(t, err)
	assert.False(t, s.IsValid(0b011))
	assert.True(t, s.IsValid(0b101))

	desc.Rules.Joints = [][]string{{"country", "city"}}
	_, err = FromCube(desc)
	assert.True(t, errors.Is(err, models.ErrInvalidConfiguration))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "1010", DisplayName(0b1010, 4))
	assert.Equal(t, "0001", DisplayName(1, 4))
}
