// Package cuboid enumerates the valid dimension combinations of a cube and
// the spanning relation used to build and report them layer by layer.
//
// A cuboid is a bitmask over the ordered dimension list. Dimension index 0
// maps to the highest bit of the base cuboid.
package cuboid

import (
	"math/bits"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// DefaultMaxCombination caps the number of valid cuboids a scheduler accepts.
const DefaultMaxCombination = 32768

// Rules restrict which dimension combinations are materialized. Entries are
// dimension indexes in row-key order.
type Rules struct {
	// Mandatory dimensions are present in every cuboid.
	Mandatory []int
	// Hierarchies list levels from coarse to fine. A level may only be
	// present when every coarser level is.
	Hierarchies [][]int
	// Joints are groups that appear together or not at all.
	Joints [][]int
}

// Option tunes a Scheduler.
type Option func(*Scheduler)

// WithMaxCombination overrides DefaultMaxCombination. Zero or less disables
// the check.
func WithMaxCombination(n int) Option {
	return func(s *Scheduler) { s.maxCombination = n }
}

// Scheduler is a pure function of the dimension count and rules. It is safe
// for concurrent use.
type Scheduler struct {
	dimCount       int
	base           uint64
	mandatory      uint64
	joints         []uint64
	hierarchies    [][]uint64
	units          []uint64
	maxCombination int

	once   sync.Once
	all    []uint64
	layers [][]uint64
}

// NewScheduler validates the rules. A dimension may take part in at most one
// rule.
func NewScheduler(dimCount int, rules Rules, opts ...Option) (*Scheduler, error) {
	if dimCount < 1 || dimCount > models.MaxDimensions {
		return nil, errors.Wrapf(models.ErrInvalidConfiguration,
			"dimension count %d out of range [1, %d]", dimCount, models.MaxDimensions)
	}

	s := &Scheduler{
		dimCount:       dimCount,
		base:           uint64(1)<<uint(dimCount) - 1,
		maxCombination: DefaultMaxCombination,
	}
	for _, opt := range opts {
		opt(s)
	}

	var used uint64
	claim := func(kind string, idx int) (uint64, error) {
		if idx < 0 || idx >= dimCount {
			return 0, errors.Wrapf(models.ErrInvalidConfiguration, "%s dimension %d out of range", kind, idx)
		}
		b := s.bitOf(idx)
		if used&b != 0 {
			return 0, errors.Wrapf(models.ErrInvalidConfiguration, "dimension %d used by more than one rule", idx)
		}
		used |= b
		return b, nil
	}

	for _, idx := range rules.Mandatory {
		b, err := claim("mandatory", idx)
		if err != nil {
			return nil, err
		}
		s.mandatory |= b
	}
	for _, h := range rules.Hierarchies {
		if len(h) < 2 {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "hierarchy %v needs at least two levels", h)
		}
		levels := make([]uint64, 0, len(h))
		for _, idx := range h {
			b, err := claim("hierarchy", idx)
			if err != nil {
				return nil, err
			}
			levels = append(levels, b)
			s.units = append(s.units, b)
		}
		s.hierarchies = append(s.hierarchies, levels)
	}
	for _, j := range rules.Joints {
		if len(j) < 2 {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "joint %v needs at least two dimensions", j)
		}
		var mask uint64
		for _, idx := range j {
			b, err := claim("joint", idx)
			if err != nil {
				return nil, err
			}
			mask |= b
		}
		s.joints = append(s.joints, mask)
		s.units = append(s.units, mask)
	}
	for idx := 0; idx < dimCount; idx++ {
		if b := s.bitOf(idx); used&b == 0 {
			s.units = append(s.units, b)
		}
	}
	sort.Slice(s.units, func(i, j int) bool { return s.units[i] < s.units[j] })

	if s.maxCombination > 0 {
		if n := s.combinationCount(); n > uint64(s.maxCombination) {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration,
				"rules allow %d cuboids, max %d", n, s.maxCombination)
		}
	}
	return s, nil
}

// FromCube builds a scheduler from a cube descriptor's named rules.
func FromCube(desc *models.CubeDesc, opts ...Option) (*Scheduler, error) {
	index := func(name string) (int, error) {
		i, ok := desc.DimensionIndex(name)
		if !ok {
			return 0, errors.Wrapf(models.ErrInvalidConfiguration, "cube %s: rule names unknown dimension %s", desc.Name, name)
		}
		return i, nil
	}
	indexes := func(names []string) ([]int, error) {
		out := make([]int, 0, len(names))
		for _, n := range names {
			i, err := index(n)
			if err != nil {
				return nil, err
			}
			out = append(out, i)
		}
		return out, nil
	}

	var rules Rules
	var err error
	if rules.Mandatory, err = indexes(desc.Rules.Mandatory); err != nil {
		return nil, err
	}
	for _, h := range desc.Rules.Hierarchies {
		idx, err := indexes(h)
		if err != nil {
			return nil, err
		}
		rules.Hierarchies = append(rules.Hierarchies, idx)
	}
	for _, j := range desc.Rules.Joints {
		idx, err := indexes(j)
		if err != nil {
			return nil, err
		}
		rules.Joints = append(rules.Joints, idx)
	}
	return NewScheduler(len(desc.Dimensions), rules, opts...)
}

func (s *Scheduler) bitOf(idx int) uint64 {
	return uint64(1) << uint(s.dimCount-1-idx)
}

// combinationCount counts valid cuboids without enumerating them.
func (s *Scheduler) combinationCount() uint64 {
	n := uint64(1)
	for _, h := range s.hierarchies {
		n *= uint64(len(h) + 1)
	}
	free := len(s.units) - s.hierarchyLevels()
	if free >= 64 {
		return ^uint64(0)
	}
	hi, lo := bits.Mul64(n, uint64(1)<<uint(free))
	if hi != 0 {
		return ^uint64(0)
	}
	n = lo
	if s.mandatory == 0 {
		n--
	}
	return n
}

func (s *Scheduler) hierarchyLevels() int {
	n := 0
	for _, h := range s.hierarchies {
		n += len(h)
	}
	return n
}

// DimCount returns the number of dimensions.
func (s *Scheduler) DimCount() int { return s.dimCount }

// BaseCuboidID returns the cuboid with every dimension.
func (s *Scheduler) BaseCuboidID() uint64 { return s.base }

// IsValid reports whether the rules allow the cuboid.
func (s *Scheduler) IsValid(id uint64) bool {
	if id == 0 || id&^s.base != 0 {
		return false
	}
	if id&s.mandatory != s.mandatory {
		return false
	}
	for _, j := range s.joints {
		if m := id & j; m != 0 && m != j {
			return false
		}
	}
	for _, h := range s.hierarchies {
		missing := false
		for _, level := range h {
			present := id&level != 0
			if present && missing {
				return false
			}
			if !present {
				missing = true
			}
		}
	}
	return true
}

// DAGChildren returns every valid cuboid that drops exactly one removable
// unit (a dimension or a whole joint) from id, ascending.
func (s *Scheduler) DAGChildren(id uint64) []uint64 {
	if !s.IsValid(id) {
		return nil
	}
	var out []uint64
	for _, u := range s.units {
		if id&u != u {
			continue
		}
		if c := id &^ u; s.IsValid(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllParents returns every valid cuboid that adds one unit to id, ascending.
func (s *Scheduler) AllParents(id uint64) []uint64 {
	if !s.IsValid(id) {
		return nil
	}
	var out []uint64
	for _, u := range s.units {
		if id&u != 0 {
			continue
		}
		if p := id | u; s.IsValid(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parent returns the cuboid id is built from: the smallest valid cuboid one
// unit above it. The base cuboid has no parent.
func (s *Scheduler) Parent(id uint64) (uint64, bool) {
	parents := s.AllParents(id)
	if len(parents) == 0 {
		return 0, false
	}
	return parents[0], true
}

// SpanningChildren returns the children id is responsible for building,
// ascending. Every valid cuboid is the spanning child of exactly one
// parent, so a walk from the base visits each cuboid once.
func (s *Scheduler) SpanningChildren(id uint64) []uint64 {
	children := s.DAGChildren(id)
	out := children[:0]
	for _, c := range children {
		if p, ok := s.Parent(c); ok && p == id {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scheduler) enumerate() {
	s.once.Do(func() {
		seen := map[uint64]struct{}{s.base: {}}
		queue := []uint64{s.base}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, c := range s.DAGChildren(id) {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					queue = append(queue, c)
				}
			}
		}

		all := make([]uint64, 0, len(seen))
		for id := range seen {
			all = append(all, id)
		}
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

		var layers [][]uint64
		for _, id := range all {
			k := s.dimCount - bits.OnesCount64(id)
			for len(layers) <= k {
				layers = append(layers, nil)
			}
			layers[k] = append(layers[k], id)
		}
		s.all = all
		s.layers = layers
	})
}

// AllCuboids returns every valid cuboid, ascending.
func (s *Scheduler) AllCuboids() []uint64 {
	s.enumerate()
	return append([]uint64(nil), s.all...)
}

// CuboidsByLayer groups valid cuboids by the number of dimensions dropped:
// layer k holds the cuboids with DimCount()-k dimensions. Layers in between
// may be empty when joints drop several dimensions at once.
func (s *Scheduler) CuboidsByLayer() [][]uint64 {
	s.enumerate()
	out := make([][]uint64, len(s.layers))
	for i, l := range s.layers {
		out[i] = append([]uint64(nil), l...)
	}
	return out
}

// Layer returns CuboidsByLayer()[level], or nil past the last layer.
func (s *Scheduler) Layer(level int) []uint64 {
	s.enumerate()
	if level < 0 || level >= len(s.layers) {
		return nil
	}
	return append([]uint64(nil), s.layers[level]...)
}

// DisplayName renders id as a bit string in row-key order.
func (s *Scheduler) DisplayName(id uint64) string {
	return DisplayName(id, s.dimCount)
}

// DisplayName renders id as dimCount bits, highest first.
func DisplayName(id uint64, dimCount int) string {
	var b strings.Builder
	b.Grow(dimCount)
	for i := dimCount - 1; i >= 0; i-- {
		if id&(uint64(1)<<uint(i)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
