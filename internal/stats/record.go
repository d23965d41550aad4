// Package stats reads and writes cube statistics snapshots and turns them
// into per-cuboid row-count and storage-size estimates.
package stats

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

// Reserved snapshot keys. Positive keys are cuboid ids.
const (
	KeySamplingPercentage int64 = 0
	KeyMapperOverlapRatio int64 = -1
	KeyMapperCount        int64 = -2
	KeyFactTableRowCount  int64 = -3
)

// Record is one entry of a statistics snapshot: a metadata value or a
// cuboid sketch. The numeric key only exists on the wire.
type Record interface {
	Key() int64
	MarshalValue() []byte
}

// SamplingPercentage is the share of input rows fed to the sketches.
type SamplingPercentage int32

// MapperOverlapRatio is the sum of per-mapper estimates over the merged one.
type MapperOverlapRatio float64

// MapperCount is the number of mappers that reported row counts.
type MapperCount int32

// FactTableRowCount is the number of input rows. Its presence selects the
// corrected row-count estimate.
type FactTableRowCount int64

// CuboidSketch is the merged sketch of one cuboid.
type CuboidSketch struct {
	CuboidID uint64
	Sketch   *hyperloglog.HyperLogLog
}

func (SamplingPercentage) Key() int64 { return KeySamplingPercentage }
func (MapperOverlapRatio) Key() int64 { return KeyMapperOverlapRatio }
func (MapperCount) Key() int64        { return KeyMapperCount }
func (FactTableRowCount) Key() int64  { return KeyFactTableRowCount }
func (c CuboidSketch) Key() int64     { return int64(c.CuboidID) }

func (v SamplingPercentage) MarshalValue() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(v))
}

func (v MapperOverlapRatio) MarshalValue() []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(float64(v)))
}

func (v MapperCount) MarshalValue() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(v))
}

func (v FactTableRowCount) MarshalValue() []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func (c CuboidSketch) MarshalValue() []byte {
	data, _ := c.Sketch.MarshalBinary()
	return data
}

// DecodeRecord maps a wire key and value back to its record variant.
func DecodeRecord(key int64, value []byte) (Record, error) {
	switch {
	case key == KeySamplingPercentage:
		if len(value) != 4 {
			return nil, corrupt(key, value)
		}
		return SamplingPercentage(int32(binary.BigEndian.Uint32(value))), nil

	case key == KeyMapperOverlapRatio:
		if len(value) != 8 {
			return nil, corrupt(key, value)
		}
		return MapperOverlapRatio(math.Float64frombits(binary.BigEndian.Uint64(value))), nil

	case key == KeyMapperCount:
		if len(value) != 4 {
			return nil, corrupt(key, value)
		}
		return MapperCount(int32(binary.BigEndian.Uint32(value))), nil

	case key == KeyFactTableRowCount:
		if len(value) != 8 {
			return nil, corrupt(key, value)
		}
		return FactTableRowCount(int64(binary.BigEndian.Uint64(value))), nil

	case key > 0:
		h, err := hyperloglog.FromBytes(value)
		if err != nil {
			return nil, errors.Wrapf(errors.Mark(err, models.ErrCorruptData), "cuboid %d sketch", key)
		}
		return CuboidSketch{CuboidID: uint64(key), Sketch: h}, nil
	}
	return nil, errors.Wrapf(models.ErrCorruptData, "unknown snapshot key %d", key)
}

func corrupt(key int64, value []byte) error {
	return errors.Wrapf(models.ErrCorruptData, "snapshot key %d: value of %d bytes", key, len(value))
}
