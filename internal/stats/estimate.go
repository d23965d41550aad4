package stats

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

// Row key preamble parts.
const (
	CuboidIDLength = 8
	ShardIDLength  = 2
)

// Config holds the estimator's empirical ratios.
type Config struct {
	// CuboidSizeRatio scales ordinary row bytes to stored bytes.
	CuboidSizeRatio float64 `yaml:"cuboid_size_ratio"`
	// CountDistinctRatio scales exact distinct-count measure bytes.
	CountDistinctRatio float64 `yaml:"cuboid_size_count_distinct_ratio"`
	// RowKeySharding adds the shard id to every row key.
	RowKeySharding bool `yaml:"rowkey_sharding"`
}

// DefaultConfig returns the default estimator ratios.
func DefaultConfig() Config {
	return Config{
		CuboidSizeRatio:    0.25,
		CountDistinctRatio: 0.5,
		RowKeySharding:     true,
	}
}

// PreambleLength is the non-dimension part of a row key.
func (c Config) PreambleLength() int {
	if c.RowKeySharding {
		return CuboidIDLength + ShardIDLength
	}
	return CuboidIDLength
}

// RowCounts converts sketches to row counts. Without a recorded fact row
// count the raw estimate is used as is, assuming the sample already saw
// every distinct value.
func RowCounts(sketches map[uint64]*hyperloglog.HyperLogLog, samplingPercentage int, useNewAlgorithm bool, factTableRowCount int64) map[uint64]int64 {
	out := make(map[uint64]int64, len(sketches))
	for id, h := range sketches {
		est := int64(h.Count())
		if useNewAlgorithm {
			est = CorrectedRowCount(est, samplingPercentage, factTableRowCount)
		}
		out[id] = est
	}
	return out
}

// CorrectedRowCount inflates a sampled estimate by est²/(rows·pct²) and never
// returns less than est. A zero denominator returns est.
func CorrectedRowCount(est int64, samplingPercentage int, factTableRowCount int64) int64 {
	pct := float64(samplingPercentage) / 100
	a := float64(factTableRowCount) * pct * pct
	if a == 0 {
		return est
	}
	alt := math.Floor(float64(est) * float64(est) / a)
	if alt > math.MaxInt64 {
		return math.MaxInt64
	}
	return max(est, int64(alt))
}

// RowKeyLength sums the preamble and the encoded length of every dimension
// of the cuboid. lengths is in row-key order, so index 0 is the highest bit
// of baseCuboidID.
func RowKeyLength(cuboidID, baseCuboidID uint64, lengths []int, preamble int) int {
	n := preamble
	width := bits.Len64(baseCuboidID)
	mask := uint64(1) << uint(width-1)
	for i := 0; i < width && i < len(lengths); i++ {
		if mask&cuboidID != 0 {
			n += lengths[i]
		}
		mask >>= 1
	}
	return n
}

// MeasureSpace splits measure bytes into ordinary and exact distinct-count
// parts.
func MeasureSpace(measures []models.MeasureDesc) (normal, countDistinct int, err error) {
	for _, m := range measures {
		var dt models.DataType
		if dt, err = models.ParseDataType(m.ReturnType); err != nil {
			return 0, 0, errors.Wrapf(err, "measure %s", m.Name)
		}
		if m.IsCountDistinct() {
			countDistinct += dt.StorageBytesEstimate()
		} else {
			normal += dt.StorageBytesEstimate()
		}
	}
	return normal, countDistinct, nil
}

// CuboidSizeMB estimates the stored size of a cuboid in megabytes.
func CuboidSizeMB(rowCount int64, rowKeyLength, normalMeasureSpace, countDistinctSpace int, cfg Config) float64 {
	normal := float64(rowKeyLength + normalMeasureSpace)
	return (normal*float64(rowCount)*cfg.CuboidSizeRatio +
		float64(countDistinctSpace)*float64(rowCount)*cfg.CountDistinctRatio) / (1024 * 1024)
}
