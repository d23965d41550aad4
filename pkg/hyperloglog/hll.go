package hyperloglog

import (
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

const (
	// MinPrecision and MaxPrecision bound the register index width.
	MinPrecision = 4
	MaxPrecision = 18

	// DefaultPrecision is used when an out-of-range precision is requested.
	DefaultPrecision = 14

	// alphaInf is the asymptotic bias constant 1/(2*ln 2).
	alphaInf = 0.7213475204444817
)

// HyperLogLog implements the HyperLogLog cardinality estimation algorithm.
// It provides memory-efficient approximate counting of unique elements.
//
// Memory usage: 2^precision bytes (e.g., precision=14 uses 16KB)
// Standard error: ~1.04 / sqrt(2^precision)
// For precision=14: error ~0.81%, memory ~16KB
//
// Estimates use Ertl's improved estimator, which needs no empirical bias
// tables and stays unbiased across small and large ranges.
type HyperLogLog struct {
	precision uint8   // Number of bits for register index (4-18)
	m         uint32  // Number of registers (2^precision)
	registers []uint8 // Register array
}

// New creates a new HyperLogLog with the given precision.
// Precision must be between 4 and 18.
// Higher precision = more accuracy but more memory.
//
// Recommended values:
//   - 10: ~1KB, 1.6% error
//   - 12: ~4KB, 1.04% error
//   - 14: ~16KB, 0.81% error (recommended)
//   - 16: ~64KB, 0.65% error
func New(precision uint8) *HyperLogLog {
	if !ValidPrecision(precision) {
		precision = DefaultPrecision
	}

	m := uint32(1 << precision)
	return &HyperLogLog{
		precision: precision,
		m:         m,
		registers: make([]uint8, m),
	}
}

// ValidPrecision reports whether p is a supported precision.
func ValidPrecision(p uint8) bool {
	return p >= MinPrecision && p <= MaxPrecision
}

// Precision returns the number of index bits.
func (h *HyperLogLog) Precision() uint8 {
	return h.precision
}

// Add adds an element to the HyperLogLog.
// The element is hashed and used to update the appropriate register.
func (h *HyperLogLog) Add(value string) {
	h.AddHash(xxhash.Sum64String(value))
}

// AddBytes adds a raw byte value.
func (h *HyperLogLog) AddBytes(value []byte) {
	h.AddHash(xxhash.Sum64(value))
}

// AddHash adds a pre-computed hash to the HyperLogLog.
// This is useful when you already have a hash value.
func (h *HyperLogLog) AddHash(hash uint64) {
	// Split hash into register index (first p bits) and remaining bits
	registerIndex := hash & ((1 << h.precision) - 1)
	w := hash >> h.precision

	// Count leading zeros in remaining bits + 1
	// If w is 0, we've used all bits, so set to max possible
	var rank uint8
	if w == 0 {
		rank = h.maxRank()
	} else {
		rank = uint8(bits.LeadingZeros64(w) - int(h.precision) + 1)
	}

	if rank > h.registers[registerIndex] {
		h.registers[registerIndex] = rank
	}
}

func (h *HyperLogLog) maxRank() uint8 {
	return uint8(64 - h.precision + 1)
}

// Estimate returns the raw floating point cardinality estimate.
func (h *HyperLogLog) Estimate() float64 {
	q := int(64 - h.precision)
	counts := make([]int, q+2)
	for _, val := range h.registers {
		counts[val]++
	}

	m := float64(h.m)
	z := m * tau((m-float64(counts[q+1]))/m)
	for k := q; k >= 1; k-- {
		z = 0.5 * (z + float64(counts[k]))
	}
	z += m * sigma(float64(counts[0])/m)

	return alphaInf * m * m / z
}

// Count returns the estimated cardinality.
func (h *HyperLogLog) Count() uint64 {
	est := h.Estimate()
	if math.IsInf(est, 0) || math.IsNaN(est) {
		return 0
	}
	return uint64(math.Round(est))
}

func sigma(x float64) float64 {
	if x == 1 {
		return math.Inf(1)
	}
	y := 1.0
	z := x
	for {
		x *= x
		prev := z
		z += x * y
		y += y
		if z == prev {
			return z
		}
	}
}

func tau(x float64) float64 {
	if x == 0 || x == 1 {
		return 0
	}
	y := 1.0
	z := 1 - x
	for {
		x = math.Sqrt(x)
		prev := z
		y *= 0.5
		z -= (1 - x) * (1 - x) * y
		if z == prev {
			return z / 3
		}
	}
}

// Merge merges another HyperLogLog into this one.
// Both HLLs must have the same precision.
// The result is the union of both sets.
func (h *HyperLogLog) Merge(other *HyperLogLog) error {
	if h.precision != other.precision {
		return ErrPrecisionMismatch
	}

	for i := uint32(0); i < h.m; i++ {
		if other.registers[i] > h.registers[i] {
			h.registers[i] = other.registers[i]
		}
	}

	return nil
}

// Clone returns a deep copy.
func (h *HyperLogLog) Clone() *HyperLogLog {
	c := New(h.precision)
	copy(c.registers, h.registers)
	return c
}

// Equal reports whether both sketches hold identical registers.
func (h *HyperLogLog) Equal(other *HyperLogLog) bool {
	if other == nil || h.precision != other.precision {
		return false
	}
	for i := range h.registers {
		if h.registers[i] != other.registers[i] {
			return false
		}
	}
	return true
}

// Clear resets all registers to zero.
func (h *HyperLogLog) Clear() {
	for i := range h.registers {
		h.registers[i] = 0
	}
}

// MemorySize returns the approximate memory usage in bytes.
func (h *HyperLogLog) MemorySize() int {
	return int(h.m) + 32 // registers + struct overhead
}

var (
	// ErrPrecisionMismatch is returned when trying to merge HLLs with different precisions.
	ErrPrecisionMismatch = &HLLError{"precision mismatch"}

	// ErrInvalidData is returned when trying to deserialize invalid HLL data.
	ErrInvalidData = &HLLError{"invalid serialized data"}
)

// HLLError represents an error in HyperLogLog operations.
type HLLError struct {
	message string
}

func (e *HLLError) Error() string {
	return "hyperloglog: " + e.message
}

// RegisterSize returns the fixed serialized size of the registers alone.
func RegisterSize(precision uint8) int {
	return 1 << precision
}

// AppendRegisters appends the raw registers to buf.
func (h *HyperLogLog) AppendRegisters(buf []byte) []byte {
	return append(buf, h.registers...)
}

// ReadRegisters replaces the registers with data, which must hold exactly
// 2^precision bytes of valid ranks.
func (h *HyperLogLog) ReadRegisters(data []byte) error {
	if len(data) != len(h.registers) {
		return ErrInvalidData
	}
	limit := h.maxRank()
	for _, r := range data {
		if r > limit {
			return ErrInvalidData
		}
	}
	copy(h.registers, data)
	return nil
}

// MarshalBinary encodes the HLL into a binary format.
// Format: [precision:1byte][registers:m bytes]
func (h *HyperLogLog) MarshalBinary() ([]byte, error) {
	data := make([]byte, 1, 1+len(h.registers))
	data[0] = h.precision
	return h.AppendRegisters(data), nil
}

// UnmarshalBinary decodes an HLL from binary format.
func (h *HyperLogLog) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return ErrInvalidData
	}

	precision := data[0]
	if !ValidPrecision(precision) {
		return ErrInvalidData
	}

	if len(data) != 1+RegisterSize(precision) {
		return ErrInvalidData
	}

	// Reinitialize HLL with correct precision
	fresh := New(precision)
	if err := fresh.ReadRegisters(data[1:]); err != nil {
		return err
	}
	*h = *fresh

	return nil
}

// FromBytes creates a new HLL from serialized bytes.
func FromBytes(data []byte) (*HyperLogLog, error) {
	h := &HyperLogLog{}
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return h, nil
}
