package dimenc

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// MaxFixedLength bounds fixed_length declarations.
const MaxFixedLength = 256

// FixedLengthEncoding stores a value's bytes truncated or zero padded to a
// fixed width.
type FixedLengthEncoding struct {
	length int
}

// NewFixedLengthEncoding returns an encoding of n bytes.
func NewFixedLengthEncoding(n int) (*FixedLengthEncoding, error) {
	if n < 1 || n > MaxFixedLength {
		return nil, errors.Wrapf(models.ErrInvalidConfiguration, "fixed_length %d out of range [1, %d]", n, MaxFixedLength)
	}
	return &FixedLengthEncoding{length: n}, nil
}

// Name returns the declaration, for example fixed_length:12.
func (e *FixedLengthEncoding) Name() string { return fmt.Sprintf("%s:%d", NameFixedLength, e.length) }

// LengthOfEncoding returns the fixed width.
func (e *FixedLengthEncoding) LengthOfEncoding() int { return e.length }

// Encode writes value truncated or zero padded to the width.
func (e *FixedLengthEncoding) Encode(value string, out []byte, offset int) {
	n := copy(out[offset:offset+e.length], value)
	fill(out, offset+n, e.length-n, 0)
}

// EncodeNull fills the width with the null byte.
func (e *FixedLengthEncoding) EncodeNull(out []byte, offset int) {
	fill(out, offset, e.length, Null)
}

// Decode strips the zero padding; an all-null code decodes as null.
func (e *FixedLengthEncoding) Decode(b []byte, offset, length int) (string, bool) {
	code := b[offset : offset+length]
	if isNull(code) {
		return "", false
	}
	return string(bytes.TrimRight(code, "\x00")), true
}

// AsSerializer returns a serializer of fixed-width codes.
func (e *FixedLengthEncoding) AsSerializer() ValueSerializer { return fixedSerializer{enc: e} }

// IntegerEncoding stores signed integers in 1 to 8 bytes with the sign bit
// flipped so byte order matches numeric order. The all-0xFF code is null,
// which takes the largest value out of range.
type IntegerEncoding struct {
	length int
	min    int64
	max    int64
}

// NewIntegerEncoding returns an encoding of n bytes, 1 to 8.
func NewIntegerEncoding(n int) (*IntegerEncoding, error) {
	if n < 1 || n > 8 {
		return nil, errors.Wrapf(models.ErrInvalidConfiguration, "integer length %d out of range [1, 8]", n)
	}
	bits := uint(8*n - 1)
	return &IntegerEncoding{
		length: n,
		min:    -1 << bits,
		max:    int64(uint64(1)<<bits - 2),
	}, nil
}

// Name returns the declaration, for example integer:4.
func (e *IntegerEncoding) Name() string { return fmt.Sprintf("%s:%d", NameInteger, e.length) }

// LengthOfEncoding returns the integer width.
func (e *IntegerEncoding) LengthOfEncoding() int { return e.length }

// Encode writes null for values that do not parse or do not fit.
func (e *IntegerEncoding) Encode(value string, out []byte, offset int) {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || v < e.min || v > e.max {
		e.EncodeNull(out, offset)
		return
	}
	writeUnsigned(uint64(v)^e.signBit(), e.length, out, offset)
}

// EncodeNull writes the all-0xFF code.
func (e *IntegerEncoding) EncodeNull(out []byte, offset int) {
	fill(out, offset, e.length, Null)
}

// Decode returns the decimal value, or false for the null code.
func (e *IntegerEncoding) Decode(b []byte, offset, length int) (string, bool) {
	code := b[offset : offset+length]
	if isNull(code) {
		return "", false
	}
	u := readUnsigned(code) ^ e.signBit()
	// sign extend from the encoded width
	shift := uint(64 - 8*length)
	v := int64(u<<shift) >> shift
	return strconv.FormatInt(v, 10), true
}

// AsSerializer returns a serializer of fixed-width codes.
func (e *IntegerEncoding) AsSerializer() ValueSerializer { return fixedSerializer{enc: e} }

func (e *IntegerEncoding) signBit() uint64 {
	return uint64(1) << uint(8*e.length-1)
}
