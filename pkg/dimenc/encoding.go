// Package dimenc implements fixed-width dimension encodings used in row keys:
// dictionary ids, fixed-length strings and integers.
package dimenc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// Null is the byte every position of a null code holds.
const Null byte = 0xFF

// Encoding names accepted by Parse.
const (
	NameDict        = models.EncodingDict
	NameFixedLength = "fixed_length"
	NameInteger     = "integer"
)

// Encoding maps a dimension value to a code of LengthOfEncoding bytes.
// Encodings are immutable and safe for concurrent use.
type Encoding interface {
	// Name returns the encoding declaration, e.g. "integer:4".
	Name() string
	LengthOfEncoding() int
	// Encode writes LengthOfEncoding bytes at out[offset:]. It never fails;
	// values the encoding cannot represent get a fallback code.
	Encode(value string, out []byte, offset int)
	EncodeNull(out []byte, offset int)
	// Decode reads length bytes at b[offset:]; false means null.
	Decode(b []byte, offset, length int) (string, bool)
	AsSerializer() ValueSerializer
}

// ValueSerializer plugs an encoding into generic row and measure codecs.
type ValueSerializer interface {
	// Serialize appends the code of value to buf. A nil value is null.
	Serialize(value any, buf []byte) []byte
	// Deserialize decodes one value from the head of in, returning the
	// value (nil for null) and the number of bytes consumed.
	Deserialize(in []byte) (any, int, error)
	PeekLength(in []byte) int
	MaxLength() int
	StorageBytesEstimate() int
}

// Parse builds a non-dictionary encoding from its declaration. Dictionary
// encodings need a dictionary and are built with NewDictionaryEncoding.
func Parse(decl string) (Encoding, error) {
	name, arg, _ := strings.Cut(strings.TrimSpace(decl), ":")
	switch strings.ToLower(name) {
	case NameFixedLength:
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "encoding %q: bad length", decl)
		}
		return NewFixedLengthEncoding(n)
	case NameInteger:
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, errors.Wrapf(models.ErrInvalidConfiguration, "encoding %q: bad length", decl)
		}
		return NewIntegerEncoding(n)
	case NameDict, "":
		return nil, errors.Wrap(models.ErrInvalidConfiguration, "dict encoding requires a dictionary")
	}
	return nil, errors.Wrapf(models.ErrInvalidConfiguration, "unknown encoding %q", decl)
}

func fill(out []byte, offset, n int, b byte) {
	for i := offset; i < offset+n; i++ {
		out[i] = b
	}
}

func isNull(b []byte) bool {
	for _, c := range b {
		if c != Null {
			return false
		}
	}
	return true
}

func writeUnsigned(v uint64, n int, out []byte, offset int) {
	for i := n - 1; i >= 0; i-- {
		out[offset+i] = byte(v)
		v >>= 8
	}
}

func readUnsigned(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(value)
}

// fixedSerializer adapts any fixed-width Encoding.
type fixedSerializer struct {
	enc Encoding
}

func (s fixedSerializer) Serialize(value any, buf []byte) []byte {
	n := s.enc.LengthOfEncoding()
	start := len(buf)
	buf = append(buf, make([]byte, n)...)
	if value == nil {
		s.enc.EncodeNull(buf, start)
	} else {
		s.enc.Encode(toString(value), buf, start)
	}
	return buf
}

func (s fixedSerializer) Deserialize(in []byte) (any, int, error) {
	n := s.enc.LengthOfEncoding()
	if len(in) < n {
		return nil, 0, errors.Wrapf(models.ErrCorruptData, "%s: need %d bytes, have %d", s.enc.Name(), n, len(in))
	}
	v, ok := s.enc.Decode(in, 0, n)
	if !ok {
		return nil, n, nil
	}
	return v, n, nil
}

func (s fixedSerializer) PeekLength([]byte) int     { return s.enc.LengthOfEncoding() }
func (s fixedSerializer) MaxLength() int            { return s.enc.LengthOfEncoding() }
func (s fixedSerializer) StorageBytesEstimate() int { return s.enc.LengthOfEncoding() }
