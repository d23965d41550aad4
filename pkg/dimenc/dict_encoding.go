package dimenc

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/dict"
	"github.com/fidde/cube_planner/pkg/models"
)

// DictionaryEncoding writes dictionary ids as unsigned big-endian integers of
// the dictionary's SizeOfID width.
//
// Values missing from the dictionary are resolved by the rounding flag:
// 0 needs an exact match, a positive flag rounds up to the next value and a
// negative flag rounds down. When nothing matches, every byte of the code is
// set to the default byte, which is Null unless configured otherwise.
type DictionaryEncoding struct {
	dict         *dict.Dictionary
	fixedLen     int
	roundingFlag int
	defaultByte  byte
}

// NewDictionaryEncoding encodes exact matches only and falls back to null.
func NewDictionaryEncoding(d *dict.Dictionary) *DictionaryEncoding {
	return NewDictionaryEncodingWith(d, 0, Null)
}

// NewDictionaryEncodingWith sets the fallback policy explicitly.
func NewDictionaryEncodingWith(d *dict.Dictionary, roundingFlag int, defaultByte byte) *DictionaryEncoding {
	return &DictionaryEncoding{
		dict:         d,
		fixedLen:     d.SizeOfID(),
		roundingFlag: roundingFlag,
		defaultByte:  defaultByte,
	}
}

// Copy returns an encoding with another rounding flag sharing the same
// dictionary. The receiver is returned when nothing changes.
func (e *DictionaryEncoding) Copy(roundingFlag int) *DictionaryEncoding {
	return e.CopyWithDefault(roundingFlag, e.defaultByte)
}

// CopyWithDefault is Copy with a new default byte as well.
func (e *DictionaryEncoding) CopyWithDefault(roundingFlag int, defaultByte byte) *DictionaryEncoding {
	if e.roundingFlag == roundingFlag && e.defaultByte == defaultByte {
		return e
	}
	return NewDictionaryEncodingWith(e.dict, roundingFlag, defaultByte)
}

// Dictionary returns the shared dictionary.
func (e *DictionaryEncoding) Dictionary() *dict.Dictionary { return e.dict }

// RoundingFlag returns the fallback rounding direction.
func (e *DictionaryEncoding) RoundingFlag() int { return e.roundingFlag }

// DefaultByte returns the byte used when no id qualifies.
func (e *DictionaryEncoding) DefaultByte() byte { return e.defaultByte }

// Name returns dict.
func (e *DictionaryEncoding) Name() string { return NameDict }

// LengthOfEncoding returns the dictionary's id width.
func (e *DictionaryEncoding) LengthOfEncoding() int { return e.fixedLen }

// Encode writes the id of value, or default bytes when none qualifies.
func (e *DictionaryEncoding) Encode(value string, out []byte, offset int) {
	id, ok := e.dict.IDOf(value, e.roundingFlag)
	if !ok {
		fill(out, offset, e.fixedLen, e.defaultByte)
		return
	}
	writeUnsigned(uint64(id), e.fixedLen, out, offset)
}

// EncodeNull writes the dictionary's null id.
func (e *DictionaryEncoding) EncodeNull(out []byte, offset int) {
	writeUnsigned(uint64(e.dict.NullID()), e.fixedLen, out, offset)
}

// Decode looks the id up in the dictionary.
func (e *DictionaryEncoding) Decode(b []byte, offset, length int) (string, bool) {
	id := readUnsigned(b[offset : offset+length])
	if id > uint64(^uint32(0)) {
		return "", false
	}
	return e.dict.ValueOf(uint32(id))
}

// AsSerializer returns a serializer that reads the dictionary in place.
func (e *DictionaryEncoding) AsSerializer() ValueSerializer {
	return fixedSerializer{enc: e}
}

// MarshalBinary writes [fixedLen int32][roundingFlag int32][defaultByte]
// followed by the dictionary.
func (e *DictionaryEncoding) MarshalBinary() ([]byte, error) {
	dictBytes, err := e.dict.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 9, 9+len(dictBytes))
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(e.fixedLen)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(int32(e.roundingFlag)))
	buf[8] = e.defaultByte
	return append(buf, dictBytes...), nil
}

// UnmarshalBinary reads the form written by MarshalBinary.
func (e *DictionaryEncoding) UnmarshalBinary(data []byte) error {
	if len(data) < 9 {
		return errors.Wrap(models.ErrCorruptData, "dictionary encoding header truncated")
	}
	fixedLen := int(int32(binary.BigEndian.Uint32(data[0:4])))
	roundingFlag := int(int32(binary.BigEndian.Uint32(data[4:8])))
	defaultByte := data[8]

	d, err := dict.FromBytes(data[9:])
	if err != nil {
		return err
	}
	if d.SizeOfID() != fixedLen {
		return errors.Wrapf(models.ErrCorruptData, "encoding length %d does not match dictionary id size %d",
			fixedLen, d.SizeOfID())
	}

	*e = DictionaryEncoding{dict: d, fixedLen: fixedLen, roundingFlag: roundingFlag, defaultByte: defaultByte}
	return nil
}
