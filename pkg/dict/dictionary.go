// Package dict implements immutable distinct-value dictionaries that map
// column values to dense integer ids, and the builders that produce them.
package dict

import (
	"sort"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fidde/cube_planner/pkg/models"
)

// MaxSizeOfID is the widest id a dictionary hands out, in bytes.
const MaxSizeOfID = 4

// Dictionary is an ordered, deduplicated value domain. Ids are assigned in
// value order in [0, Cardinality()). The id made of SizeOfID() 0xFF bytes is
// reserved for null. A Dictionary is immutable and safe for concurrent use.
type Dictionary struct {
	kind     Kind
	values   []string
	keys     []sortKey
	index    map[string]int
	sizeOfID int
}

func newDictionary(kind Kind, values []string) (*Dictionary, error) {
	size, err := sizeForCardinality(len(values))
	if err != nil {
		return nil, err
	}

	d := &Dictionary{
		kind:     kind,
		values:   values,
		keys:     make([]sortKey, len(values)),
		index:    make(map[string]int, len(values)),
		sizeOfID: size,
	}
	for i, v := range values {
		k, err := kind.key(v)
		if err != nil {
			return nil, errors.Mark(err, models.ErrCorruptData)
		}
		if i > 0 && kind.compare(d.keys[i-1], k) >= 0 {
			return nil, errors.Wrapf(models.ErrCorruptData, "dictionary values out of order at %d", i)
		}
		d.keys[i] = k
		d.index[v] = i
	}
	return d, nil
}

// sizeForCardinality returns the smallest width whose all-ones value is not
// a valid id.
func sizeForCardinality(n int) (int, error) {
	size := 1
	for uint64(n) >= uint64(1)<<(8*uint(size)) {
		size++
	}
	if size > MaxSizeOfID {
		return 0, errors.Wrapf(models.ErrEncodingOverflow,
			"cardinality %d needs %d id bytes, max %d", n, size, MaxSizeOfID)
	}
	return size, nil
}

// Kind returns the ordering variant.
func (d *Dictionary) Kind() Kind { return d.kind }

// Cardinality returns the number of values.
func (d *Dictionary) Cardinality() int { return len(d.values) }

// SizeOfID returns the fixed id width in bytes.
func (d *Dictionary) SizeOfID() int { return d.sizeOfID }

// NullID returns the reserved null id.
func (d *Dictionary) NullID() uint32 {
	return uint32(uint64(1)<<(8*uint(d.sizeOfID)) - 1)
}

// MinValue returns the smallest value, or "" for an empty dictionary.
func (d *Dictionary) MinValue() string {
	if len(d.values) == 0 {
		return ""
	}
	return d.values[0]
}

// MaxValue returns the largest value, or "" for an empty dictionary.
func (d *Dictionary) MaxValue() string {
	if len(d.values) == 0 {
		return ""
	}
	return d.values[len(d.values)-1]
}

// IDOf looks a value up. With roundingFlag 0 only exact matches succeed; a
// positive flag rounds up to the smallest value >= value and a negative one
// rounds down to the largest value <= value.
func (d *Dictionary) IDOf(value string, roundingFlag int) (int, bool) {
	if id, ok := d.index[value]; ok {
		return id, true
	}
	if roundingFlag == 0 {
		return 0, false
	}

	k, err := d.kind.key(value)
	if err != nil {
		return 0, false
	}

	n := len(d.keys)
	if roundingFlag > 0 {
		i := sort.Search(n, func(i int) bool { return d.kind.compare(d.keys[i], k) >= 0 })
		if i < n {
			return i, true
		}
		return 0, false
	}

	i := sort.Search(n, func(i int) bool { return d.kind.compare(d.keys[i], k) > 0 }) - 1
	if i >= 0 {
		return i, true
	}
	return 0, false
}

// ValueOf returns the value for id. The null id and unknown ids report false.
func (d *Dictionary) ValueOf(id uint32) (string, bool) {
	if uint64(id) >= uint64(len(d.values)) {
		return "", false
	}
	return d.values[id], true
}

// Values returns the values in id order. The slice must not be modified.
func (d *Dictionary) Values() []string {
	return d.values
}

// MarshalBinary encodes the dictionary as
// [kind][varint count]{[varint len][bytes]}.
func (d *Dictionary) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 16+len(d.values)*8)
	buf = append(buf, byte(d.kind))
	buf = protowire.AppendVarint(buf, uint64(len(d.values)))
	for _, v := range d.values {
		buf = protowire.AppendString(buf, v)
	}
	return buf, nil
}

// UnmarshalBinary decodes a dictionary written by MarshalBinary.
func (d *Dictionary) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return errors.Wrap(models.ErrCorruptData, "dictionary too short")
	}
	kind := Kind(data[0])
	if !kind.valid() {
		return errors.Wrapf(models.ErrCorruptData, "unknown dictionary kind %d", data[0])
	}
	data = data[1:]

	count, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return errors.Wrap(models.ErrCorruptData, "dictionary count")
	}
	data = data[n:]
	if count > uint64(len(data)) {
		return errors.Wrapf(models.ErrCorruptData, "dictionary claims %d values in %d bytes", count, len(data))
	}

	values := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return errors.Wrapf(models.ErrCorruptData, "dictionary value %d truncated", i)
		}
		values = append(values, v)
		data = data[n:]
	}
	if len(data) != 0 {
		return errors.Wrapf(models.ErrCorruptData, "%d trailing dictionary bytes", len(data))
	}

	built, err := newDictionary(kind, values)
	if err != nil {
		return err
	}
	*d = *built
	return nil
}

// FromBytes decodes a dictionary.
func FromBytes(data []byte) (*Dictionary, error) {
	d := &Dictionary{}
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return d, nil
}
