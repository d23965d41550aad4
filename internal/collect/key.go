// Package collect implements the distributed distinct-value and statistics
// collection protocol: mappers emit column values and partial cuboid
// sketches, a partitioner routes them to tasks, and each task plays one
// reducer role.
package collect

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/pkg/models"
)

// Routing markers. A key's first byte is a dictionary column index or one
// of the reserved markers below.
const (
	MarkPartition  byte = 0xFE
	MarkStatistics byte = 0xFF

	// MaxColumns is the number of column markers below the reserved ones.
	MaxColumns = int(MarkPartition)
)

// Statistics sub-markers, the second byte of a statistics key.
const (
	MarkCuboidSketch byte = 0x01
	MarkFactRowCount byte = 0x02
)

// Key is a shuffle key.
type Key struct {
	Marker  byte
	Payload []byte
}

// ColumnKey keys a distinct value of dictionary column i.
func ColumnKey(i int, value string) Key {
	return Key{Marker: byte(i), Payload: []byte(value)}
}

// PartitionKey keys a partition column value.
func PartitionKey(value string) Key {
	return Key{Marker: MarkPartition, Payload: []byte(value)}
}

// SketchKey keys a partial sketch of a cuboid.
func SketchKey(cuboidID uint64) Key {
	return statisticsKey(MarkCuboidSketch, cuboidID)
}

// FactRowCountKey keys per-mapper input row counts.
func FactRowCountKey() Key {
	return statisticsKey(MarkFactRowCount, 0)
}

func statisticsKey(sub byte, id uint64) Key {
	p := make([]byte, 9)
	p[0] = sub
	binary.BigEndian.PutUint64(p[1:], id)
	return Key{Marker: MarkStatistics, Payload: p}
}

// Bytes returns the wire form: marker then payload.
func (k Key) Bytes() []byte {
	out := make([]byte, 0, 1+len(k.Payload))
	out = append(out, k.Marker)
	return append(out, k.Payload...)
}

// Compare orders keys by their wire form.
func (k Key) Compare(o Key) int {
	if k.Marker != o.Marker {
		if k.Marker < o.Marker {
			return -1
		}
		return 1
	}
	return bytes.Compare(k.Payload, o.Payload)
}

// IsStatistics reports whether the key carries statistics.
func (k Key) IsStatistics() bool { return k.Marker == MarkStatistics }

// IsPartition reports whether the key carries a partition column value.
func (k Key) IsPartition() bool { return k.Marker == MarkPartition }

// Column returns the dictionary column index of a value key.
func (k Key) Column() (int, bool) {
	if k.Marker >= MarkPartition {
		return 0, false
	}
	return int(k.Marker), true
}

// Statistics splits a statistics key into its sub-marker and cuboid id.
func (k Key) Statistics() (sub byte, cuboidID uint64, err error) {
	if !k.IsStatistics() || len(k.Payload) != 9 {
		return 0, 0, errors.Wrapf(models.ErrCorruptData, "not a statistics key: % x", k.Bytes())
	}
	return k.Payload[0], binary.BigEndian.Uint64(k.Payload[1:]), nil
}

// ParseKey reads a key from its wire form.
func ParseKey(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, errors.Wrap(models.ErrCorruptData, "empty shuffle key")
	}
	k := Key{Marker: b[0], Payload: append([]byte(nil), b[1:]...)}
	if k.IsStatistics() {
		if _, _, err := k.Statistics(); err != nil {
			return Key{}, err
		}
	}
	return k, nil
}
