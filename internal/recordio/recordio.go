// Package recordio reads and writes files of (key, value) records.
//
// Each record is a varint length followed by a protobuf-wire message with the
// key in field 1 and the value in field 2, both bytes.
package recordio

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fidde/cube_planner/pkg/models"
)

const (
	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2

	// MaxRecordSize rejects absurd length prefixes before allocating.
	MaxRecordSize = 64 << 20
)

// Writer appends records to an underlying stream.
type Writer struct {
	w   *bufio.Writer
	buf []byte
	n   int
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one record.
func (w *Writer) Write(key, value []byte) error {
	msg := w.buf[:0]
	msg = protowire.AppendTag(msg, fieldKey, protowire.BytesType)
	msg = protowire.AppendBytes(msg, key)
	msg = protowire.AppendTag(msg, fieldValue, protowire.BytesType)
	msg = protowire.AppendBytes(msg, value)
	w.buf = msg

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(msg)))
	if _, err := w.w.Write(lenBuf[:n]); err != nil {
		return errors.Wrap(err, "write record length")
	}
	if _, err := w.w.Write(msg); err != nil {
		return errors.Wrap(err, "write record")
	}
	w.n++
	return nil
}

// WriteInt64 writes a record keyed by an 8-byte big-endian integer.
func (w *Writer) WriteInt64(key int64, value []byte) error {
	return w.Write(Int64Key(key), value)
}

// Count returns the number of records written.
func (w *Writer) Count() int { return w.n }

// Flush writes buffered records through.
func (w *Writer) Flush() error {
	return errors.Wrap(w.w.Flush(), "flush records")
}

// Reader iterates records in file order.
type Reader struct {
	r   *bufio.Reader
	buf []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF after the last record and
// an error marked models.ErrCorruptData for truncated or malformed input.
// The returned slices are valid until the next call.
func (r *Reader) Next() (key, value []byte, err error) {
	size, err := binary.ReadUvarint(r.r)
	if err == io.EOF {
		return nil, nil, io.EOF
	}
	if err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "read record length"), models.ErrCorruptData)
	}
	if size > MaxRecordSize {
		return nil, nil, errors.Wrapf(models.ErrCorruptData, "record of %d bytes exceeds limit", size)
	}

	if cap(r.buf) < int(size) {
		r.buf = make([]byte, size)
	}
	msg := r.buf[:size]
	if _, err := io.ReadFull(r.r, msg); err != nil {
		return nil, nil, errors.Mark(errors.Wrap(err, "read record"), models.ErrCorruptData)
	}

	var haveKey, haveValue bool
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 || typ != protowire.BytesType {
			return nil, nil, errors.Wrap(models.ErrCorruptData, "bad record field tag")
		}
		msg = msg[n:]
		b, n := protowire.ConsumeBytes(msg)
		if n < 0 {
			return nil, nil, errors.Wrap(models.ErrCorruptData, "record field truncated")
		}
		msg = msg[n:]
		switch num {
		case fieldKey:
			key, haveKey = b, true
		case fieldValue:
			value, haveValue = b, true
		}
	}
	if !haveKey || !haveValue {
		return nil, nil, errors.Wrap(models.ErrCorruptData, "record without key or value")
	}
	return key, value, nil
}

// ReadAll collects every record, copying keys and values.
func ReadAll(r io.Reader) ([]Record, error) {
	rr := NewReader(r)
	var out []Record
	for {
		k, v, err := rr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, Record{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
	}
}

// Record is a detached key/value pair.
type Record struct {
	Key   []byte
	Value []byte
}

// Int64Key encodes k as 8 big-endian bytes.
func Int64Key(k int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(k))
	return b[:]
}

// KeyInt64 decodes an Int64Key.
func KeyInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.Wrapf(models.ErrCorruptData, "integer key of %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
