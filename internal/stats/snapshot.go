package stats

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/internal/recordio"
	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/pkg/hyperloglog"
	"github.com/fidde/cube_planner/pkg/models"
)

// Snapshot is the statistics collected for one cube segment. It is
// immutable once written; a rebuild publishes a new snapshot.
type Snapshot struct {
	SamplingPercentage int
	MapperCount        int
	MapperOverlapRatio float64
	FactTableRowCount  int64

	// UseNewEstimateAlgorithm is set when the fact row count is recorded.
	UseNewEstimateAlgorithm bool

	Sketches map[uint64]*hyperloglog.HyperLogLog
}

// Precision returns the sketch precision, or 0 without sketches.
func (s *Snapshot) Precision() uint8 {
	for _, h := range s.Sketches {
		return h.Precision()
	}
	return 0
}

// CuboidIDs returns the cuboids with sketches, ascending.
func (s *Snapshot) CuboidIDs() []uint64 {
	ids := make([]uint64, 0, len(s.Sketches))
	for id := range s.Sketches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Records lists the snapshot in wire order: overlap ratio, mapper count,
// fact row count when present, sampling percentage, then cuboids ascending.
func (s *Snapshot) Records() []Record {
	out := make([]Record, 0, 4+len(s.Sketches))
	out = append(out, MapperOverlapRatio(s.MapperOverlapRatio), MapperCount(s.MapperCount))
	if s.UseNewEstimateAlgorithm {
		out = append(out, FactTableRowCount(s.FactTableRowCount))
	}
	out = append(out, SamplingPercentage(s.SamplingPercentage))
	for _, id := range s.CuboidIDs() {
		out = append(out, CuboidSketch{CuboidID: id, Sketch: s.Sketches[id]})
	}
	return out
}

// WriteRecords writes records to a record container.
func WriteRecords(w *recordio.Writer, records []Record) error {
	for _, r := range records {
		if err := w.WriteInt64(r.Key(), r.MarshalValue()); err != nil {
			return err
		}
	}
	return nil
}

// WriteTo writes the snapshot as a record container.
func (s *Snapshot) WriteTo(w io.Writer) error {
	rw := recordio.NewWriter(w)
	if err := WriteRecords(rw, s.Records()); err != nil {
		return err
	}
	return rw.Flush()
}

// MarshalBinary returns the container bytes.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a snapshot container. Malformed input is reported with an
// error marked models.ErrCorruptData.
func Decode(r io.Reader) (*Snapshot, error) {
	s := &Snapshot{
		SamplingPercentage: 100,
		Sketches:           make(map[uint64]*hyperloglog.HyperLogLog),
	}
	seen := make(map[int64]struct{})
	var precision uint8

	rr := recordio.NewReader(r)
	for {
		k, v, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		key, err := recordio.KeyInt64(k)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			return nil, errors.Wrapf(models.ErrCorruptData, "duplicate snapshot key %d", key)
		}
		seen[key] = struct{}{}

		rec, err := DecodeRecord(key, v)
		if err != nil {
			return nil, err
		}
		switch rec := rec.(type) {
		case SamplingPercentage:
			s.SamplingPercentage = int(rec)
		case MapperOverlapRatio:
			s.MapperOverlapRatio = float64(rec)
		case MapperCount:
			s.MapperCount = int(rec)
		case FactTableRowCount:
			s.FactTableRowCount = int64(rec)
			s.UseNewEstimateAlgorithm = true
		case CuboidSketch:
			if precision == 0 {
				precision = rec.Sketch.Precision()
			} else if rec.Sketch.Precision() != precision {
				return nil, errors.Wrapf(models.ErrCorruptData,
					"cuboid %d sketch precision %d, others %d", rec.CuboidID, rec.Sketch.Precision(), precision)
			}
			s.Sketches[rec.CuboidID] = rec.Sketch
		}
	}

	if s.SamplingPercentage <= 0 || s.SamplingPercentage > 100 {
		return nil, errors.Wrapf(models.ErrCorruptData, "sampling percentage %d", s.SamplingPercentage)
	}
	return s, nil
}

// Load reads the snapshot stored at path. A missing resource is reported
// with an error marked models.ErrNotFound.
func Load(ctx context.Context, store resource.Store, path string) (*Snapshot, error) {
	res, err := store.GetResource(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "loading cube statistics")
	}
	defer res.Content.Close()

	s, err := Decode(res.Content)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding cube statistics %s", path)
	}
	return s, nil
}

// Publish writes the snapshot to path.
func Publish(ctx context.Context, store resource.Store, path string, s *Snapshot) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return resource.Put(ctx, store, path, data)
}
