package metadata

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/pkg/dict"
	"github.com/fidde/cube_planner/pkg/dimenc"
	"github.com/fidde/cube_planner/pkg/models"
)

// StatisticsPath is where a segment's statistics snapshot is published.
func StatisticsPath(cube, segmentUUID string) string {
	return fmt.Sprintf("/cube_statistics/%s/%s.seq", cube, segmentUUID)
}

// DefaultDictionaryPath is where collection publishes a column dictionary.
func DefaultDictionaryPath(cube, segmentUUID, column string) string {
	return fmt.Sprintf("/dict/%s/%s/%s%s", cube, segmentUUID, column, dict.FileExtension)
}

// Segment resolves one segment's metadata against a resource store.
// Encodings are loaded on first use and cached for the life of the Segment,
// so long-running callers bind a fresh Segment to see republished
// dictionaries. A Segment is safe for concurrent use.
type Segment struct {
	cube  *models.CubeDesc
	desc  SegmentDesc
	store resource.Store

	mu        sync.Mutex
	encodings map[string]dimenc.Encoding
}

// NewSegment binds a segment of cube to store.
func NewSegment(cube *models.CubeDesc, desc SegmentDesc, store resource.Store) *Segment {
	return &Segment{
		cube:      cube,
		desc:      desc,
		store:     store,
		encodings: make(map[string]dimenc.Encoding),
	}
}

// BindSegments binds every segment of the cube.
func (c *Cube) BindSegments(store resource.Store) []*Segment {
	out := make([]*Segment, 0, len(c.Segments))
	for _, s := range c.Segments {
		out = append(out, NewSegment(&c.CubeDesc, s, store))
	}
	return out
}

// Cube returns the cube descriptor.
func (s *Segment) Cube() *models.CubeDesc { return s.cube }

// Desc returns the segment descriptor.
func (s *Segment) Desc() SegmentDesc { return s.desc }

// Store returns the backing resource store.
func (s *Segment) Store() resource.Store { return s.store }

// String names the segment for logs.
func (s *Segment) String() string {
	if s.desc.Name != "" {
		return s.cube.Name + "[" + s.desc.Name + "]"
	}
	return s.cube.Name + "[" + s.desc.UUID + "]"
}

// StatisticsPath returns the snapshot path of this segment.
func (s *Segment) StatisticsPath() string {
	return StatisticsPath(s.cube.Name, s.desc.UUID)
}

// DictionaryPath returns the dictionary resource of a column.
func (s *Segment) DictionaryPath(column string) string {
	if p, ok := s.desc.Dictionaries[column]; ok {
		return p
	}
	return DefaultDictionaryPath(s.cube.Name, s.desc.UUID, column)
}

// DimensionEncoding returns the row-key encoding of a column. Dictionary
// encodings read the column dictionary from the store.
func (s *Segment) DimensionEncoding(ctx context.Context, column string) (dimenc.Encoding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enc, ok := s.encodings[column]; ok {
		return enc, nil
	}

	dim, ok := s.cube.Dimension(column)
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "cube %s: dimension %s", s.cube.Name, column)
	}

	var enc dimenc.Encoding
	if dim.UsesDictionary() {
		d, err := s.loadDictionary(ctx, dim)
		if err != nil {
			return nil, err
		}
		enc = dimenc.NewDictionaryEncoding(d)
	} else {
		var err error
		if enc, err = dimenc.Parse(dim.EncodingName()); err != nil {
			return nil, errors.Wrapf(err, "cube %s: dimension %s", s.cube.Name, column)
		}
	}

	s.encodings[column] = enc
	return enc, nil
}

func (s *Segment) loadDictionary(ctx context.Context, dim models.DimensionDesc) (*dict.Dictionary, error) {
	path := s.DictionaryPath(dim.Name)
	data, _, err := resource.ReadAll(ctx, s.store, path)
	if err != nil {
		return nil, errors.Wrapf(err, "dictionary of %s", dim.Name)
	}
	_, d, err := dict.UnmarshalFile(data)
	if err != nil {
		return nil, errors.Wrapf(err, "dictionary %s", path)
	}

	dt, err := models.ParseDataType(dim.DataType)
	if err != nil {
		return nil, err
	}
	if want := dict.KindFor(dt); d.Kind() != want && dim.DictionaryBuilder == "" {
		return nil, errors.Wrapf(models.ErrCorruptData,
			"dictionary %s holds %s values, column %s is %s", path, d.Kind(), dim.Name, want)
	}
	return d, nil
}

// RowKeyColumnLengths returns the encoded length of each dimension in
// row-key order.
func (s *Segment) RowKeyColumnLengths(ctx context.Context) ([]int, error) {
	lengths := make([]int, len(s.cube.Dimensions))
	for i, d := range s.cube.Dimensions {
		enc, err := s.DimensionEncoding(ctx, d.Name)
		if err != nil {
			return nil, err
		}
		lengths[i] = enc.LengthOfEncoding()
	}
	return lengths, nil
}
