package metadata

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/internal/resource"
	"github.com/fidde/cube_planner/internal/resource/memory"
	"github.com/fidde/cube_planner/pkg/dict"
	"github.com/fidde/cube_planner/pkg/models"
)

const (
	segJan = "5b1e2c4a-0d63-4bde-9f5c-7c2d7f8b9a01"
	segFeb = "9e8d7c6b-5a4f-4e3d-8c2b-1a0f9e8d7c6b"
)

func putDictionary(t *testing.T, store resource.Store, path string, kind dict.Kind, values ...string) {
	t.Helper()
	d, err := dict.Build(kind, values...)
	require.NoError(t, err)
	data, err := dict.MarshalFile(d)
	require.NoError(t, err)
	require.NoError(t, resource.Put(context.Background(), store, path, data))
}

func TestLoadCatalog(t *testing.T) {
	cat, err := LoadCatalog("testdata/catalog.yaml")
	require.NoError(t, err)
	require.Len(t, cat.Cubes, 1)

	cube, err := cat.Cube("sales")
	require.NoError(t, err)
	assert.Len(t, cube.Dimensions, 4)
	assert.Equal(t, "part_dt", cube.PartitionDateColumn)
	assert.Equal(t, []string{"part_dt"}, cube.Rules.Mandatory)
	assert.True(t, cube.Measures[1].IsCountDistinct())

	seg, err := cube.Segment("20240201_20240301")
	require.NoError(t, err)
	assert.Equal(t, segFeb, seg.UUID)

	_, err = cube.Segment("nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = cat.Cube("returns")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCatalog_RoundTripThroughStore(t *testing.T) {
	cat, err := LoadCatalog("testdata/catalog.yaml")
	require.NoError(t, err)

	data, err := cat.Marshal()
	require.NoError(t, err)

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, resource.Put(ctx, store, "/catalog.yaml", data))

	loaded, err := LoadCatalogResource(ctx, store, "/catalog.yaml")
	require.NoError(t, err)
	assert.Equal(t, cat, loaded)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad partition": `
cubes:
  - name: c
    partition_date_column: dt
    dimensions: [{name: a, data_type: int}]
`,
		"segment without uuid": `
cubes:
  - name: c
    dimensions: [{name: a, data_type: int}]
    segments: [{name: s}]
`,
		"unknown type": `
cubes:
  - name: c
    dimensions: [{name: a, data_type: blob}]
`,
		"cube name outside resource paths": `
cubes:
  - name: sales eu
    dimensions: [{name: a, data_type: int}]
    segments: [{name: s, uuid: 5b1e2c4a-0d63-4bde-9f5c-7c2d7f8b9a01}]
`,
		"dictionary column outside resource paths": `
cubes:
  - name: c
    dimensions: [{name: "ship/to", data_type: varchar(8)}]
    segments: [{name: s, uuid: 5b1e2c4a-0d63-4bde-9f5c-7c2d7f8b9a01}]
`,
		"relative dictionary override": `
cubes:
  - name: c
    dimensions: [{name: a, data_type: varchar(8)}]
    segments:
      - name: s
        uuid: 5b1e2c4a-0d63-4bde-9f5c-7c2d7f8b9a01
        dictionaries: {a: dict/a.rldict}
`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrInvalidConfiguration), "got %v", err)
		})
	}
}

func TestSegment_Encodings(t *testing.T) {
	cat, err := LoadCatalog("testdata/catalog.yaml")
	require.NoError(t, err)
	cube, err := cat.Cube("sales")
	require.NoError(t, err)

	ctx := context.Background()
	store := memory.New()
	putDictionary(t, store, DefaultDictionaryPath("sales", segJan, "part_dt"), dict.KindTime, "2024-01-01", "2024-01-02")
	putDictionary(t, store, "/dict/sales/shared/country.rldict", dict.KindString, "CN", "DE", "US")

	segs := cube.BindSegments(store)
	require.Len(t, segs, 2)
	jan := segs[0]
	assert.Equal(t, "/cube_statistics/sales/"+segJan+".seq", jan.StatisticsPath())
	assert.Equal(t, "sales[20240101_20240201]", jan.String())

	lengths, err := jan.RowKeyColumnLengths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 4, 12}, lengths)

	enc, err := jan.DimensionEncoding(ctx, "country")
	require.NoError(t, err)
	again, err := jan.DimensionEncoding(ctx, "country")
	require.NoError(t, err)
	assert.Same(t, enc, again)

	buf := make([]byte, enc.LengthOfEncoding())
	enc.Encode("DE", buf, 0)
	v, ok := enc.Decode(buf, 0, len(buf))
	require.True(t, ok)
	assert.Equal(t, "DE", v)

	_, err = jan.DimensionEncoding(ctx, "city")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	// February has no dictionaries published
	_, err = segs[1].RowKeyColumnLengths(ctx)
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
}

func TestSegment_WrongDictionaryKind(t *testing.T) {
	cat, err := LoadCatalog("testdata/catalog.yaml")
	require.NoError(t, err)
	cube, err := cat.Cube("sales")
	require.NoError(t, err)

	store := memory.New()
	putDictionary(t, store, DefaultDictionaryPath("sales", segJan, "part_dt"), dict.KindString, "a")

	seg := NewSegment(&cube.CubeDesc, cube.Segments[0], store)
	_, err = seg.DimensionEncoding(context.Background(), "part_dt")
	assert.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)
}
