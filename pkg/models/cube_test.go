package models

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func testCube() *CubeDesc {
	return &CubeDesc{
		Name: "sales",
		Dimensions: []DimensionDesc{
			{Name: "PART_DT", DataType: "date"},
			{Name: "SELLER_ID", DataType: "bigint", UHC: true},
			{Name: "SITE", DataType: "varchar(16)", Encoding: "fixed_length:16"},
			{Name: "COUNTRY", DataType: "varchar(8)"},
		},
		Measures: []MeasureDesc{
			{Name: "GMV", Expression: FuncSum, ReturnType: "decimal(19,4)"},
			{Name: "BUYERS", Expression: "count_distinct", ReturnType: "hllc(10)"},
		},
	}
}

func TestCubeDesc_Validate(t *testing.T) {
	require.NoError(t, testCube().Validate())

	dup := testCube()
	dup.Dimensions[3].Name = "PART_DT"
	require.True(t, errors.Is(dup.Validate(), ErrInvalidConfiguration))

	badType := testCube()
	badType.Measures[0].ReturnType = "money"
	require.True(t, errors.Is(badType.Validate(), ErrInvalidConfiguration))

	empty := &CubeDesc{Name: "empty"}
	require.True(t, errors.Is(empty.Validate(), ErrInvalidConfiguration))
}

func TestCubeDesc_DictionaryColumns(t *testing.T) {
	c := testCube()

	cols := c.DictionaryColumns()
	require.Len(t, cols, 3)
	require.Equal(t, "PART_DT", cols[0].Name)
	require.Equal(t, "COUNTRY", cols[2].Name)
	require.Equal(t, []int{0, 1, 0}, c.UHCFlags())
	require.Equal(t, uint64(0b1111), c.BaseCuboidID())

	idx, ok := c.DimensionIndex("SITE")
	require.True(t, ok)
	require.Equal(t, 2, idx)
	require.True(t, c.Measures[1].IsCountDistinct())
	require.False(t, c.Measures[0].IsCountDistinct())
}
