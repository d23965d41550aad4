// Package models defines the cube metadata the planner reads and the
// failure classes shared across packages.
package models

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// MaxDimensions keeps every cuboid id a positive signed 64-bit key.
const MaxDimensions = 63

// Measure function expressions.
const (
	FuncSum           = "SUM"
	FuncCount         = "COUNT"
	FuncMin           = "MIN"
	FuncMax           = "MAX"
	FuncCountDistinct = "COUNT_DISTINCT"
)

// EncodingDict is the default dimension encoding.
const EncodingDict = "dict"

// CubeDesc describes the parts of a cube the planner needs: the ordered
// row-key dimensions, the measures and the dimension-combination rules.
type CubeDesc struct {
	Name                string          `yaml:"name" json:"name"`
	Dimensions          []DimensionDesc `yaml:"dimensions" json:"dimensions"`
	Measures            []MeasureDesc   `yaml:"measures" json:"measures"`
	Rules               RuleDesc        `yaml:"rules" json:"rules"`
	PartitionDateColumn string          `yaml:"partition_date_column,omitempty" json:"partition_date_column,omitempty"`
}

// DimensionDesc is one row-key column. The first dimension maps to the
// highest bit of the base cuboid.
type DimensionDesc struct {
	Name     string `yaml:"name" json:"name"`
	DataType string `yaml:"data_type" json:"data_type"`
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`

	// UHC columns spread their distinct values over several collection tasks.
	UHC bool `yaml:"uhc,omitempty" json:"uhc,omitempty"`

	// DictionaryBuilder names a custom builder; a custom builder disables
	// dictionary building inside the collection task.
	DictionaryBuilder string `yaml:"dictionary_builder,omitempty" json:"dictionary_builder,omitempty"`
}

// MeasureDesc is one aggregated measure.
type MeasureDesc struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	ReturnType string `yaml:"return_type" json:"return_type"`
}

// RuleDesc lists dimension-combination rules by dimension name.
type RuleDesc struct {
	Mandatory   []string   `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	Hierarchies [][]string `yaml:"hierarchies,omitempty" json:"hierarchies,omitempty"`
	Joints      [][]string `yaml:"joints,omitempty" json:"joints,omitempty"`
}

// IsCountDistinct reports whether the measure keeps a distinct-count
// structure whose size does not shrink with aggregation.
func (m MeasureDesc) IsCountDistinct() bool {
	return strings.EqualFold(m.Expression, FuncCountDistinct)
}

// EncodingName returns the configured encoding, defaulting to dict.
func (d DimensionDesc) EncodingName() string {
	if d.Encoding == "" {
		return EncodingDict
	}
	return d.Encoding
}

// UsesDictionary reports whether the column is dictionary encoded.
func (d DimensionDesc) UsesDictionary() bool {
	return d.EncodingName() == EncodingDict
}

// Validate checks the descriptor for the invariants the planner relies on.
func (c *CubeDesc) Validate() error {
	if c.Name == "" {
		return errors.Wrap(ErrInvalidConfiguration, "cube name is empty")
	}
	if len(c.Dimensions) == 0 || len(c.Dimensions) > MaxDimensions {
		return errors.Wrapf(ErrInvalidConfiguration, "cube %s: %d dimensions, want 1..%d",
			c.Name, len(c.Dimensions), MaxDimensions)
	}

	seen := make(map[string]struct{}, len(c.Dimensions))
	for _, d := range c.Dimensions {
		if d.Name == "" {
			return errors.Wrapf(ErrInvalidConfiguration, "cube %s: dimension without name", c.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return errors.Wrapf(ErrInvalidConfiguration, "cube %s: duplicate dimension %s", c.Name, d.Name)
		}
		seen[d.Name] = struct{}{}
		if _, err := ParseDataType(d.DataType); err != nil {
			return errors.Wrapf(err, "cube %s: dimension %s", c.Name, d.Name)
		}
	}

	for _, m := range c.Measures {
		if _, err := ParseDataType(m.ReturnType); err != nil {
			return errors.Wrapf(err, "cube %s: measure %s", c.Name, m.Name)
		}
	}
	return nil
}

// DimensionIndex returns the row-key position of the named dimension.
func (c *CubeDesc) DimensionIndex(name string) (int, bool) {
	for i, d := range c.Dimensions {
		if d.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Dimension returns the named dimension.
func (c *CubeDesc) Dimension(name string) (DimensionDesc, bool) {
	if i, ok := c.DimensionIndex(name); ok {
		return c.Dimensions[i], true
	}
	return DimensionDesc{}, false
}

// DictionaryColumns returns the dictionary-encoded dimensions in row-key
// order. Distinct-value collection runs one logical task per entry.
func (c *CubeDesc) DictionaryColumns() []DimensionDesc {
	cols := make([]DimensionDesc, 0, len(c.Dimensions))
	for _, d := range c.Dimensions {
		if d.UsesDictionary() {
			cols = append(cols, d)
		}
	}
	return cols
}

// UHCFlags returns 1 for every UHC dictionary column and 0 otherwise, in
// DictionaryColumns order.
func (c *CubeDesc) UHCFlags() []int {
	cols := c.DictionaryColumns()
	flags := make([]int, len(cols))
	for i, d := range cols {
		if d.UHC {
			flags[i] = 1
		}
	}
	return flags
}

// BaseCuboidID has one bit per dimension.
func (c *CubeDesc) BaseCuboidID() uint64 {
	return (uint64(1) << uint(len(c.Dimensions))) - 1
}
