package dict

import (
	"github.com/google/btree"

	"github.com/fidde/cube_planner/pkg/models"
)

const btreeDegree = 32

// Builder accumulates distinct values and produces an immutable Dictionary.
// A Builder is not safe for concurrent use; each collection task owns one.
type Builder struct {
	kind Kind
	tree *btree.BTreeG[sortKey]
}

// NewBuilder returns a builder for the given ordering variant.
func NewBuilder(kind Kind) *Builder {
	return &Builder{
		kind: kind,
		tree: btree.NewG(btreeDegree, func(a, b sortKey) bool { return kind.compare(a, b) < 0 }),
	}
}

// BuilderFor picks the builder variant for a column data type.
func BuilderFor(dt models.DataType) *Builder {
	return NewBuilder(KindFor(dt))
}

// Kind returns the ordering variant the builder produces.
func (b *Builder) Kind() Kind { return b.kind }

// Len returns the number of distinct values added so far.
func (b *Builder) Len() int { return b.tree.Len() }

// AddValue inserts a value; duplicates are ignored. Number and time builders
// treat the empty string as null and skip it.
func (b *Builder) AddValue(v string) error {
	if v == "" && b.kind != KindString {
		return nil
	}
	k, err := b.kind.key(v)
	if err != nil {
		return err
	}
	b.tree.ReplaceOrInsert(k)
	return nil
}

// Build returns the dictionary of all values added so far.
func (b *Builder) Build() (*Dictionary, error) {
	values := make([]string, 0, b.tree.Len())
	b.tree.Ascend(func(k sortKey) bool {
		values = append(values, k.raw)
		return true
	})
	return newDictionary(b.kind, values)
}

// Build is a convenience for building a dictionary from a value list.
func Build(kind Kind, values ...string) (*Dictionary, error) {
	b := NewBuilder(kind)
	for _, v := range values {
		if err := b.AddValue(v); err != nil {
			return nil, err
		}
	}
	return b.Build()
}
