package doccache

import (
	"fmt"
	"reflect"
)

// UniqueIndex declares a unique secondary index over a document field.
// Uniqueness is enforced by the store at write time; Extract and Equals are
// used in-memory to defensively recheck documents returned through the
// index.
type UniqueIndex[K comparable, T Document[K, T]] struct {
	// Field is the wire name of the indexed field.
	Field string

	// Extract returns the indexed value of a document. A nil return means
	// the document carries no value for the index.
	Extract func(doc T) any

	// Equals compares two extracted values. Nil defaults to
	// reflect.DeepEqual.
	Equals func(a, b any) bool
}

func (ix UniqueIndex[K, T]) equals(a, b any) bool {
	if ix.Equals != nil {
		return ix.Equals(a, b)
	}
	return reflect.DeepEqual(a, b)
}

// matches reports whether the document carries the given value under the
// index, using the declared equality.
func (ix UniqueIndex[K, T]) matches(doc T, value any) bool {
	if ix.Extract == nil {
		return false
	}
	return ix.equals(ix.Extract(doc), value)
}

// indexCatalog is the immutable per-cache set of declared unique indexes.
type indexCatalog[K comparable, T Document[K, T]] struct {
	indexes []UniqueIndex[K, T]
}

func newIndexCatalog[K comparable, T Document[K, T]](indexes []UniqueIndex[K, T]) (*indexCatalog[K, T], error) {
	seen := make(map[string]struct{}, len(indexes))
	for _, ix := range indexes {
		if ix.Field == "" {
			return nil, fmt.Errorf("unique index with empty field name")
		}
		if ix.Field == primaryKeyField {
			return nil, fmt.Errorf("unique index %q shadows the primary key", ix.Field)
		}
		if _, dup := seen[ix.Field]; dup {
			return nil, fmt.Errorf("unique index %q declared twice", ix.Field)
		}
		seen[ix.Field] = struct{}{}
	}
	return &indexCatalog[K, T]{indexes: indexes}, nil
}

func (c *indexCatalog[K, T]) lookup(field string) (UniqueIndex[K, T], bool) {
	for _, ix := range c.indexes {
		if ix.Field == field {
			return ix, true
		}
	}
	var zero UniqueIndex[K, T]
	return zero, false
}

func (c *indexCatalog[K, T]) all() []UniqueIndex[K, T] {
	out := make([]UniqueIndex[K, T], len(c.indexes))
	copy(out, c.indexes)
	return out
}
