package auction

import "github.com/rickgao/exchange-core/internal/model"

// Catalog supplies item reference values for the starting-bid floor.
type Catalog interface {
	ReferenceValue(itemID string) (int64, bool)
}

// StaticCatalog is a fixed item -> value table.
type StaticCatalog map[string]int64

// NewStaticCatalog normalises ids of values.
func NewStaticCatalog(values map[string]int64) StaticCatalog {
	c := make(StaticCatalog, len(values))
	for id, v := range values {
		c[model.NormalizeItemID(id)] = v
	}
	return c
}

// ReferenceValue implements Catalog.
func (c StaticCatalog) ReferenceValue(itemID string) (int64, bool) {
	v, ok := c[model.NormalizeItemID(itemID)]
	return v, ok
}
