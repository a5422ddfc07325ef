package row

import (
	"fmt"
	"maps"
	"slices"
)

// RowID identifies one row of one fragment table.
type RowID struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// String returns "table:id".
func (r RowID) String() string {
	return r.Table + ":" + r.ID
}

// Row is the value stored for one id in one fragment table.
//
// Exactly one of Values and Items is meaningful, depending on whether the
// table is a collection fragment. A Missing row stands for "no row in the
// table for this id" and is distinct from an empty collection.
type Row struct {
	Table        string
	ID           string
	Values       map[string]any
	Items        []any
	IsCollection bool
	Missing      bool
}

// NewRow creates a simple fragment row.
func NewRow(table, id string, values map[string]any) *Row {
	if values == nil {
		values = map[string]any{}
	}
	return &Row{Table: table, ID: id, Values: values}
}

// NewCollectionRow creates a collection fragment row.
// A nil items slice is stored as an empty collection.
func NewCollectionRow(table, id string, items []any) *Row {
	if items == nil {
		items = []any{}
	}
	return &Row{Table: table, ID: id, Items: items, IsCollection: true}
}

// MissingRow returns the marker for an absent simple row.
func MissingRow(table, id string) *Row {
	return &Row{Table: table, ID: id, Missing: true}
}

// RowID returns the address of the row.
func (r *Row) RowID() RowID {
	return RowID{Table: r.Table, ID: r.ID}
}

// Get returns the value for key, or nil.
func (r *Row) Get(key string) any {
	if r.Values == nil {
		return nil
	}
	return r.Values[key]
}

// Put sets the value for key.
func (r *Row) Put(key string, value any) {
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	r.Values[key] = value
}

// Keys returns the value keys in sorted order.
func (r *Row) Keys() []string {
	return slices.Sorted(maps.Keys(r.Values))
}

// Clone returns a copy with independent Values and Items.
func (r *Row) Clone() *Row {
	c := *r
	if r.Values != nil {
		c.Values = maps.Clone(r.Values)
	}
	if r.Items != nil {
		c.Items = slices.Clone(r.Items)
	}
	return &c
}

func (r *Row) String() string {
	switch {
	case r.Missing:
		return fmt.Sprintf("Row(%s, %s, missing)", r.Table, r.ID)
	case r.IsCollection:
		return fmt.Sprintf("Row(%s, %s, %v)", r.Table, r.ID, r.Items)
	default:
		return fmt.Sprintf("Row(%s, %s, %v)", r.Table, r.ID, r.Values)
	}
}

// RowUpdate is an update of an existing row.
// For simple fragments only Keys are written; collections are replaced.
type RowUpdate struct {
	Row  *Row
	Keys []string
}

// NewRowUpdate creates an update of the given keys. When keys is empty every
// key present in the row is written.
func NewRowUpdate(r *Row, keys ...string) RowUpdate {
	if len(keys) == 0 && !r.IsCollection {
		keys = r.Keys()
	}
	return RowUpdate{Row: r, Keys: keys}
}

// RowBatch is a transactional unit of creates, updates and deletes.
type RowBatch struct {
	Creates []*Row
	Updates []RowUpdate
	Deletes []RowID
}

// IsEmpty reports whether the batch has nothing to write.
func (b *RowBatch) IsEmpty() bool {
	return b == nil || (len(b.Creates) == 0 && len(b.Updates) == 0 && len(b.Deletes) == 0)
}
