package row

import (
	"cmp"
	"maps"
	"slices"
	"strings"
)

// ParentFragment is the pseudo table name of a "children of this id may be
// stale" invalidation.
const ParentFragment = "__PARENT__"

// Kind tags an invalidation. Values are part of the cluster log format.
type Kind int

const (
	// KindModified marks rows that changed.
	KindModified Kind = 1
	// KindDeleted marks rows that were removed.
	KindDeleted Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindModified:
		return "modified"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Invalidations is a pair of RowID sets. The zero value is empty and ready
// to use.
//
// Merging is set union, so applying the same Invalidations twice has the same
// effect as applying it once.
type Invalidations struct {
	Modified map[RowID]struct{}
	Deleted  map[RowID]struct{}
}

// NewInvalidations returns an empty Invalidations.
func NewInvalidations() Invalidations {
	return Invalidations{}
}

// IsEmpty reports whether there is nothing to invalidate.
func (inv Invalidations) IsEmpty() bool {
	return len(inv.Modified) == 0 && len(inv.Deleted) == 0
}

// Len returns the total number of entries.
func (inv Invalidations) Len() int {
	return len(inv.Modified) + len(inv.Deleted)
}

// AddModified records a modified row.
func (inv *Invalidations) AddModified(id RowID) {
	if inv.Modified == nil {
		inv.Modified = map[RowID]struct{}{}
	}
	inv.Modified[id] = struct{}{}
}

// AddDeleted records a deleted row.
func (inv *Invalidations) AddDeleted(id RowID) {
	if inv.Deleted == nil {
		inv.Deleted = map[RowID]struct{}{}
	}
	inv.Deleted[id] = struct{}{}
}

// AddParent records that the children of id may be stale.
func (inv *Invalidations) AddParent(id string) {
	inv.AddModified(RowID{Table: ParentFragment, ID: id})
}

// Add records id under the given kind.
func (inv *Invalidations) Add(id RowID, kind Kind) {
	if kind == KindDeleted {
		inv.AddDeleted(id)
		return
	}
	inv.AddModified(id)
}

// Merge adds every entry of other.
func (inv *Invalidations) Merge(other Invalidations) {
	for id := range other.Modified {
		inv.AddModified(id)
	}
	for id := range other.Deleted {
		inv.AddDeleted(id)
	}
}

// Clone returns an independent copy.
func (inv Invalidations) Clone() Invalidations {
	var c Invalidations
	if inv.Modified != nil {
		c.Modified = maps.Clone(inv.Modified)
	}
	if inv.Deleted != nil {
		c.Deleted = maps.Clone(inv.Deleted)
	}
	return c
}

// HasModified reports whether id is in the modified set.
func (inv Invalidations) HasModified(id RowID) bool {
	_, ok := inv.Modified[id]
	return ok
}

// HasDeleted reports whether id is in the deleted set.
func (inv Invalidations) HasDeleted(id RowID) bool {
	_, ok := inv.Deleted[id]
	return ok
}

// ModifiedIDs returns the modified set sorted by (id, table).
func (inv Invalidations) ModifiedIDs() []RowID {
	return sortedIDs(inv.Modified)
}

// DeletedIDs returns the deleted set sorted by (id, table).
func (inv Invalidations) DeletedIDs() []RowID {
	return sortedIDs(inv.Deleted)
}

// Equal reports whether both sets are identical.
func (inv Invalidations) Equal(other Invalidations) bool {
	return maps.Equal(inv.Modified, other.Modified) && maps.Equal(inv.Deleted, other.Deleted)
}

func (inv Invalidations) String() string {
	var b strings.Builder
	b.WriteString("Invalidations(")
	if len(inv.Modified) > 0 {
		b.WriteString("modified=")
		writeIDs(&b, inv.ModifiedIDs())
	}
	if len(inv.Deleted) > 0 {
		if len(inv.Modified) > 0 {
			b.WriteString(", ")
		}
		b.WriteString("deleted=")
		writeIDs(&b, inv.DeletedIDs())
	}
	b.WriteString(")")
	return b.String()
}

func writeIDs(b *strings.Builder, ids []RowID) {
	b.WriteString("[")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(id.String())
	}
	b.WriteString("]")
}

func sortedIDs(set map[RowID]struct{}) []RowID {
	ids := slices.Collect(maps.Keys(set))
	slices.SortFunc(ids, func(a, b RowID) int {
		if c := cmp.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.Table, b.Table)
	})
	return ids
}
