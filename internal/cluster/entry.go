package cluster

import (
	"cmp"
	"slices"

	"github.com/roach88/fragstore/internal/row"
)

// Entry is one cluster log record: the fragments of one id that were
// modified or deleted.
type Entry struct {
	ID        string
	Fragments []string
	Kind      row.Kind
}

// EncodeEntries groups inv by (id, kind). Entries are sorted by id, modified
// before deleted, with sorted fragment lists.
func EncodeEntries(inv row.Invalidations) []Entry {
	type key struct {
		id   string
		kind row.Kind
	}
	groups := map[key][]string{}
	add := func(ids map[row.RowID]struct{}, kind row.Kind) {
		for id := range ids {
			k := key{id.ID, kind}
			groups[k] = append(groups[k], id.Table)
		}
	}
	add(inv.Modified, row.KindModified)
	add(inv.Deleted, row.KindDeleted)

	entries := make([]Entry, 0, len(groups))
	for k, fragments := range groups {
		slices.Sort(fragments)
		entries = append(entries, Entry{ID: k.id, Fragments: fragments, Kind: k.kind})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.ID, b.ID), cmp.Compare(a.Kind, b.Kind))
	})
	return entries
}

// DecodeEntries merges entries into one Invalidations. Unknown kinds are
// treated as modifications.
func DecodeEntries(entries []Entry) row.Invalidations {
	var inv row.Invalidations
	for _, e := range entries {
		for _, f := range e.Fragments {
			inv.Add(row.RowID{Table: f, ID: e.ID}, e.Kind)
		}
	}
	return inv
}
