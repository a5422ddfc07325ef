package rowstore

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
)

// Write applies batch in one transaction: creates (hierarchy first), then
// updates, then deletes (hierarchy last). It returns the rows to
// invalidate, including a parent marker for the parents of created, moved
// and deleted hierarchy rows.
func (m *Mapper) Write(ctx context.Context, batch *row.RowBatch) (row.Invalidations, error) {
	if batch.IsEmpty() {
		return row.Invalidations{}, nil
	}

	var inv row.Invalidations
	err := m.write(ctx, "write", func(ex execer) error {
		inv = row.Invalidations{}
		if err := m.writeCreates(ctx, ex, batch.Creates, &inv); err != nil {
			return err
		}
		if err := m.writeUpdates(ctx, ex, batch.Updates, &inv); err != nil {
			return err
		}
		return m.writeDeletes(ctx, ex, batch.Deletes, &inv)
	})
	if err != nil {
		return row.Invalidations{}, err
	}
	return inv, nil
}

func (m *Mapper) writeCreates(ctx context.Context, ex execer, creates []*row.Row, inv *row.Invalidations) error {
	ordered := slices.Clone(creates)
	slices.SortStableFunc(ordered, func(a, b *row.Row) int {
		return hierarchyFirst(a.Table) - hierarchyFirst(b.Table)
	})

	for _, r := range ordered {
		ti, err := m.info.table(r.Table)
		if err != nil {
			return storageError("", "create %s: %v", r.RowID(), err)
		}
		if ti.fragment.IsCollection() {
			if err := m.insertCollection(ctx, ex, ti, r.ID, r.Items); err != nil {
				return err
			}
		} else {
			values := r.Values
			if r.Table == model.HierarchyTable {
				values = hierarchyDefaults(values)
				if parent, ok := values[model.KeyParentID].(string); ok && parent != "" {
					inv.AddParent(parent)
				}
			}
			if err := m.insertSimple(ctx, ex, ti, r.ID, values); err != nil {
				return err
			}
		}
		inv.AddModified(r.RowID())
	}
	return nil
}

func (m *Mapper) writeUpdates(ctx context.Context, ex execer, updates []row.RowUpdate, inv *row.Invalidations) error {
	for _, u := range updates {
		r := u.Row
		ti, err := m.info.table(r.Table)
		if err != nil {
			return storageError("", "update %s: %v", r.RowID(), err)
		}

		if ti.fragment.IsCollection() {
			if _, err := m.exec(ctx, ex, r.Table, ti.deleteSQL, r.ID); err != nil {
				return err
			}
			if err := m.insertCollection(ctx, ex, ti, r.ID, r.Items); err != nil {
				return err
			}
			inv.AddModified(r.RowID())
			continue
		}

		if len(u.Keys) == 0 {
			continue
		}
		if r.Table == model.HierarchyTable && slices.Contains(u.Keys, model.KeyParentID) {
			// Moving a node changes the children of both parents.
			old, err := m.parentOf(ctx, ex, r.ID)
			if err != nil {
				return err
			}
			if old != "" {
				inv.AddParent(old)
			}
			if parent, ok := r.Get(model.KeyParentID).(string); ok && parent != "" {
				inv.AddParent(parent)
			}
		}
		if err := m.updateSimple(ctx, ex, ti, r, u.Keys); err != nil {
			return err
		}
		inv.AddModified(r.RowID())
	}
	return nil
}

func (m *Mapper) writeDeletes(ctx context.Context, ex execer, deletes []row.RowID, inv *row.Invalidations) error {
	byTable := map[string][]string{}
	var tables []string
	for _, id := range deletes {
		if _, ok := byTable[id.Table]; !ok {
			tables = append(tables, id.Table)
		}
		byTable[id.Table] = append(byTable[id.Table], id.ID)
	}
	slices.SortStableFunc(tables, func(a, b string) int {
		return hierarchyFirst(b) - hierarchyFirst(a)
	})

	for _, table := range tables {
		ti, err := m.info.table(table)
		if err != nil {
			return storageError("", "delete from %s: %v", table, err)
		}
		ids := byTable[table]
		if table == model.HierarchyTable {
			parents, err := m.parentsOf(ctx, ex, ids)
			if err != nil {
				return err
			}
			for _, p := range parents {
				inv.AddParent(p)
			}
		}
		for _, chunk := range chunks(ids, m.dialect.MaxParams()) {
			if _, err := m.exec(ctx, ex, table, ti.deleteByIDs(m.dialect, len(chunk)), anyArgs(chunk)...); err != nil {
				return err
			}
		}
		for _, id := range ids {
			inv.AddDeleted(row.RowID{Table: table, ID: id})
		}
	}
	return nil
}

// insertSimple inserts every column of the fragment; absent keys are NULL.
func (m *Mapper) insertSimple(ctx context.Context, ex execer, ti *tableInfo, id string, values map[string]any) error {
	args := make([]any, 0, 1+len(ti.fragment.Columns))
	args = append(args, id)
	for _, c := range ti.fragment.Columns {
		v, err := encodeValue(ti.fragment, c, values[c.Key])
		if err != nil {
			return storageError("", "%s:%s: %v", ti.fragment.Name, id, err)
		}
		args = append(args, v)
	}
	_, err := m.exec(ctx, ex, ti.fragment.Name, ti.insertSQL, args...)
	return err
}

// insertCollection inserts one row per element with a zero-based pos.
func (m *Mapper) insertCollection(ctx context.Context, ex execer, ti *tableInfo, id string, items []any) error {
	codec := ti.fragment.Collection
	for pos, item := range items {
		values, err := codec.Encode(item)
		if err != nil {
			return storageError("", "%s:%s[%d]: %v", ti.fragment.Name, id, pos, err)
		}
		args := make([]any, 0, 2+len(values))
		args = append(args, id, int64(pos))
		args = append(args, values...)
		if _, err := m.exec(ctx, ex, ti.fragment.Name, ti.insertSQL, args...); err != nil {
			return err
		}
	}
	return nil
}

// updateSimple writes the given keys, inserting the row when it does not
// exist yet.
func (m *Mapper) updateSimple(ctx context.Context, ex execer, ti *tableInfo, r *row.Row, keys []string) error {
	query, cols, err := ti.update(m.dialect, keys)
	if err != nil {
		return storageError("", "update %s: %v", r.RowID(), err)
	}
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		v, err := encodeValue(ti.fragment, c, r.Get(c.Key))
		if err != nil {
			return storageError("", "update %s: %v", r.RowID(), err)
		}
		args = append(args, v)
	}

	res, err := m.exec(ctx, ex, r.Table, query, append(args, r.ID)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return nil
	}
	// MySQL reports changed rather than matched rows.
	exists, err := m.exists(ctx, ex, ti, r.ID)
	if err != nil || exists {
		return err
	}

	insert, _, err := ti.insertKeys(m.dialect, keys)
	if err != nil {
		return storageError("", "update %s: %v", r.RowID(), err)
	}
	_, err = m.exec(ctx, ex, r.Table, insert, append([]any{r.ID}, args...)...)
	return err
}

// parentOf returns the parent id of a hierarchy row, or "".
func (m *Mapper) parentOf(ctx context.Context, ex execer, id string) (string, error) {
	parents, err := m.parentsOf(ctx, ex, []string{id})
	if err != nil || len(parents) == 0 {
		return "", err
	}
	return parents[0], nil
}

// parentsOf returns the distinct non-null parent ids of hierarchy rows.
func (m *Mapper) parentsOf(ctx context.Context, ex execer, ids []string) ([]string, error) {
	q := m.dialect.Quote
	seen := map[string]bool{}
	var parents []string
	for _, chunk := range chunks(ids, m.dialect.MaxParams()) {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) AND %s IS NOT NULL",
			q(model.KeyParentID), q(model.HierarchyTable), q(model.IDColumn),
			dialect.Placeholders(len(chunk)), q(model.KeyParentID))
		rows, err := m.query(ctx, ex, model.HierarchyTable, query, anyArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return nil, m.stmtErr(model.HierarchyTable, query, err)
			}
			if !seen[p] {
				seen[p] = true
				parents = append(parents, p)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, m.stmtErr(model.HierarchyTable, query, err)
		}
	}
	return parents, nil
}

// encodeValue converts a row value for binding. Hierarchy names are stored
// NFC-normalized so name lookups match regardless of input form.
func encodeValue(f *model.Fragment, c model.Column, v any) (any, error) {
	if f.Name == model.HierarchyTable && c.Key == model.KeyName {
		if s, ok := v.(string); ok {
			v = norm.NFC.String(s)
		}
	}
	return c.Encode(v)
}

// hierarchyDefaults fills the boolean flags of a new hierarchy row.
func hierarchyDefaults(values map[string]any) map[string]any {
	_, hasProp := values[model.KeyIsProperty]
	_, hasVersion := values[model.KeyIsVersion]
	if hasProp && hasVersion {
		return values
	}
	out := make(map[string]any, len(values)+2)
	for k, v := range values {
		out[k] = v
	}
	if !hasProp {
		out[model.KeyIsProperty] = false
	}
	if !hasVersion {
		out[model.KeyIsVersion] = false
	}
	return out
}

func hierarchyFirst(table string) int {
	if table == model.HierarchyTable {
		return 0
	}
	return 1
}

// exists reports whether the table has a row for id.
func (m *Mapper) exists(ctx context.Context, ex execer, ti *tableInfo, id string) (bool, error) {
	q := m.dialect.Quote
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", ti.quoted, q(model.IDColumn))
	rows, err := m.query(ctx, ex, ti.fragment.Name, query, id)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, m.stmtErr(ti.fragment.Name, query, err)
	}
	return found, nil
}
