package rowstore

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/text/unicode/norm"
	"go.uber.org/zap"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
)

// ReadRows returns one row per distinct requested id, in request order.
// Absent simple rows are returned as row.MissingRow; absent collection rows
// as empty collection rows.
func (m *Mapper) ReadRows(ctx context.Context, ids []row.RowID) ([]*row.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var result []*row.Row
	err := m.read(ctx, "read rows", func(ex execer) error {
		found, err := m.readRows(ctx, ex, ids)
		if err != nil {
			return err
		}
		result = assemble(ids, found, m.info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// readRows reads the rows that exist, keyed by RowID.
func (m *Mapper) readRows(ctx context.Context, ex execer, ids []row.RowID) (map[row.RowID]*row.Row, error) {
	byTable := map[string][]string{}
	var tables []string
	seen := map[row.RowID]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := byTable[id.Table]; !ok {
			tables = append(tables, id.Table)
		}
		byTable[id.Table] = append(byTable[id.Table], id.ID)
	}

	found := map[row.RowID]*row.Row{}
	for _, table := range tables {
		if err := m.readTable(ctx, ex, table, byTable[table], found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

// readTable reads ids of one table into found, one statement per chunk.
func (m *Mapper) readTable(ctx context.Context, ex execer, table string, ids []string, found map[row.RowID]*row.Row) error {
	ti, err := m.info.table(table)
	if err != nil {
		return dberr.New(dberr.StorageFailure, "", err).WithTable(table)
	}
	for _, chunk := range chunks(ids, m.dialect.MaxParams()) {
		query := ti.selectByIDs(m.dialect, len(chunk))
		rows, err := m.query(ctx, ex, table, query, anyArgs(chunk)...)
		if err != nil {
			return err
		}
		_, err = scanRows(rows, ti.fragment, found)
		rows.Close()
		if err != nil {
			return m.stmtErr(table, query, err)
		}
	}
	return nil
}

// scanRows decodes a result set laid out as tableInfo.selectList into
// found, and returns the ids in the order they first appeared.
func scanRows(rows *sql.Rows, f *model.Fragment, found map[row.RowID]*row.Row) ([]row.RowID, error) {
	offset := 1
	if f.IsCollection() {
		offset = 2
	}
	raw := make([]any, offset+len(f.Columns))
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}

	var order []row.RowID
	for rows.Next() {
		for i := range raw {
			raw[i] = nil
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		id, err := scanString(raw[0])
		if err != nil {
			return nil, err
		}
		rid := row.RowID{Table: f.Name, ID: id}

		values := make([]any, len(f.Columns))
		for i, c := range f.Columns {
			v, err := c.Decode(raw[offset+i])
			if err != nil {
				return nil, err
			}
			values[i] = v
		}

		if f.IsCollection() {
			item, err := f.Collection.Decode(values)
			if err != nil {
				return nil, err
			}
			r, ok := found[rid]
			if !ok {
				r = row.NewCollectionRow(f.Name, id, nil)
				found[rid] = r
				order = append(order, rid)
			}
			r.Items = append(r.Items, item)
			continue
		}

		r := row.NewRow(f.Name, id, make(map[string]any, len(f.Columns)))
		for i, c := range f.Columns {
			r.Values[c.Key] = values[i]
		}
		found[rid] = r
		order = append(order, rid)
	}
	return order, rows.Err()
}

func scanString(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	default:
		return "", fmt.Errorf("unexpected id value %T", v)
	}
}

// assemble orders found rows as requested, filling the absent ones.
func assemble(ids []row.RowID, found map[row.RowID]*row.Row, info *SQLInfo) []*row.Row {
	result := make([]*row.Row, 0, len(ids))
	seen := map[row.RowID]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if r, ok := found[id]; ok {
			result = append(result, r)
			continue
		}
		ti, _ := info.table(id.Table)
		if ti != nil && ti.fragment.IsCollection() {
			result = append(result, row.NewCollectionRow(id.Table, id.ID, ti.fragment.Collection.Empty()))
		} else {
			result = append(result, row.MissingRow(id.Table, id.ID))
		}
	}
	return result
}

// ReadRow reads a single row; see ReadRows.
func (m *Mapper) ReadRow(ctx context.Context, id row.RowID) (*row.Row, error) {
	rows, err := m.ReadRows(ctx, []row.RowID{id})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// ReadChildIDs returns the ids of the hierarchy children of parentID.
func (m *Mapper) ReadChildIDs(ctx context.Context, parentID string) ([]string, error) {
	var ids []string
	err := m.read(ctx, "read child ids", func(ex execer) error {
		var err error
		ids, err = m.childIDs(ctx, ex, []string{parentID}, nil)
		return err
	})
	return ids, err
}

// childIDs returns the children of any of parents, ordered by id. When
// isProperty is set, only children with that flag are returned.
func (m *Mapper) childIDs(ctx context.Context, ex execer, parents []string, isProperty *bool) ([]string, error) {
	q := m.dialect.Quote
	var ids []string
	for _, chunk := range chunks(parents, m.dialect.MaxParams()-1) {
		args := anyArgs(chunk)
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			q(model.IDColumn), q(model.HierarchyTable), q(model.KeyParentID), dialect.Placeholders(len(chunk)))
		if isProperty != nil {
			query += fmt.Sprintf(" AND %s = ?", q(model.KeyIsProperty))
			args = append(args, *isProperty)
		}
		query += fmt.Sprintf(" ORDER BY %s", q(model.IDColumn))

		rows, err := m.query(ctx, ex, model.HierarchyTable, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, m.stmtErr(model.HierarchyTable, query, err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, m.stmtErr(model.HierarchyTable, query, err)
		}
	}
	return ids, nil
}

// ReadChildren returns the hierarchy rows of the children of parentID that
// are (complexProp) or are not complex property nodes, ordered by id.
func (m *Mapper) ReadChildren(ctx context.Context, parentID string, complexProp bool) ([]*row.Row, error) {
	var result []*row.Row
	err := m.read(ctx, "read children", func(ex execer) error {
		var err error
		result, err = m.selectChildren(ctx, ex, parentID, nil, complexProp)
		return err
	})
	return result, err
}

// selectChildren reads children hierarchy rows, optionally by name.
func (m *Mapper) selectChildren(ctx context.Context, ex execer, parentID string, name *string, complexProp bool) ([]*row.Row, error) {
	ti, err := m.info.table(model.HierarchyTable)
	if err != nil {
		return nil, err
	}
	q := m.dialect.Quote
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND %s = ?",
		ti.selectList, ti.quoted, q(model.KeyParentID), q(model.KeyIsProperty))
	args := []any{parentID, complexProp}
	if name != nil {
		query += fmt.Sprintf(" AND %s = ?", q(model.KeyName))
		args = append(args, *name)
	}
	query += fmt.Sprintf(" ORDER BY %s", q(model.IDColumn))

	rows, err := m.query(ctx, ex, model.HierarchyTable, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := map[row.RowID]*row.Row{}
	order, err := scanRows(rows, ti.fragment, found)
	if err != nil {
		return nil, m.stmtErr(model.HierarchyTable, query, err)
	}
	result := make([]*row.Row, len(order))
	for i, id := range order {
		result[i] = found[id]
	}
	return result, nil
}

// ReadChildByName returns the child of parentID named name, or nil. When
// several children share the name, the surplus ones are renamed (if
// Options.RepairDuplicates) and the first one is returned.
func (m *Mapper) ReadChildByName(ctx context.Context, parentID, name string, complexProp bool) (*row.Row, error) {
	name = norm.NFC.String(name)
	var result *row.Row
	var anomaly *Anomaly
	err := m.read(ctx, "read child by name", func(ex execer) error {
		children, err := m.selectChildren(ctx, ex, parentID, &name, complexProp)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			return nil
		}
		result = children[0]
		if len(children) > 1 && m.opts.RepairDuplicates {
			anomaly, err = m.repairDuplicates(ctx, ex, parentID, name, children)
			return err
		}
		if len(children) > 1 {
			m.log.Warn("duplicate child names left unrepaired",
				zap.String("parent_id", parentID),
				zap.String("name", name),
				zap.Int("count", len(children)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if anomaly != nil && m.opts.OnAnomaly != nil {
		m.opts.OnAnomaly(*anomaly)
	}
	return result, nil
}

// repairDuplicates renames every child after the first to
// "<name>.<id prefix>".
func (m *Mapper) repairDuplicates(ctx context.Context, ex execer, parentID, name string, children []*row.Row) (*Anomaly, error) {
	ti, err := m.info.table(model.HierarchyTable)
	if err != nil {
		return nil, err
	}
	query, _, err := ti.update(m.dialect, []string{model.KeyName})
	if err != nil {
		return nil, err
	}

	anomaly := &Anomaly{
		ParentID: parentID,
		Name:     name,
		KeptID:   children[0].ID,
		Renamed:  map[string]string{},
	}
	for _, child := range children[1:] {
		newName := name + "." + idPrefix(child.ID)
		if _, err := m.exec(ctx, ex, model.HierarchyTable, query, newName, child.ID); err != nil {
			return nil, err
		}
		anomaly.Renamed[child.ID] = newName
		anomaly.Invalidations.AddModified(row.RowID{Table: model.HierarchyTable, ID: child.ID})
	}
	anomaly.Invalidations.AddParent(parentID)

	m.metrics.IntegrityAnomalies.WithLabelValues("duplicate_name").Inc()
	m.log.Warn("repaired duplicate child names",
		zap.String("parent_id", parentID),
		zap.String("name", name),
		zap.String("kept_id", anomaly.KeptID),
		zap.Any("renamed", anomaly.Renamed),
		zap.Error(dberr.New(dberr.IntegrityAnomaly, "read child by name",
			fmt.Errorf("%d children named %q", len(children), name))))
	return anomaly, nil
}

func idPrefix(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}
	return id[:n]
}
