package rowstore

import (
	"context"
	"errors"

	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
)

// CopyRequest describes a hierarchy copy.
type CopyRequest struct {
	SourceID string
	// DestParentID and DestName place the new root in deep copy mode.
	DestParentID string
	DestName     string
	// Overwrite pins the root to an existing hierarchy row (restore or
	// check-in). Its ID is kept and its explicit Values are applied over
	// the copied hierarchy values. Only complex property children are
	// copied; the existing ones are deleted first.
	Overwrite *row.Row
}

// CopyResult is the outcome of CopyHierarchy.
type CopyResult struct {
	RootID string
	// IDMap maps every source id to its copy.
	IDMap         map[string]string
	Invalidations row.Invalidations
}

// tables never copied: locks belong to the source document.
var notCopied = map[string]bool{
	model.LocksTable: true,
}

// CopyHierarchy duplicates the subtree rooted at req.SourceID in one
// transaction.
func (m *Mapper) CopyHierarchy(ctx context.Context, req CopyRequest) (CopyResult, error) {
	if req.SourceID == "" {
		return CopyResult{}, storageError("copy hierarchy", "source id is required")
	}
	if req.Overwrite != nil && req.Overwrite.Table != model.HierarchyTable {
		return CopyResult{}, storageError("copy hierarchy", "overwrite row must be a %s row, got %s", model.HierarchyTable, req.Overwrite.Table)
	}

	var result CopyResult
	err := m.write(ctx, "copy hierarchy", func(ex execer) error {
		var err error
		result, err = m.copyHierarchy(ctx, ex, req)
		return err
	})
	if err != nil {
		return CopyResult{}, err
	}
	return result, nil
}

func (m *Mapper) copyHierarchy(ctx context.Context, ex execer, req CopyRequest) (CopyResult, error) {
	overwrite := req.Overwrite != nil

	root, err := m.readRows(ctx, ex, []row.RowID{{Table: model.HierarchyTable, ID: req.SourceID}})
	if err != nil {
		return CopyResult{}, err
	}
	if _, ok := root[row.RowID{Table: model.HierarchyTable, ID: req.SourceID}]; !ok {
		return CopyResult{}, storageError("", "source %s not found", req.SourceID)
	}

	var onlyProps *bool
	if overwrite {
		t := true
		onlyProps = &t
	}
	sourceIDs, err := m.subtree(ctx, ex, req.SourceID, onlyProps)
	if err != nil {
		return CopyResult{}, err
	}

	result := CopyResult{IDMap: make(map[string]string, len(sourceIDs))}
	for i, id := range sourceIDs {
		switch {
		case i == 0 && overwrite:
			result.IDMap[id] = req.Overwrite.ID
		default:
			result.IDMap[id] = m.opts.NewID()
		}
	}
	result.RootID = result.IDMap[req.SourceID]
	inv := &result.Invalidations

	if overwrite {
		if err := m.clearForOverwrite(ctx, ex, result.RootID, inv); err != nil {
			return CopyResult{}, err
		}
	}

	for _, table := range m.info.Tables() {
		if notCopied[table] {
			continue
		}
		if err := m.copyTable(ctx, ex, table, sourceIDs, req, &result); err != nil {
			return CopyResult{}, err
		}
	}

	if overwrite {
		inv.AddParent(result.RootID)
	} else if req.DestParentID != "" {
		inv.AddParent(req.DestParentID)
	}
	return result, nil
}

// subtree returns root followed by its descendants, breadth first.
func (m *Mapper) subtree(ctx context.Context, ex execer, root string, onlyProps *bool) ([]string, error) {
	ids := []string{root}
	level := []string{root}
	seen := map[string]bool{root: true}
	for len(level) > 0 {
		children, err := m.childIDs(ctx, ex, level, onlyProps)
		if err != nil {
			return nil, err
		}
		level = level[:0:0]
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			ids = append(ids, c)
			level = append(level, c)
		}
	}
	return ids, nil
}

// clearForOverwrite deletes the complex property descendants of root and
// every non-hierarchy fragment of root itself.
func (m *Mapper) clearForOverwrite(ctx context.Context, ex execer, root string, inv *row.Invalidations) error {
	onlyProps := true
	existing, err := m.subtree(ctx, ex, root, &onlyProps)
	if err != nil {
		return err
	}
	descendants := existing[1:]

	for _, table := range m.info.Tables() {
		ti, _ := m.info.table(table)
		if table != model.HierarchyTable && !notCopied[table] {
			if _, err := m.exec(ctx, ex, table, ti.deleteSQL, root); err != nil {
				return err
			}
			inv.AddModified(row.RowID{Table: table, ID: root})
		}
	}

	tables := m.info.Tables()
	// Hierarchy last.
	for i := len(tables) - 1; i >= 0; i-- {
		table := tables[i]
		ti, _ := m.info.table(table)
		for _, chunk := range chunks(descendants, m.dialect.MaxParams()) {
			if _, err := m.exec(ctx, ex, table, ti.deleteByIDs(m.dialect, len(chunk)), anyArgs(chunk)...); err != nil {
				return err
			}
		}
		for _, id := range descendants {
			inv.AddDeleted(row.RowID{Table: table, ID: id})
		}
	}
	return nil
}

// copyTable copies the rows of one table for every source id.
func (m *Mapper) copyTable(ctx context.Context, ex execer, table string, sourceIDs []string, req CopyRequest, result *CopyResult) error {
	ti, err := m.info.table(table)
	if err != nil {
		return err
	}
	found := map[row.RowID]*row.Row{}
	if err := m.readTable(ctx, ex, table, sourceIDs, found); err != nil {
		return err
	}

	for _, src := range sourceIDs {
		r, ok := found[row.RowID{Table: table, ID: src}]
		if !ok {
			continue
		}
		newID := result.IDMap[src]
		isRoot := src == req.SourceID

		if ti.fragment.IsCollection() {
			if err := m.insertCollection(ctx, ex, ti, newID, r.Items); err != nil {
				return err
			}
			result.Invalidations.AddModified(row.RowID{Table: table, ID: newID})
			continue
		}

		values := r.Clone().Values
		if table == model.HierarchyTable {
			if err := m.remapHierarchy(ctx, ex, ti, values, isRoot, req, result); err != nil {
				return err
			}
			if isRoot && req.Overwrite != nil {
				result.Invalidations.AddModified(row.RowID{Table: table, ID: newID})
				continue
			}
		}
		if err := m.insertSimple(ctx, ex, ti, newID, values); err != nil {
			return err
		}
		result.Invalidations.AddModified(row.RowID{Table: table, ID: newID})
	}
	return nil
}

// remapHierarchy points copied parent ids at the copies. The root is placed
// under the destination, or, when overwriting, its existing row is updated
// in place keeping its location.
func (m *Mapper) remapHierarchy(ctx context.Context, ex execer, ti *tableInfo, values map[string]any, isRoot bool, req CopyRequest, result *CopyResult) error {
	if !isRoot {
		parent, _ := values[model.KeyParentID].(string)
		mapped, ok := result.IDMap[parent]
		if !ok {
			return errors.New("copy hierarchy: parent outside of copied subtree")
		}
		values[model.KeyParentID] = mapped
		return nil
	}

	if req.Overwrite == nil {
		values[model.KeyParentID] = nilIfEmpty(req.DestParentID)
		if req.DestName != "" {
			values[model.KeyName] = req.DestName
		}
		return nil
	}

	// Overwrite: keep location, take copied data, then explicit values.
	delete(values, model.KeyParentID)
	delete(values, model.KeyName)
	delete(values, model.KeyPos)
	for k, v := range req.Overwrite.Values {
		values[k] = v
	}
	keys := make([]string, 0, len(values))
	for _, c := range ti.fragment.Columns {
		if _, ok := values[c.Key]; ok {
			keys = append(keys, c.Key)
		}
	}
	r := row.NewRow(model.HierarchyTable, req.Overwrite.ID, values)
	return m.updateSimple(ctx, ex, ti, r, keys)
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
