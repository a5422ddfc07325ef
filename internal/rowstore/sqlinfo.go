package rowstore

import (
	"fmt"
	"strings"

	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/model"
)

// tableInfo holds the statements of one fragment, built once from the
// column descriptors. Statements use `?` placeholders and are rebound by
// the dialect when executed.
type tableInfo struct {
	fragment *model.Fragment
	quoted   string
	// selectList is the column list of reads: id, pos for collections,
	// then the value columns.
	selectList string
	insertSQL  string
	deleteSQL  string
	orderBy    string
}

// SQLInfo is the precomputed SQL of every fragment of a Model.
type SQLInfo struct {
	dialect dialect.Dialect
	tables  map[string]*tableInfo
	order   []string
}

// NewSQLInfo prepares the statements of every fragment of m.
func NewSQLInfo(m model.Model, d dialect.Dialect) *SQLInfo {
	si := &SQLInfo{dialect: d, tables: map[string]*tableInfo{}}
	for _, f := range m.Fragments() {
		si.tables[f.Name] = si.build(f)
		si.order = append(si.order, f.Name)
	}
	return si
}

func (si *SQLInfo) build(f *model.Fragment) *tableInfo {
	q := si.dialect.Quote
	cols := []string{q(model.IDColumn)}
	if f.IsCollection() {
		cols = append(cols, q(model.PosColumn))
	}
	for _, c := range f.Columns {
		cols = append(cols, q(c.Name))
	}
	list := strings.Join(cols, ", ")

	ti := &tableInfo{
		fragment:   f,
		quoted:     q(f.Name),
		selectList: list,
		insertSQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			q(f.Name), list, dialect.Placeholders(len(cols))),
		deleteSQL: fmt.Sprintf("DELETE FROM %s WHERE %s = ?", q(f.Name), q(model.IDColumn)),
	}
	if f.IsCollection() {
		ti.orderBy = fmt.Sprintf(" ORDER BY %s, %s", q(model.IDColumn), q(model.PosColumn))
	}
	return ti
}

// Dialect returns the dialect the statements are built for.
func (si *SQLInfo) Dialect() dialect.Dialect {
	return si.dialect
}

func (si *SQLInfo) table(name string) (*tableInfo, error) {
	ti, ok := si.tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown fragment %q", name)
	}
	return ti, nil
}

// Tables returns the fragment names, hierarchy first.
func (si *SQLInfo) Tables() []string {
	return append([]string(nil), si.order...)
}

// selectByIDs reads n ids of a table.
func (ti *tableInfo) selectByIDs(d dialect.Dialect, n int) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)%s",
		ti.selectList, ti.quoted, d.Quote(model.IDColumn), dialect.Placeholders(n), ti.orderBy)
}

// deleteByIDs deletes n ids of a table.
func (ti *tableInfo) deleteByIDs(d dialect.Dialect, n int) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		ti.quoted, d.Quote(model.IDColumn), dialect.Placeholders(n))
}

// update returns the UPDATE of the given keys and their columns.
func (ti *tableInfo) update(d dialect.Dialect, keys []string) (string, []model.Column, error) {
	cols := make([]model.Column, 0, len(keys))
	sets := make([]string, 0, len(keys))
	for _, key := range keys {
		c, ok := ti.fragment.Column(key)
		if !ok {
			return "", nil, fmt.Errorf("fragment %s has no key %q", ti.fragment.Name, key)
		}
		cols = append(cols, c)
		sets = append(sets, d.Quote(c.Name)+" = ?")
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		ti.quoted, strings.Join(sets, ", "), d.Quote(model.IDColumn))
	return query, cols, nil
}

// insertKeys returns an INSERT of id plus the given keys only.
func (ti *tableInfo) insertKeys(d dialect.Dialect, keys []string) (string, []model.Column, error) {
	cols := make([]model.Column, 0, len(keys))
	names := []string{d.Quote(model.IDColumn)}
	for _, key := range keys {
		c, ok := ti.fragment.Column(key)
		if !ok {
			return "", nil, fmt.Errorf("fragment %s has no key %q", ti.fragment.Name, key)
		}
		cols = append(cols, c)
		names = append(names, d.Quote(c.Name))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ti.quoted, strings.Join(names, ", "), dialect.Placeholders(len(names)))
	return query, cols, nil
}

// tableDef returns the DDL description of the fragment.
func (ti *tableInfo) tableDef(d dialect.Dialect) dialect.TableDef {
	f := ti.fragment
	def := dialect.TableDef{
		Name:       f.Name,
		Columns:    []dialect.ColumnDef{{Name: model.IDColumn, Type: d.IDType(), NotNull: true}},
		PrimaryKey: []string{model.IDColumn},
	}
	if f.IsCollection() {
		def.Columns = append(def.Columns, dialect.ColumnDef{
			Name: model.PosColumn, Type: d.ColumnType(model.TypeLong), NotNull: true,
		})
		def.PrimaryKey = append(def.PrimaryKey, model.PosColumn)
	}
	for _, c := range f.Columns {
		def.Columns = append(def.Columns, dialect.ColumnDef{Name: c.Name, Type: d.ColumnType(c.Type)})
	}
	if f.Name == model.HierarchyTable {
		def.Indexes = [][]string{{model.KeyParentID}}
	}
	return def
}
