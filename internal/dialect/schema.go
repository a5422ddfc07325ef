package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ColumnDef is one column of a TableDef. Type is the dialect's DDL type.
type ColumnDef struct {
	Name    string
	Type    string
	NotNull bool
}

// TableDef describes a table to create.
type TableDef struct {
	Name       string
	Columns    []ColumnDef
	PrimaryKey []string
	Indexes    [][]string
}

// CreateTableSQL returns the CREATE TABLE statement of def.
func CreateTableSQL(d Dialect, def TableDef) string {
	var parts []string
	for _, c := range def.Columns {
		parts = append(parts, columnDDL(d, c))
	}
	if len(def.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+quoteAll(d, def.PrimaryKey)+")")
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", d.Quote(def.Name), strings.Join(parts, ", "))
}

// CreateIndexSQL returns the CREATE INDEX statement for columns of table.
func CreateIndexSQL(d Dialect, table string, columns []string) string {
	name := "idx_" + table + "_" + strings.Join(columns, "_")
	return fmt.Sprintf("CREATE INDEX %s ON %s (%s)", d.Quote(name), d.Quote(table), quoteAll(d, columns))
}

// AddColumnSQL returns the ALTER TABLE statement adding c to table.
func AddColumnSQL(d Dialect, table string, c ColumnDef) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(table), columnDDL(d, c))
}

// EnsureTable creates def when the table is missing, or adds the columns
// it lacks. It returns whether the table was created and which columns were
// added.
func EnsureTable(ctx context.Context, q Querier, d Dialect, def TableDef) (bool, []string, error) {
	existing, err := tableColumns(ctx, q, d, def.Name)
	if err != nil {
		return false, nil, err
	}

	if len(existing) == 0 {
		stmts := []string{CreateTableSQL(d, def)}
		for _, idx := range def.Indexes {
			stmts = append(stmts, CreateIndexSQL(d, def.Name, idx))
		}
		for _, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return false, nil, fmt.Errorf("create table %s: %w", def.Name, err)
			}
		}
		return true, nil, nil
	}

	var added []string
	for _, c := range def.Columns {
		if existing[strings.ToLower(c.Name)] {
			continue
		}
		// Added columns are nullable: existing rows have no value.
		c.NotNull = false
		if _, err := q.ExecContext(ctx, AddColumnSQL(d, def.Name, c)); err != nil {
			return false, added, fmt.Errorf("add column %s.%s: %w", def.Name, c.Name, err)
		}
		added = append(added, c.Name)
	}
	return false, added, nil
}

func tableColumns(ctx context.Context, q Querier, d Dialect, table string) (map[string]bool, error) {
	query, args := d.ColumnsQuery(table)
	rows, err := q.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list columns of %s: %w", table, err)
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	return cols, nil
}

func columnDDL(d Dialect, c ColumnDef) string {
	s := d.Quote(c.Name) + " " + c.Type
	if c.NotNull {
		s += " NOT NULL"
	}
	return s
}

func quoteAll(d Dialect, idents []string) string {
	quoted := make([]string, len(idents))
	for i, ident := range idents {
		quoted[i] = d.Quote(ident)
	}
	return strings.Join(quoted, ", ")
}
