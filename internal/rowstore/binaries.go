package rowstore

import (
	"context"
	"fmt"

	"github.com/roach88/fragstore/internal/model"
)

// MarkReferencedBinaries calls mark once per distinct non-empty digest
// stored in a binary column of any fragment.
func (m *Mapper) MarkReferencedBinaries(ctx context.Context, mark func(digest string)) error {
	return m.read(ctx, "mark binaries", func(ex execer) error {
		seen := map[string]bool{}
		q := m.dialect.Quote
		for _, f := range m.model.Fragments() {
			for _, c := range f.Columns {
				if c.Type != model.TypeBinary {
					continue
				}
				query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL",
					q(c.Name), q(f.Name), q(c.Name))
				if err := m.markColumn(ctx, ex, f.Name, query, seen, mark); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (m *Mapper) markColumn(ctx context.Context, ex execer, table, query string, seen map[string]bool, mark func(string)) error {
	rows, err := m.query(ctx, ex, table, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return m.stmtErr(table, query, err)
		}
		digest, err := scanString(raw)
		if err != nil {
			return m.stmtErr(table, query, err)
		}
		if digest == "" || seen[digest] {
			continue
		}
		seen[digest] = true
		mark(digest)
	}
	if err := rows.Err(); err != nil {
		return m.stmtErr(table, query, err)
	}
	return nil
}
