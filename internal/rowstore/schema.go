package rowstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/roach88/fragstore/internal/dialect"
)

// CreateTables creates the missing fragment tables and columns, then the
// extra tables (the cluster log and node registry in practice). It is safe
// to call on every startup.
func (m *Mapper) CreateTables(ctx context.Context, extra ...dialect.TableDef) error {
	defs := make([]dialect.TableDef, 0, len(m.info.order)+len(extra))
	for _, name := range m.info.Tables() {
		ti, _ := m.info.table(name)
		defs = append(defs, ti.tableDef(m.dialect))
	}
	defs = append(defs, extra...)

	return m.write(ctx, "create tables", func(ex execer) error {
		for _, def := range defs {
			created, added, err := dialect.EnsureTable(ctx, ex, m.dialect, def)
			if err != nil {
				return err
			}
			switch {
			case created:
				m.log.Info("created table", zap.String("table", def.Name))
			case len(added) > 0:
				m.log.Info("added columns", zap.String("table", def.Name), zap.Strings("columns", added))
			}
		}
		return nil
	})
}
