package rowstore

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/guard"
	"github.com/roach88/fragstore/internal/metrics"
	"github.com/roach88/fragstore/internal/row"
	fstest "github.com/roach88/fragstore/internal/testutil"
)

const overloadedTable = "overloaded_table"

// overloadingSQLite turns the next inserts into statements that fail with
// an error classified as TransientOverload.
type overloadingSQLite struct {
	dialect.SQLite
	inserts atomic.Int32
}

func (d *overloadingSQLite) Rebind(query string) string {
	if strings.HasPrefix(query, "INSERT") && d.inserts.Add(-1) >= 0 {
		return "INSERT INTO " + overloadedTable + " VALUES (1)"
	}
	return d.SQLite.Rebind(query)
}

func (d *overloadingSQLite) Classify(err error) dberr.Kind {
	if err != nil && strings.Contains(err.Error(), overloadedTable) {
		return dberr.TransientOverload
	}
	return d.SQLite.Classify(err)
}

func newMapperWith(t *testing.T, d dialect.Dialect, m *metrics.Metrics) *Mapper {
	t.Helper()
	ctx := context.Background()
	db := fstest.OpenSQLite(t)
	pools := guard.NewPools()
	pools.Register("default", db)
	g, err := guard.New(guard.Options{
		Repository: "default",
		Dialect:    d,
		Pools:      pools,
		Retry:      guard.RetryPolicy{MaxAttempts: 5, Step: time.Millisecond},
		Metrics:    m,
	})
	require.NoError(t, err)
	require.NoError(t, g.Open(ctx))
	t.Cleanup(func() { g.Close() })

	opts := DefaultOptions()
	opts.Metrics = m
	opts.NewID = fstest.NewSequentialIDs("c").Next
	mapper := New(g, fstest.Schema(t), opts)
	require.NoError(t, mapper.CreateTables(ctx))
	return mapper
}

func titleRow(title string) *row.Row {
	return row.NewRow("dublincore", "42", map[string]any{"title": title})
}

func TestRead_RetriedOnceAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := newMapperWith(t, dialect.SQLite{}, metrics.New(reg))
	create(t, m, titleRow("A"))

	require.NoError(t, m.guard.Conn().Close())

	rows, err := m.ReadRows(ctx, []row.RowID{{Table: "dublincore", ID: "42"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Missing)
	assert.Equal(t, guard.StateOpen, m.guard.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.GuardResets.WithLabelValues("default")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.StatementRetries.WithLabelValues("read rows")))
}

func TestWrite_RetriedWhileOverloaded(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	d := &overloadingSQLite{}
	m := newMapperWith(t, d, metrics.New(reg))

	d.inserts.Store(2)
	inv, err := m.Write(ctx, &row.RowBatch{Creates: []*row.Row{titleRow("A")}})
	require.NoError(t, err)
	assert.True(t, inv.HasModified(row.RowID{Table: "dublincore", ID: "42"}))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.StatementRetries.WithLabelValues("write")))

	rows, err := m.ReadRows(ctx, []row.RowID{{Table: "dublincore", ID: "42"}})
	require.NoError(t, err)
	assert.False(t, rows[0].Missing)
}

func TestWrite_OverloadGivesUpAfterCeiling(t *testing.T) {
	ctx := context.Background()
	d := &overloadingSQLite{}
	m := newMapperWith(t, d, metrics.Discard())

	d.inserts.Store(100)
	_, err := m.Write(ctx, &row.RowBatch{Creates: []*row.Row{titleRow("A")}})
	require.Error(t, err)
	assert.True(t, dberr.IsTransientOverload(err))
	assert.Equal(t, int32(100-5), d.inserts.Load())
}

func TestWrite_ConnectionLossIsSurfaced(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := newMapperWith(t, dialect.SQLite{}, metrics.New(reg))

	require.NoError(t, m.guard.Conn().Close())

	_, err := m.Write(ctx, &row.RowBatch{Creates: []*row.Row{titleRow("A")}})
	require.Error(t, err)
	assert.True(t, dberr.IsConnectionFailure(err))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.metrics.StatementRetries.WithLabelValues("write")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.metrics.GuardResets.WithLabelValues("default")))
}
