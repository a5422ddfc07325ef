// Package rowstore maps rows to the fragment tables of the relational
// schema.
//
// A Mapper works through one connection guard. Reads batch ids per table;
// writes apply a RowBatch in one transaction and report the rows to
// invalidate. Hierarchy subtrees can be copied with new ids, which is how
// versions are created and restored.
//
// A Mapper is used by one session at a time and has no internal locking.
package rowstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/guard"
	"github.com/roach88/fragstore/internal/metrics"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
)

// Anomaly describes a repaired duplicate child name.
type Anomaly struct {
	ParentID string
	Name     string
	// KeptID is the child returned to the caller.
	KeptID string
	// Renamed maps each surplus child id to its new name.
	Renamed map[string]string
	// Invalidations covers the renamed hierarchy rows.
	Invalidations row.Invalidations
}

// Options configures a Mapper.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// RepairDuplicates renames surplus children sharing a name under one
	// parent when ReadChildByName finds them.
	RepairDuplicates bool
	// OnAnomaly is called after each repair.
	OnAnomaly func(Anomaly)

	// NewID mints ids for copied rows. Defaults to random UUIDs.
	NewID func() string
	// Now stamps new locks. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options used by the CLI: duplicate repair on.
func DefaultOptions() Options {
	return Options{RepairDuplicates: true}
}

// execer runs statements; *sql.Conn and *sql.Tx implement it.
type execer = dialect.Querier

// Mapper reads and writes rows through a Guard.
type Mapper struct {
	guard   *guard.Guard
	model   model.Model
	info    *SQLInfo
	dialect dialect.Dialect
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	tx *sql.Tx
}

// New creates a Mapper for m on the connection of g.
func New(g *guard.Guard, m model.Model, opts Options) *Mapper {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Mapper{
		guard:   g,
		model:   m,
		info:    NewSQLInfo(m, g.Dialect()),
		dialect: g.Dialect(),
		opts:    opts,
		log:     opts.Logger.With(zap.String("repository", g.Repository())),
		metrics: opts.Metrics,
	}
}

// Begin starts a transaction grouping the following calls.
func (m *Mapper) Begin(ctx context.Context) error {
	if m.tx != nil {
		return errors.New("rowstore: transaction already active")
	}
	if err := m.guard.CheckValid(ctx); err != nil {
		return err
	}
	tx, err := m.guard.Conn().BeginTx(ctx, nil)
	if err != nil {
		return m.guard.Wrap("begin", err)
	}
	m.tx = tx
	return nil
}

// Commit commits the active transaction.
func (m *Mapper) Commit() error {
	if m.tx == nil {
		return errors.New("rowstore: no active transaction")
	}
	tx := m.tx
	m.tx = nil
	if err := tx.Commit(); err != nil {
		return m.guard.Wrap("commit", err)
	}
	return nil
}

// Rollback aborts the active transaction.
func (m *Mapper) Rollback() error {
	if m.tx == nil {
		return errors.New("rowstore: no active transaction")
	}
	tx := m.tx
	m.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return m.guard.Wrap("rollback", err)
	}
	return nil
}

// InTransaction reports whether Begin was called without Commit/Rollback.
func (m *Mapper) InTransaction() bool {
	return m.tx != nil
}

// read runs a read-only operation. Outside a transaction it is retried once
// after a connection failure has been repaired by a reset.
func (m *Mapper) read(ctx context.Context, op string, fn func(ex execer) error) error {
	m.metrics.Statements.WithLabelValues(op).Inc()
	if m.tx != nil {
		return m.fail(op, fn(m.tx))
	}
	if err := m.guard.CheckValid(ctx); err != nil {
		return m.fail(op, err)
	}

	err := fn(m.guard.Conn())
	if err == nil || dberr.KindOf(m.classify(err)) != dberr.ConnectionFailure {
		return m.fail(op, err)
	}

	m.log.Warn("connection lost during read, resetting", zap.String("op", op), zap.Error(err))
	if rerr := m.guard.Reset(ctx); rerr != nil {
		return m.fail(op, rerr)
	}
	m.metrics.StatementRetries.WithLabelValues(op).Inc()
	return m.fail(op, fn(m.guard.Conn()))
}

// write runs fn in a transaction: the active one, or a new one that is
// committed on success. New transactions are replayed while the database
// reports overload.
func (m *Mapper) write(ctx context.Context, op string, fn func(ex execer) error) error {
	m.metrics.Statements.WithLabelValues(op).Inc()
	if m.tx != nil {
		return m.fail(op, fn(m.tx))
	}
	if err := m.guard.CheckValid(ctx); err != nil {
		return m.fail(op, err)
	}

	attempt := 0
	err := m.guard.RetryOverload(ctx, op, func() error {
		attempt++
		if attempt > 1 {
			m.metrics.StatementRetries.WithLabelValues(op).Inc()
		}
		return m.inTx(ctx, fn)
	})
	return m.fail(op, err)
}

func (m *Mapper) inTx(ctx context.Context, fn func(ex execer) error) error {
	tx, err := m.guard.Conn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// classify wraps driver errors; *dberr.Error values pass through.
func (m *Mapper) classify(err error) error {
	if err == nil {
		return nil
	}
	var de *dberr.Error
	if errors.As(err, &de) {
		return err
	}
	return m.guard.Wrap("", err)
}

// fail records and classifies the error of op.
func (m *Mapper) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	err = m.classify(err)
	var de *dberr.Error
	if errors.As(err, &de) && de.Op == "" {
		de.Op = op
	}
	m.metrics.StatementErrors.WithLabelValues(op, string(dberr.KindOf(err))).Inc()
	if de != nil && de.SQL != "" {
		m.log.Debug("statement failed", zap.String("op", op), zap.String("sql", de.SQL), zap.Error(err))
	}
	return err
}

// stmtErr attaches the statement and table to a driver error.
func (m *Mapper) stmtErr(table, query string, err error) error {
	var de *dberr.Error
	if errors.As(err, &de) {
		return err
	}
	return dberr.New(m.guard.Classify(err), "", err).WithTable(table).WithSQL(query)
}

// exec runs one statement, rebinding its placeholders.
func (m *Mapper) exec(ctx context.Context, ex execer, table, query string, args ...any) (sql.Result, error) {
	res, err := ex.ExecContext(ctx, m.dialect.Rebind(query), args...)
	if err != nil {
		return nil, m.stmtErr(table, query, err)
	}
	return res, nil
}

// query runs one SELECT, rebinding its placeholders.
func (m *Mapper) query(ctx context.Context, ex execer, table, query string, args ...any) (*sql.Rows, error) {
	rows, err := ex.QueryContext(ctx, m.dialect.Rebind(query), args...)
	if err != nil {
		return nil, m.stmtErr(table, query, err)
	}
	return rows, nil
}

// chunks splits ids into slices of at most n.
func chunks(ids []string, n int) [][]string {
	if n <= 0 {
		n = len(ids)
	}
	var out [][]string
	for len(ids) > n {
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func anyArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func storageError(op string, format string, args ...any) error {
	return dberr.New(dberr.StorageFailure, op, fmt.Errorf(format, args...))
}
