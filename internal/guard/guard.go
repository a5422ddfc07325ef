// Package guard owns physical database connections.
//
// A Guard holds one connection for one session. It acquires the connection
// from the pool registered for its repository or, failing that, from a
// fallback data source with bounded linear retry on overload. A connection
// failure detected by one guard resets its connection and raises the
// validation flag of every sibling in the shared Registry; siblings only run
// their validation statement when flagged.
//
// State machine:
//
//	Closed -> Open -> {Open, Invalid -> Open (reset), Closed}
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/metrics"
)

// State is the lifecycle state of a Guard.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Source hands out physical connections. *sql.DB implements it.
type Source interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

// Options configures a Guard.
type Options struct {
	// Repository selects the pool in Pools.
	Repository string
	Dialect    dialect.Dialect
	Pools      *Pools
	// Fallback is used when no pool is registered for Repository.
	Fallback Source
	Registry *Registry
	Retry    RetryPolicy
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Guard owns one connection. It is used by one session at a time; only the
// validation flag is touched by other goroutines.
type Guard struct {
	opts  Options
	log   *zap.Logger
	state atomic.Int32
	conn  *sql.Conn
	regID uint64

	needsValidation atomic.Bool
}

// New creates a closed guard.
func New(opts Options) (*Guard, error) {
	if opts.Dialect == nil {
		return nil, errors.New("guard: dialect is required")
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Guard{
		opts: opts,
		log:  opts.Logger.With(zap.String("repository", opts.Repository)),
	}, nil
}

// State returns the current state.
func (g *Guard) State() State {
	return State(g.state.Load())
}

// Dialect returns the dialect of the guarded database.
func (g *Guard) Dialect() dialect.Dialect {
	return g.opts.Dialect
}

// Repository returns the repository name.
func (g *Guard) Repository() string {
	return g.opts.Repository
}

// Conn returns the current connection. It changes across resets.
func (g *Guard) Conn() *sql.Conn {
	return g.conn
}

// Open acquires the connection and registers the guard.
func (g *Guard) Open(ctx context.Context) error {
	if g.State() != StateClosed {
		return fmt.Errorf("guard: open: already %s", g.State())
	}
	if err := g.acquire(ctx); err != nil {
		return err
	}
	g.regID = g.opts.Registry.register(g)
	g.state.Store(int32(StateOpen))
	g.opts.Metrics.GuardsOpen.Inc()
	return nil
}

// acquire obtains a connection from the repository pool or the fallback
// source and runs the dialect's connection setup.
func (g *Guard) acquire(ctx context.Context) error {
	conn, err := g.connect(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range g.opts.Dialect.InitStatements() {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return dberr.New(dberr.ConnectionFailure, "init connection", err).WithSQL(stmt)
		}
	}
	g.conn = conn
	return nil
}

func (g *Guard) connect(ctx context.Context) (*sql.Conn, error) {
	if db, ok := g.opts.Pools.Lookup(g.opts.Repository); ok {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, dberr.New(dberr.ConnectionFailure, "acquire pooled connection", err)
		}
		return conn, nil
	}
	if g.opts.Fallback == nil {
		return nil, dberr.New(dberr.ConnectionFailure, "acquire connection",
			fmt.Errorf("no pool registered for repository %q and no fallback source", g.opts.Repository))
	}

	var conn *sql.Conn
	attempts, err := g.opts.Retry.do(ctx, g.isOverload, func() error {
		c, err := g.opts.Fallback.Conn(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, func(err error, wait time.Duration) {
		g.opts.Metrics.GuardOpenRetries.WithLabelValues(g.opts.Repository).Inc()
		g.log.Warn("connection source overloaded, retrying",
			zap.Error(err),
			zap.Duration("wait", wait))
	})
	if err != nil {
		if g.isOverload(err) {
			err = fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}
		return nil, dberr.New(dberr.ConnectionFailure, "acquire connection", err)
	}
	return conn, nil
}

// Close releases the connection and deregisters the guard.
func (g *Guard) Close() error {
	if g.State() == StateClosed {
		return nil
	}
	g.opts.Registry.deregister(g.regID)
	g.state.Store(int32(StateClosed))
	g.opts.Metrics.GuardsOpen.Dec()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("guard: close: %w", err)
	}
	return nil
}

// MarkInvalid raises the validation flag.
func (g *Guard) MarkInvalid() {
	g.needsValidation.Store(true)
}

// NeedsValidation reports whether the validation flag is raised.
func (g *Guard) NeedsValidation() bool {
	return g.needsValidation.Load()
}

// CheckValid runs the validation statement when the flag is raised, and
// resets the connection when it turns out to be lost.
func (g *Guard) CheckValid(ctx context.Context) error {
	if g.State() == StateClosed {
		return dberr.New(dberr.ConnectionFailure, "check connection", errors.New("guard is closed"))
	}
	if !g.needsValidation.Load() && g.State() == StateOpen {
		return nil
	}
	if g.State() == StateInvalid {
		return g.Reset(ctx)
	}

	query := g.opts.Dialect.ValidationQuery()
	var one int
	err := g.conn.QueryRowContext(ctx, query).Scan(&one)
	if err == nil {
		g.needsValidation.Store(false)
		g.opts.Metrics.GuardValidations.WithLabelValues(g.opts.Repository, "ok").Inc()
		return nil
	}
	g.opts.Metrics.GuardValidations.WithLabelValues(g.opts.Repository, "failed").Inc()

	if g.Classify(err) == dberr.ConnectionFailure {
		return g.Reset(ctx)
	}
	return g.Wrap("check connection", err).WithSQL(query)
}

// Reset closes and reopens the connection, then flags every sibling guard
// for validation.
func (g *Guard) Reset(ctx context.Context) error {
	if g.State() == StateClosed {
		return dberr.New(dberr.ConnectionFailure, "reset connection", errors.New("guard is closed"))
	}
	g.state.Store(int32(StateInvalid))
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.log.Debug("closing broken connection", zap.Error(err))
		}
		g.conn = nil
	}

	if err := g.acquire(ctx); err != nil {
		g.log.Error("connection reset failed", zap.Error(err))
		return err
	}
	g.state.Store(int32(StateOpen))
	g.needsValidation.Store(false)

	flagged := g.opts.Registry.invalidateOthers(g.regID)
	g.opts.Metrics.GuardResets.WithLabelValues(g.opts.Repository).Inc()
	g.log.Info("connection reset", zap.Int("siblings_flagged", flagged))
	return nil
}

// Classify maps a driver error to the error taxonomy.
func (g *Guard) Classify(err error) dberr.Kind {
	return g.opts.Dialect.Classify(err)
}

// Wrap classifies err into a *dberr.Error for op. Errors that already are
// a *dberr.Error are returned as is.
func (g *Guard) Wrap(op string, err error) *dberr.Error {
	var de *dberr.Error
	if errors.As(err, &de) {
		return de
	}
	return dberr.New(g.Classify(err), op, err)
}

// RetryOverload runs fn again while it fails with TransientOverload, with
// the guard's bounded linear policy.
func (g *Guard) RetryOverload(ctx context.Context, op string, fn func() error) error {
	_, err := g.opts.Retry.do(ctx, g.isOverload, fn, func(err error, wait time.Duration) {
		g.log.Warn("database overloaded, retrying",
			zap.String("op", op),
			zap.Error(err),
			zap.Duration("wait", wait))
	})
	return err
}

func (g *Guard) isOverload(err error) bool {
	return g.Classify(err) == dberr.TransientOverload
}
