// Package cluster keeps the row caches of several processes sharing one
// database coherent.
//
// Each process is a node registered in cluster_nodes. Invalidations
// produced locally are delivered synchronously to the local subscriber
// queues and appended to cluster_invals once per other node. Each node
// polls its own entries at most once per pull delay and publishes them
// locally. Delivery is at least once and may be late by the pull delay
// plus the poll interval; subscribers apply invalidations idempotently.
package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/guard"
	"github.com/roach88/fragstore/internal/metrics"
	"github.com/roach88/fragstore/internal/row"
)

// Clock reads the time used to rate-limit pulls.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configures a Coordinator.
type Options struct {
	// NodeID identifies this process. Defaults to a random UUID.
	NodeID string
	// PullDelay is the minimum time between two pulls.
	PullDelay time.Duration
	// PollInterval is the period of Run.
	PollInterval time.Duration
	Clock        Clock
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

const (
	DefaultPullDelay    = 500 * time.Millisecond
	DefaultPollInterval = time.Second
)

// Coordinator is shared by every session of a repository.
type Coordinator struct {
	guard   *guard.Guard
	dialect dialect.Dialect
	repo    string
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	// mu guards the subscriber list.
	mu          sync.Mutex
	subscribers []*Queue

	// dbMu serializes database access and guards the pull state.
	dbMu     sync.Mutex
	pulled   bool
	lastPull time.Time

	// afterRead runs inside the pull transaction between reading and
	// deleting the node's entries.
	afterRead func(ctx context.Context, tx *sql.Tx) error
}

// New creates a Coordinator working through g, which must be open and is
// used by the Coordinator only.
func New(g *guard.Guard, opts Options) *Coordinator {
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.PullDelay <= 0 {
		opts.PullDelay = DefaultPullDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Coordinator{
		guard:   g,
		dialect: g.Dialect(),
		repo:    g.Repository(),
		opts:    opts,
		log: opts.Logger.With(
			zap.String("repository", g.Repository()),
			zap.String("node_id", opts.NodeID)),
		metrics: opts.Metrics,
	}
}

// NodeID returns the id of this node.
func (c *Coordinator) NodeID() string {
	return c.opts.NodeID
}

// CreateTables creates the cluster tables when missing.
func (c *Coordinator) CreateTables(ctx context.Context) error {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()
	return c.inTx(ctx, "create cluster tables", func(tx *sql.Tx) error {
		for _, def := range Tables(c.dialect) {
			created, added, err := dialect.EnsureTable(ctx, tx, c.dialect, def)
			if err != nil {
				return err
			}
			if created {
				c.log.Info("created table", zap.String("table", def.Name))
			} else if len(added) > 0 {
				c.log.Info("added columns", zap.String("table", def.Name), zap.Strings("columns", added))
			}
		}
		return nil
	})
}

// Register records this node and discards log entries left over from a
// previous run with the same node id.
func (c *Coordinator) Register(ctx context.Context) error {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()

	err := c.inTx(ctx, "register node", func(tx *sql.Tx) error {
		if err := c.clearNode(ctx, tx); err != nil {
			return err
		}
		q := c.dialect.Quote
		insert := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)",
			q(NodesTable), q(colRepository), q(colNodeID), q(colCreated))
		_, err := c.exec(ctx, tx, insert, c.repo, c.opts.NodeID, c.opts.Clock.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	c.pulled = false
	c.log.Info("cluster node registered")
	return nil
}

// Unregister removes this node and its pending log entries.
func (c *Coordinator) Unregister(ctx context.Context) error {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()

	err := c.inTx(ctx, "unregister node", func(tx *sql.Tx) error {
		return c.clearNode(ctx, tx)
	})
	if err != nil {
		return err
	}
	c.log.Info("cluster node unregistered")
	return nil
}

func (c *Coordinator) clearNode(ctx context.Context, tx *sql.Tx) error {
	q := c.dialect.Quote
	for _, table := range []string{InvalTable, NodesTable} {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			q(table), q(colRepository), q(colNodeID))
		if _, err := c.exec(ctx, tx, stmt, c.repo, c.opts.NodeID); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a new queue receiving every invalidation published
// locally from now on.
func (c *Coordinator) Subscribe() *Queue {
	q := NewQueue()
	c.mu.Lock()
	c.subscribers = append(c.subscribers, q)
	n := len(c.subscribers)
	c.mu.Unlock()
	c.metrics.Subscribers.WithLabelValues(c.repo).Set(float64(n))
	return q
}

// Unsubscribe stops delivery to q and closes it.
func (c *Coordinator) Unsubscribe(q *Queue) {
	c.mu.Lock()
	c.subscribers = slices.DeleteFunc(c.subscribers, func(s *Queue) bool { return s == q })
	n := len(c.subscribers)
	c.mu.Unlock()
	q.Close()
	c.metrics.Subscribers.WithLabelValues(c.repo).Set(float64(n))
}

// PublishLocal delivers inv to every subscriber except from, which may be
// nil. Subscribers may (un)subscribe concurrently.
func (c *Coordinator) PublishLocal(inv row.Invalidations, from *Queue) {
	if inv.IsEmpty() {
		return
	}
	c.mu.Lock()
	targets := slices.Clone(c.subscribers)
	c.mu.Unlock()

	for _, q := range targets {
		if q == from {
			continue
		}
		q.Enqueue(inv.Clone())
	}
}

// Propagate publishes inv locally and flushes it to the other nodes.
func (c *Coordinator) Propagate(ctx context.Context, inv row.Invalidations, from *Queue) error {
	c.PublishLocal(inv, from)
	return c.FlushToCluster(ctx, inv)
}

// FlushToCluster appends inv to the log of every other registered node.
func (c *Coordinator) FlushToCluster(ctx context.Context, inv row.Invalidations) error {
	if inv.IsEmpty() {
		return nil
	}
	entries := EncodeEntries(inv)

	c.dbMu.Lock()
	defer c.dbMu.Unlock()

	q := c.dialect.Quote
	stmt := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) SELECT %s, %s, ?, %s, ? FROM %s WHERE %s = ? AND %s <> ?",
		q(InvalTable), q(colRepository), q(colNodeID), q(colID), q(colFragments), q(colKind),
		q(colRepository), q(colNodeID), c.dialect.FragmentsParam(), q(NodesTable), q(colRepository), q(colNodeID))

	var written int64
	err := c.guard.RetryOverload(ctx, "flush invalidations", func() error {
		written = 0
		return c.inTx(ctx, "flush invalidations", func(tx *sql.Tx) error {
			for _, e := range entries {
				res, err := c.exec(ctx, tx, stmt,
					e.ID, c.dialect.EncodeFragments(e.Fragments), int64(e.Kind),
					c.repo, c.opts.NodeID)
				if err != nil {
					return err
				}
				if n, err := res.RowsAffected(); err == nil {
					written += n
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	c.metrics.ClusterEntriesFlushed.WithLabelValues(c.repo).Add(float64(written))
	c.log.Debug("flushed invalidations",
		zap.Int("entries", len(entries)),
		zap.Int64("rows", written))
	return nil
}

// ResetPullTimer makes the next PullFromCluster execute regardless of the
// pull delay.
func (c *Coordinator) ResetPullTimer() {
	c.dbMu.Lock()
	c.pulled = false
	c.dbMu.Unlock()
}

// PullFromCluster consumes the log entries addressed to this node. It
// returns false, and no invalidations, when the previous pull is more
// recent than the pull delay.
func (c *Coordinator) PullFromCluster(ctx context.Context) (row.Invalidations, bool, error) {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()

	now := c.opts.Clock.Now()
	if c.pulled && now.Sub(c.lastPull) < c.opts.PullDelay {
		c.metrics.ClusterPulls.WithLabelValues(c.repo, "skipped").Inc()
		return row.Invalidations{}, false, nil
	}

	start := time.Now()
	var inv row.Invalidations
	var pulled int
	err := c.inTx(ctx, "pull invalidations", func(tx *sql.Tx) error {
		entries, seqs, err := c.readEntries(ctx, tx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		if c.afterRead != nil {
			if err := c.afterRead(ctx, tx); err != nil {
				return err
			}
		}
		if err := c.deleteEntries(ctx, tx, seqs); err != nil {
			return err
		}
		inv = DecodeEntries(entries)
		pulled = len(entries)
		return nil
	})
	c.metrics.ClusterPullDuration.WithLabelValues(c.repo).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ClusterPulls.WithLabelValues(c.repo, "failed").Inc()
		return row.Invalidations{}, false, err
	}

	c.pulled = true
	c.lastPull = now
	c.metrics.ClusterPulls.WithLabelValues(c.repo, "ok").Inc()
	c.metrics.ClusterEntriesPulled.WithLabelValues(c.repo).Add(float64(pulled))
	if pulled > 0 {
		c.log.Debug("pulled invalidations", zap.Int("entries", pulled))
	}
	return inv, true, nil
}

// readEntries returns the entries of this node in log order and their
// seqs.
func (c *Coordinator) readEntries(ctx context.Context, tx *sql.Tx) ([]Entry, []int64, error) {
	q := c.dialect.Quote
	query := fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s WHERE %s = ? AND %s = ? ORDER BY %s",
		q(colSeq), q(colID), q(colFragments), q(colKind),
		q(InvalTable), q(colRepository), q(colNodeID), q(colSeq))

	rows, err := tx.QueryContext(ctx, c.dialect.Rebind(query), c.repo, c.opts.NodeID)
	if err != nil {
		return nil, nil, c.stmtErr(query, err)
	}
	defer rows.Close()

	var (
		entries []Entry
		seqs    []int64
	)
	for rows.Next() {
		var (
			seq  int64
			id   string
			kind int64
		)
		dest, decode := c.dialect.FragmentsScanner()
		if err := rows.Scan(&seq, &id, dest, &kind); err != nil {
			return nil, nil, c.stmtErr(query, err)
		}
		entries = append(entries, Entry{ID: id, Fragments: decode(), Kind: row.Kind(kind)})
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, c.stmtErr(query, err)
	}
	return entries, seqs, nil
}

// deleteEntries deletes exactly the entries read. Seq values are assigned
// at insert time but become visible in commit order, so a range delete
// could remove an entry committed after the read.
func (c *Coordinator) deleteEntries(ctx context.Context, tx *sql.Tx, seqs []int64) error {
	q := c.dialect.Quote
	n := c.dialect.MaxParams() - 2
	for len(seqs) > 0 {
		chunk := seqs[:min(n, len(seqs))]
		seqs = seqs[len(chunk):]
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ? AND %s IN (%s)",
			q(InvalTable), q(colRepository), q(colNodeID), q(colSeq), dialect.Placeholders(len(chunk)))
		args := make([]any, 0, len(chunk)+2)
		args = append(args, c.repo, c.opts.NodeID)
		for _, seq := range chunk {
			args = append(args, seq)
		}
		if _, err := c.exec(ctx, tx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

// Run pulls every poll interval and publishes what it receives to the
// local subscribers, until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

// Poll runs one pull and publishes the result. Failures are logged.
func (c *Coordinator) Poll(ctx context.Context) {
	inv, ok, err := c.PullFromCluster(ctx)
	if err != nil {
		c.log.Warn("pulling invalidations failed", zap.Error(err))
		return
	}
	if ok && !inv.IsEmpty() {
		c.PublishLocal(inv, nil)
	}
}

// inTx runs fn in a new transaction on the guard's connection.
func (c *Coordinator) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if err := c.guard.CheckValid(ctx); err != nil {
		return err
	}
	tx, err := c.guard.Conn().BeginTx(ctx, nil)
	if err != nil {
		return c.guard.Wrap(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		de := c.guard.Wrap(op, err)
		if de.Op == "" {
			de.Op = op
		}
		return de
	}
	if err := tx.Commit(); err != nil {
		return c.guard.Wrap(op, err)
	}
	return nil
}

func (c *Coordinator) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	res, err := tx.ExecContext(ctx, c.dialect.Rebind(query), args...)
	if err != nil {
		return nil, c.stmtErr(query, err)
	}
	return res, nil
}

func (c *Coordinator) stmtErr(query string, err error) error {
	return dberr.New(c.guard.Classify(err), "", err).WithSQL(query)
}
