package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/roach88/fragstore/internal/cache"
	"github.com/roach88/fragstore/internal/cluster"
	"github.com/roach88/fragstore/internal/config"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/guard"
	"github.com/roach88/fragstore/internal/logging"
	"github.com/roach88/fragstore/internal/metrics"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
	"github.com/roach88/fragstore/internal/rowstore"
)

// errNoSchema is returned when neither --schema nor the config names one.
var errNoSchema = errors.New("no schema configured: set --schema or schema in the config file")

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Schema != "" {
		cfg.Schema = opts.Schema
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// loadSchema loads the configured document schema.
func loadSchema(cfg *config.Config) (*model.Schema, error) {
	if cfg.Schema == "" {
		return nil, errNoSchema
	}
	return model.LoadFile(cfg.Schema)
}

// session is the wiring shared by commands that talk to the database: one
// pool, the guards drawn from it, the row store with its cache, the cluster
// coordinator and the metrics registry.
type session struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	dialect  dialect.Dialect
	schema   *model.Schema
	db       *sql.DB
	pools    *guard.Pools
	guards   *guard.Registry
	opened   []*guard.Guard
	mapper   *rowstore.Mapper
	rows     *cache.RowCache

	coordMu sync.Mutex
	coord   *cluster.Coordinator
}

// openSession connects to the configured database and opens the row store.
func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	schema, err := loadSchema(cfg)
	if err != nil {
		return nil, err
	}
	d, err := dialect.New(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}
	db, err := dialect.Open(d, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &session{
		cfg:      cfg,
		log:      log.With(zap.String("repository", cfg.Repository)),
		registry: reg,
		metrics:  metrics.New(reg),
		dialect:  d,
		schema:   schema,
		db:       db,
		pools:    guard.NewPools(),
		guards:   guard.NewRegistry(),
	}
	s.pools.Register(cfg.Repository, db)

	s.rows, err = cache.New(cfg.Cache.Size, schema, s.metrics)
	if err != nil {
		s.Close()
		return nil, err
	}
	g, err := s.newGuard(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.mapper = rowstore.New(g, schema, rowstore.Options{
		Logger:           s.log,
		Metrics:          s.metrics,
		RepairDuplicates: cfg.Mapper.RepairDuplicates,
		OnAnomaly:        s.repaired,
	})
	return s, nil
}

// coordinator returns the session's cluster coordinator, opening its guard
// on first use.
func (s *session) coordinator(ctx context.Context) (*cluster.Coordinator, error) {
	s.coordMu.Lock()
	defer s.coordMu.Unlock()
	if s.coord != nil {
		return s.coord, nil
	}
	g, err := s.newGuard(ctx)
	if err != nil {
		return nil, err
	}
	s.coord = cluster.New(g, cluster.Options{
		NodeID:       s.cfg.Cluster.NodeID,
		PullDelay:    s.cfg.Cluster.PullDelay,
		PollInterval: s.cfg.Cluster.PollInterval,
		Logger:       s.log,
		Metrics:      s.metrics,
	})
	return s.coord, nil
}

// repaired sends the invalidations of a duplicate name repair to the local
// subscribers and to the other nodes.
func (s *session) repaired(a rowstore.Anomaly) {
	s.log.Warn("repaired duplicate child names",
		zap.String("parent_id", a.ParentID),
		zap.String("name", a.Name),
		zap.String("kept_id", a.KeptID),
		zap.Any("renamed", a.Renamed))

	ctx := context.Background()
	co, err := s.coordinator(ctx)
	if err == nil {
		err = co.Propagate(ctx, a.Invalidations, nil)
	}
	if err != nil {
		s.log.Warn("propagate repair invalidations", zap.String("parent_id", a.ParentID), zap.Error(err))
	}
}

// documentRows names the rows of id in the given fragments, or in every
// fragment of the schema when none are given. Unknown fragments are
// rejected.
func documentRows(m model.Model, id string, fragments []string) ([]row.RowID, error) {
	if len(fragments) == 0 {
		for _, f := range m.Fragments() {
			fragments = append(fragments, f.Name)
		}
	}
	ids := make([]row.RowID, 0, len(fragments))
	for _, name := range fragments {
		if _, ok := m.Fragment(name); !ok {
			return nil, fmt.Errorf("unknown fragment %q", name)
		}
		ids = append(ids, row.RowID{Table: name, ID: id})
	}
	return ids, nil
}

// readDocuments reads the given fragments of every id through the row
// cache.
func (s *session) readDocuments(ctx context.Context, ids []string, fragments []string) ([]*row.Row, error) {
	var rowIDs []row.RowID
	for _, id := range ids {
		some, err := documentRows(s.schema, id, fragments)
		if err != nil {
			return nil, err
		}
		rowIDs = append(rowIDs, some...)
	}
	return s.rows.ReadRows(ctx, s.mapper, rowIDs)
}

// newGuard opens another guarded connection on the session pool.
func (s *session) newGuard(ctx context.Context) (*guard.Guard, error) {
	g, err := guard.New(guard.Options{
		Repository: s.cfg.Repository,
		Dialect:    s.dialect,
		Pools:      s.pools,
		Registry:   s.guards,
		Retry: guard.RetryPolicy{
			MaxAttempts: s.cfg.Retry.MaxAttempts,
			Step:        s.cfg.Retry.Step,
		},
		Logger:  s.log,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := g.Open(ctx); err != nil {
		return nil, err
	}
	s.opened = append(s.opened, g)
	return g, nil
}

// Close releases every guard and the pool.
func (s *session) Close() error {
	var errs []error
	for _, g := range s.opened {
		errs = append(errs, g.Close())
	}
	s.pools.Unregister(s.cfg.Repository)
	errs = append(errs, s.db.Close())
	_ = s.log.Sync()
	return errors.Join(errs...)
}

// resolvePath walks an absolute path from rootID through child names.
func (s *session) resolvePath(ctx context.Context, rootID, path string) (string, bool, error) {
	id := rootID
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		child, err := s.mapper.ReadChildByName(ctx, id, name, false)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", path, err)
		}
		if child == nil {
			return "", false, nil
		}
		id = child.ID
	}
	return id, true, nil
}
