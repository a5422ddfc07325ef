package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fragstore/internal/cluster"
	"github.com/roach88/fragstore/internal/row"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	NodeID      string
	MetricsAddr string
	Duration    time.Duration
	Print       bool
	Follow      []string
}

// WatchSummary is reported when watch stops.
type WatchSummary struct {
	NodeID        string `json:"node_id"`
	Batches       int    `json:"batches"`
	Invalidations int    `json:"invalidations"`
	Refreshes     int    `json:"refreshes,omitempty"`
	CachedRows    int    `json:"cached_rows"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join the cluster and apply invalidations to a local cache",
		Long: `Register this process as a cluster node, poll the invalidations other
nodes write and apply them to a node-local row cache until interrupted.

With --follow the rows of a document are read through the cache at startup
and read again after every batch that touches it.

With --metrics-addr the Prometheus metrics are served over HTTP.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "cluster node id (defaults to cluster.node_id, then a random id)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve metrics on this address (overrides metrics.addr)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVar(&opts.Print, "print", false, "print every delivered invalidation batch")
	cmd.Flags().StringSliceVar(&opts.Follow, "follow", nil, "document id to keep cached and print on change (repeatable)")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return formatter.Fail("load config", err)
	}
	if opts.NodeID != "" {
		cfg.Cluster.NodeID = opts.NodeID
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.MetricsAddr
	}

	s, err := openSession(ctx, cfg)
	if err != nil {
		return formatter.Fail("open repository", err)
	}
	defer s.Close()

	co, err := s.coordinator(ctx)
	if err != nil {
		return formatter.Fail("open cluster connection", err)
	}
	if err := co.CreateTables(ctx); err != nil {
		return formatter.Fail("create cluster tables", err)
	}
	if err := co.Register(ctx); err != nil {
		return formatter.Fail("register node", err)
	}
	defer func() {
		if err := co.Unregister(context.Background()); err != nil {
			s.log.Warn("unregister node", zap.Error(err))
		}
	}()
	formatter.VerboseLog("Registered node %s in repository %s", co.NodeID(), cfg.Repository)

	// Subscribe before the first read so no batch falls between them.
	events := co.Subscribe()
	defer co.Unsubscribe(events)

	if len(opts.Follow) > 0 {
		rows, err := s.readDocuments(ctx, opts.Follow, nil)
		if err != nil {
			return formatter.Fail("read followed documents", err)
		}
		printRows(formatter, rows)
	}

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	summary := WatchSummary{NodeID: co.NodeID()}
	applied := func(inv row.Invalidations) {
		summary.Batches++
		summary.Invalidations += inv.Len()
		if opts.Print {
			printBatch(formatter, inv)
		}
		touched := touchedDocuments(inv, opts.Follow)
		if len(touched) == 0 || ctx.Err() != nil {
			return
		}
		rows, err := s.readDocuments(ctx, touched, nil)
		if err != nil {
			s.log.Warn("refresh followed documents", zap.Strings("ids", touched), zap.Error(err))
			return
		}
		summary.Refreshes++
		printRows(formatter, rows)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return co.Run(gctx) })
	eg.Go(func() error { return s.rows.Consume(gctx, events, applied) })
	if cfg.Metrics.Enabled {
		eg.Go(func() error { return serveMetrics(gctx, s, cfg.Metrics.Addr, cfg.Metrics.Path) })
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return formatter.Fail("watch", err)
	}

	summary.CachedRows = s.rows.Len()
	return formatter.Success(summary, fmt.Sprintf("✓ Node %s applied %d batch(es), %d invalidation(s)",
		summary.NodeID, summary.Batches, summary.Invalidations))
}

func serveMetrics(ctx context.Context, s *session, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting metrics server", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return ctx.Err()
	}
}

// touchedDocuments returns the ids among follow that inv invalidates.
func touchedDocuments(inv row.Invalidations, follow []string) []string {
	hit := map[string]bool{}
	for _, rid := range append(inv.ModifiedIDs(), inv.DeletedIDs()...) {
		if rid.Table != row.ParentFragment {
			hit[rid.ID] = true
		}
	}
	var touched []string
	for _, id := range follow {
		if hit[id] {
			touched = append(touched, id)
		}
	}
	return touched
}

func printBatch(f *OutputFormatter, inv row.Invalidations) {
	for _, e := range cluster.EncodeEntries(inv) {
		kind := "modified"
		if e.Kind == row.KindDeleted {
			kind = "deleted"
		}
		fmt.Fprintf(f.errWriter(), "%s %s %v\n", kind, e.ID, e.Fragments)
	}
}
