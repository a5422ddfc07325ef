package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fragstore/internal/cluster"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/row"
)

// InvalidateOptions holds flags for the invalidate command.
type InvalidateOptions struct {
	*RootOptions
	NodeID  string
	Deleted bool
	Parent  bool
}

// InvalidateResult is the JSON payload of the invalidate command.
type InvalidateResult struct {
	NodeID  string          `json:"node_id"`
	Entries []cluster.Entry `json:"entries"`
}

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvalidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invalidate <id> [fragment...]",
		Short: "Send an invalidation to every cluster node",
		Long: `Write invalidation entries for the given document id to every
registered cluster node, as if this process had modified it.

Without fragments every fragment of the schema is invalidated. --parent
invalidates the children listing of id instead.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(cmd.Context(), opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "node id the entries are sent from (none of its entries are written)")
	cmd.Flags().BoolVar(&opts.Deleted, "deleted", false, "mark the fragments deleted instead of modified")
	cmd.Flags().BoolVar(&opts.Parent, "parent", false, "invalidate the children listing of id")

	return cmd
}

func runInvalidate(ctx context.Context, opts *InvalidateOptions, id string, fragments []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Parent && (opts.Deleted || len(fragments) > 0) {
		return formatter.Fail("invalidate", fmt.Errorf("--parent takes no fragments and cannot be combined with --deleted"))
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return formatter.Fail("load config", err)
	}
	if opts.NodeID != "" {
		cfg.Cluster.NodeID = opts.NodeID
	}
	s, err := openSession(ctx, cfg)
	if err != nil {
		return formatter.Fail("open repository", err)
	}
	defer s.Close()

	inv, err := buildInvalidations(s.schema, id, fragments, opts.Deleted, opts.Parent)
	if err != nil {
		return formatter.Fail("invalidate", err)
	}

	co, err := s.coordinator(ctx)
	if err != nil {
		return formatter.Fail("open cluster connection", err)
	}
	if err := co.FlushToCluster(ctx, inv); err != nil {
		return formatter.Fail("flush invalidations", err)
	}

	result := InvalidateResult{NodeID: co.NodeID(), Entries: cluster.EncodeEntries(inv)}
	return formatter.Success(result, fmt.Sprintf("✓ Sent %d invalidation(s) for %s", inv.Len(), id))
}

// buildInvalidations names the rows of id to invalidate. Unknown fragments
// are rejected.
func buildInvalidations(m model.Model, id string, fragments []string, deleted, parent bool) (row.Invalidations, error) {
	var inv row.Invalidations
	if parent {
		inv.AddParent(id)
		return inv, nil
	}
	ids, err := documentRows(m, id, fragments)
	if err != nil {
		return row.Invalidations{}, err
	}
	kind := row.KindModified
	if deleted {
		kind = row.KindDeleted
	}
	for _, rid := range ids {
		inv.Add(rid, kind)
	}
	return inv, nil
}
