package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fragstore/internal/row"
)

// RowView is the JSON form of one fragment row.
type RowView struct {
	Table   string         `json:"table"`
	ID      string         `json:"id"`
	Values  map[string]any `json:"values,omitempty"`
	Items   []any          `json:"items,omitempty"`
	Missing bool           `json:"missing,omitempty"`
}

// GetResult is the JSON payload of the get command.
type GetResult struct {
	ID   string    `json:"id"`
	Rows []RowView `json:"rows"`
}

func viewRows(rows []*row.Row) []RowView {
	views := make([]RowView, len(rows))
	for i, r := range rows {
		views[i] = RowView{Table: r.Table, ID: r.ID, Values: r.Values, Items: r.Items, Missing: r.Missing}
	}
	return views
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id> [fragment...]",
		Short: "Read the fragment rows of a document",
		Long: `Read the rows of a document through the row cache. Without fragments
every fragment of the schema is read.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), rootOpts, args[0], args[1:], cmd)
		},
	}
	return cmd
}

func runGet(ctx context.Context, opts *RootOptions, id string, fragments []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return formatter.Fail("load config", err)
	}
	s, err := openSession(ctx, cfg)
	if err != nil {
		return formatter.Fail("open repository", err)
	}
	defer s.Close()

	rows, err := s.readDocuments(ctx, []string{id}, fragments)
	if err != nil {
		return formatter.Fail("read rows", err)
	}

	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = r.String()
	}
	return formatter.Success(GetResult{ID: id, Rows: viewRows(rows)}, strings.Join(lines, "\n"))
}

func printRows(f *OutputFormatter, rows []*row.Row) {
	for _, r := range rows {
		fmt.Fprintln(f.errWriter(), r.String())
	}
}
