package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/queryir"
	"github.com/roach88/fragstore/internal/querysql"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Dialect     string
	Principals  []string
	Permissions []string
	Connect     bool   // resolve sys:path against the database
	RootID      string // id of the root document for path resolution
}

// CompileResult is the JSON payload of the compile command.
type CompileResult struct {
	SQL            string   `json:"sql,omitempty"`
	Params         []any    `json:"params"`
	Columns        []string `json:"columns"`
	Variants       []string `json:"variants,omitempty"`
	Distinct       bool     `json:"distinct,omitempty"`
	MatchesNothing bool     `json:"matches_nothing,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <query.yaml>",
		Short: "Compile a YAML document query to SQL",
		Long: `Compile a document query written in YAML to the SQL statement and
parameters the configured dialect would run.

Without --connect no database is opened and sys:path conditions are
rejected.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dialect, "dialect", "", "SQL dialect (defaults to database.dialect)")
	cmd.Flags().StringSliceVar(&opts.Principals, "principal", nil, "restrict to documents readable by this principal (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Permissions, "permission", []string{"Browse"}, "permissions granting access")
	cmd.Flags().BoolVar(&opts.Connect, "connect", false, "connect to the database to resolve sys:path")
	cmd.Flags().StringVar(&opts.RootID, "root-id", "", "id of the root document for sys:path")

	return cmd
}

func runCompile(ctx context.Context, opts *CompileOptions, queryPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return formatter.Fail("load config", err)
	}
	if opts.Dialect != "" {
		cfg.Database.Dialect = opts.Dialect
	}
	d, err := dialect.New(cfg.Database.Dialect)
	if err != nil {
		return formatter.Fail("select dialect", err)
	}

	q, err := queryir.DecodeFile(queryPath)
	if err != nil {
		return formatter.Fail("read query", err)
	}
	formatter.VerboseLog("Compiling %s for %s", queryPath, d.Name())

	var compiler *querysql.Compiler
	if opts.Connect {
		s, err := openSession(ctx, cfg)
		if err != nil {
			return formatter.Fail("open repository", err)
		}
		defer s.Close()
		paths := querysql.PathResolverFunc(func(path string) (string, bool, error) {
			return s.resolvePath(ctx, opts.RootID, path)
		})
		compiler = querysql.New(s.schema, s.dialect, paths)
	} else {
		schema, err := loadSchema(cfg)
		if err != nil {
			return formatter.Fail("load schema", err)
		}
		compiler = querysql.New(schema, d, nil)
	}

	var sec *querysql.SecurityContext
	if len(opts.Principals) > 0 {
		sec = &querysql.SecurityContext{Principals: opts.Principals, Permissions: opts.Permissions}
	}
	compiled, err := compiler.Compile(q, sec)
	if err != nil {
		return formatter.Fail("compile query", err)
	}
	return formatter.Success(newCompileResult(compiled), compileText(compiled))
}

func newCompileResult(c *querysql.CompiledQuery) CompileResult {
	result := CompileResult{
		SQL:            c.SQL,
		Params:         c.Params,
		Distinct:       c.Distinct,
		MatchesNothing: c.MatchesNothing,
	}
	if result.Params == nil {
		result.Params = []any{}
	}
	for _, col := range c.Columns {
		if !col.Hidden {
			result.Columns = append(result.Columns, col.Key)
		}
	}
	for _, v := range c.Variants {
		result.Variants = append(result.Variants, v.String())
	}
	return result
}

func compileText(c *querysql.CompiledQuery) string {
	if c.MatchesNothing {
		return "-- query matches nothing"
	}
	var b strings.Builder
	b.WriteString(c.SQL)
	b.WriteString("\n")
	for i, p := range c.Params {
		fmt.Fprintf(&b, "-- $%d = %v\n", i+1, p)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
