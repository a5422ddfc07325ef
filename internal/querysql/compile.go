// Package querysql compiles document queries into SQL over the fragment
// tables.
//
// A query matches regular documents, proxies, or both. Each kind is
// compiled as its own SELECT variant: the Direct variant reads the hierarchy
// row of the document itself, the Proxy variant reads the proxy's hierarchy
// row (the outer alias, for ids, names, paths and security) joined through
// the proxies fragment to its target (the data alias, for properties). When
// both variants apply they are combined with UNION.
//
// Statements use `?` placeholders and are rebound by the dialect as the
// last step. A Compiler is used by one session at a time.
package querysql

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/queryir"
)

// Variant is the kind of document one SELECT of a compiled query reads.
type Variant int

const (
	// Direct reads regular documents.
	Direct Variant = iota
	// Proxy reads proxies, with data taken from their targets.
	Proxy
)

func (v Variant) String() string {
	if v == Proxy {
		return "proxy"
	}
	return "direct"
}

// PathResolver maps a document path to its id.
type PathResolver interface {
	ResolvePath(path string) (id string, found bool, err error)
}

// PathResolverFunc adapts a function to PathResolver.
type PathResolverFunc func(path string) (string, bool, error)

// ResolvePath calls f.
func (f PathResolverFunc) ResolvePath(path string) (string, bool, error) {
	return f(path)
}

// SecurityContext restricts results to documents on which one of the
// principals holds one of the permissions.
type SecurityContext struct {
	Principals  []string
	Permissions []string
}

// Column is one result column.
type Column struct {
	// Key is the selected reference, or the alias of an ordering column.
	Key string
	// Hidden marks columns selected only for ordering.
	Hidden bool
}

// CompiledQuery is the result of Compile.
type CompiledQuery struct {
	SQL      string
	Params   []any
	Columns  []Column
	Distinct bool
	// MatchesNothing is set, with no SQL, when the query is provably empty.
	MatchesNothing bool
	// Variants lists the SELECTs combined in SQL.
	Variants []Variant
}

// Compiler turns queries into SQL for one Model and Dialect.
type Compiler struct {
	Model   model.Model
	Dialect dialect.Dialect
	// Paths resolves sys:path operands. Queries on sys:path fail without it.
	Paths PathResolver
}

// New returns a Compiler.
func New(m model.Model, d dialect.Dialect, paths PathResolver) *Compiler {
	return &Compiler{Model: m, Dialect: d, Paths: paths}
}

// Compile compiles q. sec may be nil for unrestricted queries.
func (c *Compiler) Compile(q queryir.Query, sec *SecurityContext) (*CompiledQuery, error) {
	if result := queryir.Validate(q); !result.Valid {
		return nil, dberr.NewQueryError("query", "%s", strings.Join(result.Problems, "; "))
	}
	if fns := queryir.Functions(q.Where); len(fns) > 0 {
		return nil, dberr.NewQueryError(fns[0], "function %s is not supported", fns[0])
	}
	if len(q.Select) == 0 {
		q.Select = []queryir.Reference{queryir.Ref(queryir.SysID)}
	}

	types, err := c.resolveTypes(q.From)
	if err != nil {
		return nil, err
	}

	var variants []Variant
	switch queryir.AnalyzeProxies(q.Where) {
	case queryir.ProxyContradiction:
		return &CompiledQuery{MatchesNothing: true, Columns: selectColumns(q)}, nil
	case queryir.ProxyOnly:
		variants = []Variant{Proxy}
	case queryir.ProxyExcluded:
		variants = []Variant{Direct}
	default:
		variants = []Variant{Direct, Proxy}
	}

	result := &CompiledQuery{Variants: variants}
	var selects []string
	var order []string
	for _, v := range variants {
		b := newBuilder(c, v)
		compiled, err := b.build(q, types, sec)
		if err != nil {
			return nil, err
		}
		selects = append(selects, compiled.sql)
		result.Params = append(result.Params, compiled.params...)
		result.Distinct = result.Distinct || b.distinct
		result.Columns = compiled.columns
		order = compiled.order
	}

	var sql strings.Builder
	if len(selects) == 1 {
		sql.WriteString(selects[0])
	} else {
		fmt.Fprintf(&sql, "SELECT * FROM (%s) %s", strings.Join(selects, " UNION "), c.Dialect.Quote("_U"))
	}
	if len(order) > 0 {
		sql.WriteString(" ORDER BY ")
		sql.WriteString(strings.Join(order, ", "))
	}
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit == 0 {
			limit = math.MaxInt64
		}
		sql.WriteString(" LIMIT ?")
		result.Params = append(result.Params, limit)
		if q.Offset > 0 {
			sql.WriteString(" OFFSET ?")
			result.Params = append(result.Params, q.Offset)
		}
	}

	result.SQL = c.Dialect.Rebind(sql.String())
	return result, nil
}

// resolveTypes expands the from-clause to the sorted concrete subtypes.
func (c *Compiler) resolveTypes(from []string) ([]string, error) {
	set := map[string]bool{}
	for _, t := range from {
		subs, ok := c.Model.SubTypes(t)
		if !ok {
			return nil, dberr.NewQueryError(t, "unknown type %s", t)
		}
		for _, s := range subs {
			set[s] = true
		}
	}
	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	slices.Sort(types)
	return types, nil
}

func selectColumns(q queryir.Query) []Column {
	cols := make([]Column, len(q.Select))
	for i, r := range q.Select {
		cols[i] = Column{Key: r.Name}
	}
	return cols
}

// errResolver wraps path resolution failures.
func errResolver(path string, err error) error {
	return dberr.New(dberr.StorageFailure, "compile query", fmt.Errorf("resolve path %s: %w", path, err))
}

var errNotPredicate = errors.New("not a predicate")
