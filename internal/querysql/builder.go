package querysql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/queryir"
)

// builder assembles one SELECT variant. Joins are added on first use and
// memoized; their parameters are kept apart so the final parameter order
// follows the text: select list, joins, where.
type builder struct {
	c       *Compiler
	d       dialect.Dialect
	variant Variant

	// outer holds ids, names, paths and security; data holds properties.
	outer string
	data  string
	from  string

	joins      []string
	joinParams []any
	// fragment joins by owner alias and fragment name
	fragments map[string]string
	// complex property joins by path prefix
	complex map[string]string

	nComplex, nFragment, nCollection int
	scores                           []scoreExpr
	distinct                         bool
}

type scoreExpr struct {
	sql  string
	args []any
}

// variantSQL is one compiled SELECT with the ordering terms to apply to it
// or to the UNION around it.
type variantSQL struct {
	sql     string
	params  []any
	columns []Column
	order   []string
}

func newBuilder(c *Compiler, v Variant) *builder {
	b := &builder{
		c:         c,
		d:         c.Dialect,
		variant:   v,
		fragments: map[string]string{},
		complex:   map[string]string{},
	}
	q := b.d.Quote
	hier := q(model.HierarchyTable)
	if v == Direct {
		b.outer, b.data = hier, hier
		b.from = "FROM " + hier
		return b
	}

	p, h, px := q("_P"), q("_H"), q(model.ProxiesTable)
	b.outer, b.data = p, h
	b.from = fmt.Sprintf("FROM %s %s JOIN %s ON %s = %s JOIN %s %s ON %s = %s",
		hier, p,
		px, b.col(px, model.IDColumn), b.col(p, model.IDColumn),
		hier, h, b.col(h, model.IDColumn), b.col(px, model.KeyTargetID))
	b.fragments[p+"#"+model.ProxiesTable] = px
	return b
}

func (b *builder) col(alias, column string) string {
	return alias + "." + b.d.Quote(column)
}

func (b *builder) build(q queryir.Query, types []string, sec *SecurityContext) (variantSQL, error) {
	var where []string
	var whereParams []any

	where = append(where, fmt.Sprintf("%s IN (%s)",
		b.col(b.data, model.KeyPrimaryType), dialect.Placeholders(len(types))))
	for _, t := range types {
		whereParams = append(whereParams, t)
	}

	for _, c := range queryir.Conjuncts(q.Where) {
		if _, ok := queryir.IsProxyConstraint(c); ok {
			// Decided the variants.
			continue
		}
		s, p, err := b.predicate(c)
		if err != nil {
			return variantSQL{}, err
		}
		where = append(where, s)
		whereParams = append(whereParams, p...)
	}

	if sec != nil {
		s, p := b.security(sec)
		where = append(where, s)
		whereParams = append(whereParams, p...)
	}

	var cols []string
	var selParams []any
	columns := make([]Column, 0, len(q.Select)+len(q.OrderBy))
	for _, ref := range q.Select {
		expr, err := b.selectExpr(ref.Name, "selected")
		if err != nil {
			return variantSQL{}, err
		}
		cols = append(cols, expr)
		columns = append(columns, Column{Key: ref.Name})
	}

	var order []string
	for i, item := range q.OrderBy {
		expr, err := b.selectExpr(item.Ref.Name, "used in ORDER BY")
		if err != nil {
			return variantSQL{}, err
		}
		alias := fmt.Sprintf("_O%d", i+1)
		cols = append(cols, expr+" AS "+b.d.Quote(alias))
		columns = append(columns, Column{Key: alias, Hidden: true})
		term := b.d.Quote(alias)
		if item.Desc {
			term += " DESC"
		}
		order = append(order, term)
	}
	if len(q.OrderBy) == 0 && len(b.scores) == 1 {
		score := b.scores[0]
		cols = append(cols, score.sql+" AS "+b.d.Quote("_score"))
		selParams = append(selParams, score.args...)
		columns = append(columns, Column{Key: "_score", Hidden: true})
		order = append(order, b.d.Quote("_score")+" DESC")
	}

	var sql strings.Builder
	sql.WriteString("SELECT ")
	if b.distinct {
		sql.WriteString("DISTINCT ")
	}
	sql.WriteString(strings.Join(cols, ", "))
	sql.WriteString(" ")
	sql.WriteString(b.from)
	for _, j := range b.joins {
		sql.WriteString(" ")
		sql.WriteString(j)
	}
	sql.WriteString(" WHERE ")
	sql.WriteString(strings.Join(where, " AND "))

	params := make([]any, 0, len(selParams)+len(b.joinParams)+len(whereParams))
	params = append(params, selParams...)
	params = append(params, b.joinParams...)
	params = append(params, whereParams...)
	return variantSQL{sql: sql.String(), params: params, columns: columns, order: order}, nil
}

// security restricts the outer id. Read-only permissions use the
// precomputed read ACLs when the dialect has them.
func (b *builder) security(sec *SecurityContext) (string, []any) {
	if len(sec.Principals) == 0 {
		return "0 = 1", nil
	}
	id := b.col(b.outer, model.IDColumn)
	if dialect.IsReadOnly(sec.Permissions) && b.d.SupportsReadACLs() {
		return dialect.ReadACLPredicate(b.d, id, sec.Principals)
	}
	return b.d.AccessAllowed(id, sec.Principals, sec.Permissions)
}

func (b *builder) predicate(o queryir.Operand) (string, []any, error) {
	switch n := o.(type) {
	case queryir.Expression:
		switch n.Op {
		case queryir.OpAnd, queryir.OpOr:
			l, lp, err := b.predicate(n.Left)
			if err != nil {
				return "", nil, err
			}
			r, rp, err := b.predicate(n.Right)
			if err != nil {
				return "", nil, err
			}
			s := l + " " + string(n.Op) + " " + r
			if n.Op == queryir.OpOr {
				s = "(" + s + ")"
			}
			return s, append(lp, rp...), nil
		}
		return b.comparison(n)
	case queryir.Not:
		s, p, err := b.predicate(n.Operand)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + s + ")", p, nil
	case queryir.Function:
		return "", nil, dberr.NewQueryError(n.Name, "function %s is not supported", n.Name)
	default:
		return "", nil, dberr.NewQueryError(fmt.Sprintf("%T", o), "%w", errNotPredicate)
	}
}

func (b *builder) comparison(e queryir.Expression) (string, []any, error) {
	ref, ok := e.Left.(queryir.Reference)
	if !ok {
		if f, isFn := e.Left.(queryir.Function); isFn {
			return "", nil, dberr.NewQueryError(f.Name, "function %s is not supported", f.Name)
		}
		return "", nil, dberr.NewQueryError(string(e.Op), "left operand of %s must be a reference", e.Op)
	}
	if queryir.IsPseudo(ref.Name) {
		return b.pseudo(ref.Name, e)
	}

	loc, err := b.resolve(ref.Name)
	if err != nil {
		return "", nil, err
	}
	if loc.collection != nil {
		return b.exists(ref.Name, loc.collection, e)
	}
	return b.compare(ref.Name, loc.expr, e)
}

// compare applies a scalar operator to lhs.
func (b *builder) compare(subject, lhs string, e queryir.Expression) (string, []any, error) {
	switch e.Op {
	case queryir.OpIsNull, queryir.OpIsNotNull:
		return lhs + " " + string(e.Op), nil, nil
	case queryir.OpIn, queryir.OpNotIn:
		list, err := listOperand(subject, e)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s %s (%s)", lhs, e.Op, dialect.Placeholders(len(list))), literalValues(list), nil
	case queryir.OpBetween, queryir.OpNotBetween:
		list, err := listOperand(subject, e)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s %s ? AND ?", lhs, e.Op), literalValues(list), nil
	case queryir.OpStartsWith:
		return "", nil, dberr.NewQueryError(subject, "operator %s is only supported on %s", e.Op, queryir.SysPath)
	}

	lit, err := literalOperand(subject, e)
	if err != nil {
		return "", nil, err
	}
	switch e.Op {
	case queryir.OpILike, queryir.OpNotILike:
		return b.d.ILike(lhs, e.Op == queryir.OpNotILike), []any{lit.Value()}, nil
	case queryir.OpEq, queryir.OpNotEq, queryir.OpLt, queryir.OpLe, queryir.OpGt, queryir.OpGe,
		queryir.OpLike, queryir.OpNotLike:
		return fmt.Sprintf("%s %s ?", lhs, e.Op), []any{lit.Value()}, nil
	}
	return "", nil, dberr.NewQueryError(subject, "operator %s is not supported", e.Op)
}

// exists matches collection elements in a correlated subquery. Negative
// operators negate the EXISTS rather than the element test.
func (b *builder) exists(subject string, coll *collectionRef, e queryir.Expression) (string, []any, error) {
	b.nCollection++
	b.distinct = true
	alias := b.d.Quote(fmt.Sprintf("_T%d", b.nCollection))
	base := fmt.Sprintf("SELECT 1 FROM %s %s WHERE %s = %s",
		b.d.Quote(coll.table), alias, b.col(alias, model.IDColumn), coll.ownerID)

	switch e.Op {
	case queryir.OpIsNull:
		return "NOT EXISTS (" + base + ")", nil, nil
	case queryir.OpIsNotNull:
		return "EXISTS (" + base + ")", nil, nil
	}

	prefix := "EXISTS"
	op := e.Op
	if op.IsNegative() {
		prefix = "NOT EXISTS"
		op = op.Positive()
	}
	cond, params, err := b.compare(subject, b.col(alias, coll.column), queryir.Expression{Left: e.Left, Op: op, Right: e.Right})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s (%s AND %s)", prefix, base, cond), params, nil
}

func literalOperand(subject string, e queryir.Expression) (queryir.Literal, error) {
	lit, ok := e.Right.(queryir.Literal)
	if !ok {
		return nil, dberr.NewQueryError(subject, "%s needs a literal operand", e.Op)
	}
	if _, isList := lit.(queryir.List); isList {
		return nil, dberr.NewQueryError(subject, "%s does not take a list", e.Op)
	}
	return lit, nil
}

func listOperand(subject string, e queryir.Expression) (queryir.List, error) {
	list, ok := e.Right.(queryir.List)
	if !ok {
		return nil, dberr.NewQueryError(subject, "%s needs a list", e.Op)
	}
	return list, nil
}

func literalValues(list queryir.List) []any {
	values := make([]any, len(list))
	for i, l := range list {
		values[i] = l.Value()
	}
	return values
}

// location is where a reference is stored: a scalar column expression, or
// a collection fragment correlated to its owner.
type location struct {
	expr       string
	collection *collectionRef
}

type collectionRef struct {
	table   string
	column  string
	ownerID string
}

func (b *builder) resolve(name string) (location, error) {
	if strings.Contains(name, "/") {
		return b.resolvePath(name)
	}
	p, ok := b.c.Model.Property(name)
	if !ok {
		return location{}, dberr.NewQueryError(name, "unknown property %s", name)
	}
	if p.IsComplex() {
		return location{}, dberr.NewQueryError(name, "complex property %s needs a sub-property path", name)
	}
	return b.propertyLocation(name, p, b.data)
}

// propertyLocation locates a simple property whose node is owner.
func (b *builder) propertyLocation(subject string, p model.PropertyInfo, owner string) (location, error) {
	f, ok := b.c.Model.Fragment(p.Fragment)
	if !ok {
		return location{}, dberr.NewQueryError(subject, "unknown fragment %s", p.Fragment)
	}
	c, ok := f.Column(p.Key)
	if !ok {
		return location{}, dberr.NewQueryError(subject, "fragment %s has no key %s", f.Name, p.Key)
	}
	if f.IsCollection() {
		return location{collection: &collectionRef{
			table:   f.Name,
			column:  c.Name,
			ownerID: b.col(owner, model.IDColumn),
		}}, nil
	}
	if f.Name == model.HierarchyTable {
		return location{expr: b.col(owner, c.Name)}, nil
	}
	return location{expr: b.col(b.fragmentJoin(f.Name, owner), c.Name)}, nil
}

// resolvePath walks a complex property path such as "dc:author/firstname",
// "files/0/name" or "files/*/name", adding one hierarchy self-join per
// complex node.
func (b *builder) resolvePath(name string) (location, error) {
	segs := strings.Split(name, "/")
	p, ok := b.c.Model.Property(segs[0])
	if !ok {
		return location{}, dberr.NewQueryError(name, "unknown property %s", segs[0])
	}
	owner := b.data
	prefix := segs[0]
	nodeName := segs[0]
	i := 1
	for {
		if !p.IsComplex() {
			if i != len(segs) {
				return location{}, dberr.NewQueryError(name, "%s is not a complex property", prefix)
			}
			return b.propertyLocation(name, p, owner)
		}

		var pos *int64
		wildcard, unique := false, false
		if i < len(segs) && isIndex(segs[i]) {
			if !p.List {
				return location{}, dberr.NewQueryError(name, "%s is not a list", prefix)
			}
			seg := segs[i]
			prefix += "/" + seg
			i++
			switch {
			case seg == "*":
				wildcard, unique = true, true
			case strings.HasPrefix(seg, "*"):
				wildcard = true
			default:
				n, _ := strconv.ParseInt(seg, 10, 64)
				pos = &n
			}
		} else if p.List {
			wildcard, unique = true, true
		}
		if i >= len(segs) {
			return location{}, dberr.NewQueryError(name, "complex property %s needs a sub-property path", prefix)
		}

		owner = b.complexJoin(owner, nodeName, prefix, pos, wildcard, unique)

		next := segs[i]
		child, ok := b.c.Model.ComplexProperty(p.Complex, next)
		if !ok {
			return location{}, dberr.NewQueryError(name, "unknown property %s in complex type %s", next, p.Complex)
		}
		p = child
		nodeName = next
		prefix += "/" + next
		i++
	}
}

func isIndex(seg string) bool {
	if strings.HasPrefix(seg, "*") {
		_, err := strconv.Atoi(seg[1:])
		return seg == "*" || err == nil
	}
	_, err := strconv.ParseUint(seg, 10, 63)
	return err == nil
}

// complexJoin joins the child node named nodeName of owner. Joins are shared
// per path prefix, except for anonymous wildcards which each get their own.
func (b *builder) complexJoin(owner, nodeName, prefix string, pos *int64, wildcard, unique bool) string {
	if !unique {
		if alias, ok := b.complex[prefix]; ok {
			return alias
		}
	}
	b.nComplex++
	alias := b.d.Quote(fmt.Sprintf("_C%d", b.nComplex))
	join := fmt.Sprintf("LEFT JOIN %s %s ON %s = %s AND %s = ?",
		b.d.Quote(model.HierarchyTable), alias,
		b.col(alias, model.KeyParentID), b.col(owner, model.IDColumn),
		b.col(alias, model.KeyName))
	params := []any{nodeName}
	if pos != nil {
		join += fmt.Sprintf(" AND %s = ?", b.col(alias, model.KeyPos))
		params = append(params, *pos)
	}
	b.joins = append(b.joins, join)
	b.joinParams = append(b.joinParams, params...)
	if wildcard {
		b.distinct = true
	}
	if !unique {
		b.complex[prefix] = alias
	}
	return alias
}

// fragmentJoin LEFT JOINs fragment on owner's id, once per owner. Fragments
// of the data alias are aliased by their own name.
func (b *builder) fragmentJoin(fragment, owner string) string {
	key := owner + "#" + fragment
	if alias, ok := b.fragments[key]; ok {
		return alias
	}
	table := b.d.Quote(fragment)
	alias := table
	join := "LEFT JOIN " + table
	if owner != b.data {
		b.nFragment++
		alias = b.d.Quote(fmt.Sprintf("_F%d", b.nFragment))
		join += " " + alias
	}
	join += fmt.Sprintf(" ON %s = %s", b.col(alias, model.IDColumn), b.col(owner, model.IDColumn))
	b.joins = append(b.joins, join)
	b.fragments[key] = alias
	return alias
}

// selectExpr is the scalar expression of a selected or ordering reference.
func (b *builder) selectExpr(name, usage string) (string, error) {
	switch name {
	case queryir.SysID:
		return b.col(b.outer, model.IDColumn), nil
	case queryir.SysParentID:
		return b.col(b.outer, model.KeyParentID), nil
	case queryir.SysName:
		return b.col(b.outer, model.KeyName), nil
	case queryir.SysPrimaryType:
		return b.col(b.data, model.KeyPrimaryType), nil
	case queryir.SysIsVersion:
		return b.col(b.data, model.KeyIsVersion), nil
	case queryir.SysLockOwner:
		return b.col(b.fragmentJoin(model.LocksTable, b.data), model.KeyLockOwner), nil
	case queryir.SysIsProxy:
		if b.variant == Proxy {
			return "1", nil
		}
		return "0", nil
	}
	if queryir.IsPseudo(name) {
		return "", dberr.NewQueryError(name, "%s cannot be %s", name, usage)
	}

	loc, err := b.resolve(name)
	if err != nil {
		return "", err
	}
	if loc.collection != nil {
		return "", dberr.NewQueryError(name, "collection property %s cannot be %s", name, usage)
	}
	return loc.expr, nil
}
