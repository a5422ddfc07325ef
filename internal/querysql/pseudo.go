package querysql

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/fragstore/internal/dberr"
	"github.com/roach88/fragstore/internal/dialect"
	"github.com/roach88/fragstore/internal/model"
	"github.com/roach88/fragstore/internal/queryir"
)

const (
	alwaysTrue  = "1 = 1"
	alwaysFalse = "0 = 1"
)

// pseudo compiles a comparison on a sys: property.
func (b *builder) pseudo(name string, e queryir.Expression) (string, []any, error) {
	switch name {
	case queryir.SysID:
		return b.compare(name, b.col(b.outer, model.IDColumn), e)
	case queryir.SysParentID:
		return b.compare(name, b.col(b.outer, model.KeyParentID), e)
	case queryir.SysName:
		return b.compare(name, b.col(b.outer, model.KeyName), e)
	case queryir.SysPrimaryType:
		return b.compare(name, b.col(b.data, model.KeyPrimaryType), e)
	case queryir.SysLockOwner:
		return b.compare(name, b.col(b.fragmentJoin(model.LocksTable, b.data), model.KeyLockOwner), e)
	case queryir.SysIsVersion:
		return b.boolean(name, b.col(b.data, model.KeyIsVersion), e)
	case queryir.SysIsProxy:
		return b.isProxy(e)
	case queryir.SysMixinType:
		return b.mixinType(e)
	case queryir.SysPath:
		return b.path(e)
	case queryir.SysFulltext:
		return b.fulltext(e)
	}
	return "", nil, dberr.NewQueryError(name, "unknown property %s", name)
}

func (b *builder) boolean(name, lhs string, e queryir.Expression) (string, []any, error) {
	if e.Op != queryir.OpEq && e.Op != queryir.OpNotEq {
		return "", nil, dberr.NewQueryError(name, "operator %s is not supported on %s", e.Op, name)
	}
	lit, _ := e.Right.(queryir.Literal)
	v, ok := truth(lit)
	if !ok {
		return "", nil, dberr.NewQueryError(name, "%s needs a boolean operand", name)
	}
	return fmt.Sprintf("%s %s ?", lhs, e.Op), []any{v}, nil
}

// isProxy is a constant per variant; only nested constraints get here.
func (b *builder) isProxy(e queryir.Expression) (string, []any, error) {
	want, ok := queryir.IsProxyConstraint(e)
	if !ok {
		return "", nil, dberr.NewQueryError(queryir.SysIsProxy, "%s needs = or <> with a boolean operand", queryir.SysIsProxy)
	}
	if want == (b.variant == Proxy) {
		return alwaysTrue, nil, nil
	}
	return alwaysFalse, nil, nil
}

// mixinType matches documents whose type statically carries a mixin, or
// whose instance mixins contain it.
func (b *builder) mixinType(e queryir.Expression) (string, []any, error) {
	var mixins []queryir.Literal
	switch e.Op {
	case queryir.OpEq, queryir.OpNotEq:
		lit, err := literalOperand(queryir.SysMixinType, e)
		if err != nil {
			return "", nil, err
		}
		mixins = []queryir.Literal{lit}
	case queryir.OpIn, queryir.OpNotIn:
		list, err := listOperand(queryir.SysMixinType, e)
		if err != nil {
			return "", nil, err
		}
		mixins = list
	default:
		return "", nil, dberr.NewQueryError(queryir.SysMixinType, "operator %s is not supported on %s", e.Op, queryir.SysMixinType)
	}

	var types []any
	seen := map[string]bool{}
	var patterns []any
	for _, lit := range mixins {
		mixin, ok := lit.(queryir.String)
		if !ok {
			return "", nil, dberr.NewQueryError(queryir.SysMixinType, "%s needs string operands", queryir.SysMixinType)
		}
		for _, t := range b.c.Model.TypesWithMixin(string(mixin)) {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
		patterns = append(patterns, "%"+model.EncodeMixins([]string{string(mixin)})+"%")
	}

	mixinCol := fmt.Sprintf("COALESCE(%s, '')", b.col(b.data, model.KeyMixinTypes))
	var parts []string
	var params []any
	if len(types) > 0 {
		parts = append(parts, fmt.Sprintf("%s IN (%s)", b.col(b.data, model.KeyPrimaryType), dialect.Placeholders(len(types))))
		params = append(params, types...)
	}
	for _, p := range patterns {
		parts = append(parts, mixinCol+" LIKE ?")
		params = append(params, p)
	}
	s := "(" + strings.Join(parts, " OR ") + ")"
	if e.Op.IsNegative() {
		s = "NOT " + s
	}
	return s, params, nil
}

// path matches by document location. STARTSWITH selects the strict
// descendants of the resolved document.
func (b *builder) path(e queryir.Expression) (string, []any, error) {
	switch e.Op {
	case queryir.OpEq, queryir.OpNotEq, queryir.OpStartsWith:
	default:
		return "", nil, dberr.NewQueryError(queryir.SysPath, "operator %s is not supported on %s", e.Op, queryir.SysPath)
	}
	lit, err := literalOperand(queryir.SysPath, e)
	if err != nil {
		return "", nil, err
	}
	path, ok := lit.(queryir.String)
	if !ok {
		return "", nil, dberr.NewQueryError(queryir.SysPath, "%s needs a string operand", queryir.SysPath)
	}
	if b.c.Paths == nil {
		return "", nil, dberr.NewQueryError(queryir.SysPath, "%s needs a path resolver", queryir.SysPath)
	}
	id, found, err := b.c.Paths.ResolvePath(string(path))
	if err != nil {
		return "", nil, errResolver(string(path), err)
	}
	if !found {
		if e.Op == queryir.OpNotEq {
			return alwaysTrue, nil, nil
		}
		return alwaysFalse, nil, nil
	}

	outerID := b.col(b.outer, model.IDColumn)
	if e.Op != queryir.OpStartsWith {
		return fmt.Sprintf("%s %s ?", outerID, e.Op), []any{id}, nil
	}

	q := b.d.Quote
	d, dh := q("_D"), q("_DH")
	hier := q(model.HierarchyTable)
	descendants := fmt.Sprintf(
		"WITH RECURSIVE %s(%s) AS (SELECT %s FROM %s WHERE %s = ? UNION ALL SELECT %s FROM %s %s JOIN %s ON %s = %s) SELECT %s FROM %s",
		d, q(model.IDColumn),
		q(model.IDColumn), hier, q(model.KeyParentID),
		b.col(dh, model.IDColumn), hier, dh, d, b.col(dh, model.KeyParentID), b.col(d, model.IDColumn),
		q(model.IDColumn), d)
	return fmt.Sprintf("%s IN (%s)", outerID, descendants), []any{id}, nil
}

// fulltext matches the full-text fragment of the data document and records
// its relevance score.
func (b *builder) fulltext(e queryir.Expression) (string, []any, error) {
	if e.Op != queryir.OpEq && e.Op != queryir.OpNotEq {
		return "", nil, dberr.NewQueryError(queryir.SysFulltext, "operator %s is not supported on %s", e.Op, queryir.SysFulltext)
	}
	lit, err := literalOperand(queryir.SysFulltext, e)
	if err != nil {
		return "", nil, err
	}
	text, ok := lit.(queryir.String)
	if !ok {
		return "", nil, dberr.NewQueryError(queryir.SysFulltext, "%s needs a string operand", queryir.SysFulltext)
	}
	alias := b.fragmentJoin(model.FulltextTable, b.data)
	column := b.col(alias, model.KeyFulltext)
	match, matchArgs, score, scoreArgs := b.d.Fulltext(column, norm.NFC.String(string(text)))
	if e.Op == queryir.OpNotEq {
		return "NOT (" + match + ")", matchArgs, nil
	}
	b.scores = append(b.scores, scoreExpr{sql: score, args: scoreArgs})
	return match, matchArgs, nil
}

func truth(l queryir.Literal) (bool, bool) {
	if l == nil {
		return false, false
	}
	return queryir.Truth(l)
}
