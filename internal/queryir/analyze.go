package queryir

// References returns the distinct reference names of q in first-seen
// order: select list, predicate, then order-by.
func References(q Query) []string {
	seen := map[string]bool{}
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, r := range q.Select {
		add(r.Name)
	}
	walk(q.Where, func(o Operand) {
		if r, ok := o.(Reference); ok {
			add(r.Name)
		}
	})
	for _, item := range q.OrderBy {
		add(item.Ref.Name)
	}
	return names
}

// walk visits o and its descendants depth first.
func walk(o Operand, visit func(Operand)) {
	if o == nil {
		return
	}
	visit(o)
	switch n := o.(type) {
	case Expression:
		walk(n.Left, visit)
		walk(n.Right, visit)
	case Not:
		walk(n.Operand, visit)
	case Function:
		for _, a := range n.Args {
			walk(a, visit)
		}
	}
}

// Functions returns the names of the function calls in o.
func Functions(o Operand) []string {
	var names []string
	walk(o, func(n Operand) {
		if f, ok := n.(Function); ok {
			names = append(names, f.Name)
		}
	})
	return names
}

// ProxyConstraint is what the top-level predicate says about proxies.
type ProxyConstraint int

const (
	// ProxyAny allows both proxies and regular documents.
	ProxyAny ProxyConstraint = iota
	// ProxyOnly requires proxies.
	ProxyOnly
	// ProxyExcluded requires regular documents.
	ProxyExcluded
	// ProxyContradiction requires both, which nothing satisfies.
	ProxyContradiction
)

func (c ProxyConstraint) String() string {
	switch c {
	case ProxyOnly:
		return "proxy-only"
	case ProxyExcluded:
		return "proxy-excluded"
	case ProxyContradiction:
		return "contradiction"
	default:
		return "any"
	}
}

// AnalyzeProxies inspects the top-level conjuncts of where for sys:isProxy
// equalities. Constraints nested under OR or NOT are ignored.
func AnalyzeProxies(where Operand) ProxyConstraint {
	var proxy, direct bool
	for _, c := range Conjuncts(where) {
		want, ok := IsProxyConstraint(c)
		if !ok {
			continue
		}
		if want {
			proxy = true
		} else {
			direct = true
		}
	}
	switch {
	case proxy && direct:
		return ProxyContradiction
	case proxy:
		return ProxyOnly
	case direct:
		return ProxyExcluded
	default:
		return ProxyAny
	}
}

// IsProxyConstraint reports whether o is sys:isProxy compared with = or <>
// to a boolean-like literal, and whether it requires a proxy.
func IsProxyConstraint(o Operand) (wantProxy bool, ok bool) {
	e, isExpr := o.(Expression)
	if !isExpr || (e.Op != OpEq && e.Op != OpNotEq) {
		return false, false
	}
	ref, isRef := e.Left.(Reference)
	if !isRef || ref.Name != SysIsProxy {
		return false, false
	}
	lit, isLit := e.Right.(Literal)
	if !isLit {
		return false, false
	}
	b, ok := Truth(lit)
	if !ok {
		return false, false
	}
	if e.Op == OpNotEq {
		b = !b
	}
	return b, true
}

// Truth interprets 0, 1, true and false.
func Truth(l Literal) (bool, bool) {
	switch v := l.(type) {
	case Bool:
		return bool(v), true
	case Int:
		if v == 0 || v == 1 {
			return v == 1, true
		}
	}
	return false, false
}
