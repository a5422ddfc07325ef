package queryir

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// queryYAML is the YAML form of a Query:
//
//	select: [sys:id, dc:title]
//	from: [File]
//	where:
//	  and:
//	    - {ref: dc:title, op: "=", value: abc}
//	    - not: {ref: dc:tags, op: IN, value: [a, b]}
//	orderBy:
//	  - {ref: dc:title, desc: true}
//	limit: 10
type queryYAML struct {
	Select  []string        `yaml:"select"`
	From    []string        `yaml:"from"`
	Where   *predicateYAML  `yaml:"where"`
	OrderBy []orderItemYAML `yaml:"orderBy"`
	Limit   int64           `yaml:"limit"`
	Offset  int64           `yaml:"offset"`
}

type orderItemYAML struct {
	Ref  string `yaml:"ref"`
	Desc bool   `yaml:"desc"`
}

// predicateYAML holds exactly one of: and, or, not, or a comparison whose
// left side is ref or fn.
type predicateYAML struct {
	And   []predicateYAML `yaml:"and"`
	Or    []predicateYAML `yaml:"or"`
	Not   *predicateYAML  `yaml:"not"`
	Ref   string          `yaml:"ref"`
	Fn    string          `yaml:"fn"`
	Args  []string        `yaml:"args"`
	Op    string          `yaml:"op"`
	Value yaml.Node       `yaml:"value"`
}

// Decode parses a YAML query.
func Decode(data []byte) (Query, error) {
	var raw queryYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Query{}, fmt.Errorf("decode query: %w", err)
	}

	q := Query{From: raw.From, Limit: raw.Limit, Offset: raw.Offset}
	for _, s := range raw.Select {
		q.Select = append(q.Select, Ref(s))
	}
	for _, o := range raw.OrderBy {
		q.OrderBy = append(q.OrderBy, OrderItem{Ref: Ref(o.Ref), Desc: o.Desc})
	}
	if raw.Where != nil {
		where, err := raw.Where.operand()
		if err != nil {
			return Query{}, fmt.Errorf("decode query: where: %w", err)
		}
		q.Where = where
	}
	return q, nil
}

// DecodeFile reads and parses a YAML query file.
func DecodeFile(path string) (Query, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Query{}, fmt.Errorf("read query: %w", err)
	}
	return Decode(data)
}

func (p *predicateYAML) operand() (Operand, error) {
	switch {
	case len(p.And) > 0:
		return p.combine(OpAnd, p.And)
	case len(p.Or) > 0:
		return p.combine(OpOr, p.Or)
	case p.Not != nil:
		inner, err := p.Not.operand()
		if err != nil {
			return nil, err
		}
		return Not{Operand: inner}, nil
	}

	var left Operand
	switch {
	case p.Ref != "":
		left = Ref(p.Ref)
	case p.Fn != "":
		fn := Function{Name: p.Fn}
		for _, a := range p.Args {
			fn.Args = append(fn.Args, Ref(a))
		}
		if p.Op == "" {
			return fn, nil
		}
		left = fn
	default:
		return nil, fmt.Errorf("predicate needs and, or, not, ref or fn")
	}

	op, err := ParseOperator(p.Op)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Ref, err)
	}
	e := Expression{Left: left, Op: op}
	if p.Value.Kind != 0 {
		lit, err := decodeLiteral(&p.Value)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", p.Ref, op, err)
		}
		e.Right = lit
	}
	return e, nil
}

func (p *predicateYAML) combine(op Operator, items []predicateYAML) (Operand, error) {
	operands := make([]Operand, 0, len(items))
	for i := range items {
		o, err := items[i].operand()
		if err != nil {
			return nil, err
		}
		operands = append(operands, o)
	}
	return combine(op, operands), nil
}

func decodeLiteral(n *yaml.Node) (Literal, error) {
	switch n.Kind {
	case yaml.SequenceNode:
		list := make(List, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: nested lists are not supported", c.Line)
			}
			l, err := decodeScalar(c)
			if err != nil {
				return nil, err
			}
			list = append(list, l)
		}
		return list, nil
	case yaml.ScalarNode:
		return decodeScalar(n)
	default:
		return nil, fmt.Errorf("line %d: unsupported value", n.Line)
	}
}

func decodeScalar(n *yaml.Node) (Literal, error) {
	switch n.ShortTag() {
	case "!!str":
		return String(n.Value), nil
	case "!!int":
		var v int64
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return Int(v), nil
	case "!!float":
		var v float64
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return Float(v), nil
	case "!!bool":
		var v bool
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return Bool(v), nil
	case "!!timestamp":
		var v time.Time
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return Timestamp{Time: v}, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported literal %s", n.Line, n.ShortTag())
	}
}
