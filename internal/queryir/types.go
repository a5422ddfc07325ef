package queryir

import (
	"fmt"
	"strings"
	"time"
)

// Pseudo-properties.
const (
	SysID          = "sys:id"
	SysParentID    = "sys:parentId"
	SysName        = "sys:name"
	SysPath        = "sys:path"
	SysPrimaryType = "sys:primaryType"
	SysMixinType   = "sys:mixinType"
	SysIsProxy     = "sys:isProxy"
	SysIsVersion   = "sys:isVersion"
	SysFulltext    = "sys:fulltext"
	SysLockOwner   = "sys:lockOwner"
)

// IsPseudo reports whether name is a pseudo-property.
func IsPseudo(name string) bool {
	return strings.HasPrefix(name, "sys:")
}

// Query is a document query.
type Query struct {
	Select []Reference
	// From lists document type names; subtypes are included.
	From []string
	// Where is nil when every document of the types matches.
	Where   Operand
	OrderBy []OrderItem
	// Limit and Offset are ignored when zero.
	Limit  int64
	Offset int64
}

// OrderItem is one order-by key.
type OrderItem struct {
	Ref  Reference
	Desc bool
}

// Operand is a node of the predicate tree.
//
// This is a sealed interface - only types in this package implement it.
type Operand interface {
	operandNode()
}

// Reference names a property, a complex property path or a
// pseudo-property.
type Reference struct {
	Name string
}

func (Reference) operandNode() {}

// Ref is shorthand for Reference{Name: name}.
func Ref(name string) Reference {
	return Reference{Name: name}
}

// Expression applies Op to Left and Right. Right is nil for IS NULL and
// IS NOT NULL; it is a List for IN and for BETWEEN (low and high).
type Expression struct {
	Left  Operand
	Op    Operator
	Right Operand
}

func (Expression) operandNode() {}

// Not negates its operand.
type Not struct {
	Operand Operand
}

func (Not) operandNode() {}

// Function is a function call. It is part of the AST so that compilers can
// reject it by name.
type Function struct {
	Name string
	Args []Operand
}

func (Function) operandNode() {}

// Operator is a comparison or boolean operator.
type Operator string

const (
	OpEq         Operator = "="
	OpNotEq      Operator = "<>"
	OpLt         Operator = "<"
	OpLe         Operator = "<="
	OpGt         Operator = ">"
	OpGe         Operator = ">="
	OpLike       Operator = "LIKE"
	OpNotLike    Operator = "NOT LIKE"
	OpILike      Operator = "ILIKE"
	OpNotILike   Operator = "NOT ILIKE"
	OpIn         Operator = "IN"
	OpNotIn      Operator = "NOT IN"
	OpBetween    Operator = "BETWEEN"
	OpNotBetween Operator = "NOT BETWEEN"
	OpIsNull     Operator = "IS NULL"
	OpIsNotNull  Operator = "IS NOT NULL"
	OpStartsWith Operator = "STARTSWITH"
	OpAnd        Operator = "AND"
	OpOr         Operator = "OR"
)

var operators = map[Operator]bool{
	OpEq: true, OpNotEq: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true,
	OpLike: true, OpNotLike: true, OpILike: true, OpNotILike: true,
	OpIn: true, OpNotIn: true, OpBetween: true, OpNotBetween: true,
	OpIsNull: true, OpIsNotNull: true, OpStartsWith: true,
	OpAnd: true, OpOr: true,
}

// ParseOperator parses an operator, case-insensitively. "!=" is accepted
// for "<>".
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.ToUpper(strings.Join(strings.Fields(s), " ")))
	if op == "!=" {
		op = OpNotEq
	}
	if !operators[op] {
		return "", fmt.Errorf("unknown operator %q", s)
	}
	return op, nil
}

// IsBoolean reports whether op combines predicates.
func (op Operator) IsBoolean() bool {
	return op == OpAnd || op == OpOr
}

// IsUnary reports whether op takes no right operand.
func (op Operator) IsUnary() bool {
	return op == OpIsNull || op == OpIsNotNull
}

// IsNegative reports whether op is the negation of another operator.
func (op Operator) IsNegative() bool {
	_, ok := negations[op]
	return ok
}

// Positive returns the operator op negates, or op itself.
func (op Operator) Positive() Operator {
	if p, ok := negations[op]; ok {
		return p
	}
	return op
}

var negations = map[Operator]Operator{
	OpNotEq:      OpEq,
	OpNotLike:    OpLike,
	OpNotILike:   OpILike,
	OpNotIn:      OpIn,
	OpNotBetween: OpBetween,
}

// Literal is a constant operand.
//
// This is a sealed interface - only types in this package implement it.
type Literal interface {
	Operand
	literalNode()
	// Value returns the Go value bound as a statement parameter.
	Value() any
}

// String is a string literal.
type String string

func (String) operandNode() {}
func (String) literalNode() {}
func (s String) Value() any { return string(s) }

// Int is an integer literal.
type Int int64

func (Int) operandNode() {}
func (Int) literalNode() {}
func (n Int) Value() any { return int64(n) }

// Float is a floating point literal.
type Float float64

func (Float) operandNode() {}
func (Float) literalNode() {}
func (f Float) Value() any { return float64(f) }

// Bool is a boolean literal.
type Bool bool

func (Bool) operandNode() {}
func (Bool) literalNode() {}
func (b Bool) Value() any { return bool(b) }

// Timestamp is a date-time literal, bound in UTC.
type Timestamp struct {
	Time time.Time
}

func (Timestamp) operandNode() {}
func (Timestamp) literalNode() {}
func (ts Timestamp) Value() any { return ts.Time.UTC() }

// List is a literal list, for IN and BETWEEN.
type List []Literal

func (List) operandNode() {}
func (List) literalNode() {}

// Value returns the element values.
func (l List) Value() any {
	values := make([]any, len(l))
	for i, v := range l {
		values[i] = v.Value()
	}
	return values
}

// Compare builds ref <op> value.
func Compare(ref string, op Operator, value Operand) Expression {
	return Expression{Left: Ref(ref), Op: op, Right: value}
}

// Eq builds ref = value.
func Eq(ref string, value Literal) Expression {
	return Compare(ref, OpEq, value)
}

// And combines operands with AND, dropping nils. It returns nil for no
// operands and the operand itself for one.
func And(operands ...Operand) Operand {
	return combine(OpAnd, operands)
}

// Or combines operands with OR; see And.
func Or(operands ...Operand) Operand {
	return combine(OpOr, operands)
}

func combine(op Operator, operands []Operand) Operand {
	var result Operand
	for _, o := range operands {
		if o == nil {
			continue
		}
		if result == nil {
			result = o
			continue
		}
		result = Expression{Left: result, Op: op, Right: o}
	}
	return result
}

// Conjuncts flattens the top-level AND chain of o.
func Conjuncts(o Operand) []Operand {
	if o == nil {
		return nil
	}
	if e, ok := o.(Expression); ok && e.Op == OpAnd {
		return append(Conjuncts(e.Left), Conjuncts(e.Right)...)
	}
	return []Operand{o}
}
