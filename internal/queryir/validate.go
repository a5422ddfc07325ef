package queryir

import (
	"fmt"
)

// ValidationResult lists the structural problems of a query.
type ValidationResult struct {
	// Valid is true when Problems is empty.
	Valid bool

	// Problems describes each malformed node.
	Problems []string
}

// Validate checks the shape of q: a non-empty from-clause, operands present
// where operators need them, lists for IN and BETWEEN, and non-negative
// pagination. Whether references and functions are supported is left to
// the compiler.
//
// Validate is a pure function with no side effects.
func Validate(q Query) ValidationResult {
	v := &validator{problems: []string{}}
	v.validateQuery(q)
	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	if len(q.From) == 0 {
		v.addProblem("empty from-clause")
	}
	for _, t := range q.From {
		if t == "" {
			v.addProblem("empty type name in from-clause")
		}
	}
	for _, ref := range q.Select {
		v.validateReference(ref)
	}
	for _, item := range q.OrderBy {
		v.validateReference(item.Ref)
	}
	if q.Limit < 0 {
		v.addProblem("negative limit %d", q.Limit)
	}
	if q.Offset < 0 {
		v.addProblem("negative offset %d", q.Offset)
	}
	if q.Where != nil {
		v.validatePredicate(q.Where)
	}
}

func (v *validator) validateReference(ref Reference) {
	if ref.Name == "" {
		v.addProblem("empty reference")
	}
}

func (v *validator) validatePredicate(o Operand) {
	switch p := o.(type) {
	case Expression:
		v.validateExpression(p)
	case Not:
		if p.Operand == nil {
			v.addProblem("NOT without operand")
			return
		}
		v.validatePredicate(p.Operand)
	case Function:
		// Rejected by the compiler with the function name.
	case nil:
		v.addProblem("missing predicate")
	default:
		v.addProblem("%T is not a predicate", o)
	}
}

func (v *validator) validateExpression(e Expression) {
	if e.Op.IsBoolean() {
		if e.Left == nil || e.Right == nil {
			v.addProblem("%s needs two operands", e.Op)
			return
		}
		v.validatePredicate(e.Left)
		v.validatePredicate(e.Right)
		return
	}

	switch l := e.Left.(type) {
	case Reference:
		v.validateReference(l)
	case Function:
	case nil:
		v.addProblem("%s without left operand", e.Op)
		return
	default:
		v.addProblem("%s: left operand must be a reference, got %T", e.Op, e.Left)
	}

	switch e.Op.Positive() {
	case OpIsNull, OpIsNotNull:
		if e.Right != nil {
			v.addProblem("%s takes no right operand", e.Op)
		}
	case OpIn:
		list, ok := e.Right.(List)
		if !ok || len(list) == 0 {
			v.addProblem("%s needs a non-empty list", e.Op)
		}
	case OpBetween:
		list, ok := e.Right.(List)
		if !ok || len(list) != 2 {
			v.addProblem("%s needs a list of two bounds", e.Op)
		}
	default:
		switch e.Right.(type) {
		case nil:
			v.addProblem("%s without right operand", e.Op)
		case List:
			v.addProblem("%s does not take a list", e.Op)
		}
	}
}
