package queryir

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in   string
		want Operator
	}{
		{"=", OpEq},
		{"!=", OpNotEq},
		{"not  like", OpNotLike},
		{"ilike", OpILike},
		{"is not null", OpIsNotNull},
		{"StartsWith", OpStartsWith},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			op, err := ParseOperator(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}

	_, err := ParseOperator("~=")
	assert.Error(t, err)
}

func TestOperator_Predicates(t *testing.T) {
	assert.True(t, OpAnd.IsBoolean())
	assert.False(t, OpEq.IsBoolean())
	assert.True(t, OpIsNull.IsUnary())
	assert.True(t, OpNotIn.IsNegative())
	assert.Equal(t, OpIn, OpNotIn.Positive())
	assert.Equal(t, OpEq, OpEq.Positive())
}

func TestLiteral_Values(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	assert.Equal(t, "a", String("a").Value())
	assert.Equal(t, int64(3), Int(3).Value())
	assert.Equal(t, 1.5, Float(1.5).Value())
	assert.Equal(t, true, Bool(true).Value())
	assert.Equal(t, ts.UTC(), Timestamp{Time: ts}.Value())
	assert.Equal(t, []any{"a", int64(1)}, List{String("a"), Int(1)}.Value())
}

func TestAnd_DropsNilAndNests(t *testing.T) {
	assert.Nil(t, And())
	assert.Nil(t, And(nil, nil))

	a := Eq("dc:title", String("a"))
	assert.Equal(t, a, And(nil, a))

	b := Eq("dc:title", String("b"))
	c := Eq("dc:title", String("c"))
	all := And(a, b, c)
	assert.Equal(t, []Operand{a, b, c}, Conjuncts(all))
}

func TestConjuncts_StopsAtOr(t *testing.T) {
	a := Eq("dc:title", String("a"))
	or := Or(Eq("dc:title", String("b")), Eq("dc:title", String("c")))
	assert.Equal(t, []Operand{a, or}, Conjuncts(And(a, or)))
	assert.Nil(t, Conjuncts(nil))
}

func TestOperand_SealedSwitch(t *testing.T) {
	operands := []Operand{
		Ref("dc:title"),
		Eq("dc:title", String("a")),
		Not{Operand: Eq("dc:title", String("a"))},
		Function{Name: "upper"},
		String("a"), Int(1), Float(1), Bool(true), Timestamp{}, List{},
	}
	for _, o := range operands {
		switch o.(type) {
		case Reference, Expression, Not, Function:
		case String, Int, Float, Bool, Timestamp, List:
		default:
			t.Fatalf("unexpected operand %T", o)
		}
	}
}
