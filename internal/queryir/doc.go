// Package queryir defines the document query AST consumed by the SQL
// compiler.
//
// A Query selects references from documents of the from-clause types that
// satisfy a boolean predicate tree. References name schema properties
// ("dc:title"), complex property paths ("files/*/name") or pseudo-properties
// ("sys:path", "sys:isProxy"); see the Sys* constants.
//
// SEALED INTERFACES:
//
// Operand and Literal are sealed with marker methods so compilers can type
// switch exhaustively:
//
//	switch o := operand.(type) {
//	case Reference:
//	case Expression:
//	case Not:
//	case Function:
//	case String, Int, Float, Bool, Timestamp, List:
//	}
//
// Queries are built in code or decoded from YAML with Decode. They are not
// mutated by compilation.
package queryir
