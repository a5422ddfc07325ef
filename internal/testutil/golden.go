package testutil

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where golden files live, relative to the package under test.
const GoldenDir = "testdata/golden"

// AssertGoldenSQL compares a statement and its parameters against
// testdata/golden/<name>.golden. Run the tests with -update to regenerate.
func AssertGoldenSQL(t *testing.T, name, sql string, params []any) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(FormatSQL(sql, params)))
}

// FormatSQL renders a statement the way golden files store it.
func FormatSQL(sql string, params []any) string {
	return fmt.Sprintf("%s\n-- params: %v\n", sql, params)
}
