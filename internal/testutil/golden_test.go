package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSQL(t *testing.T) {
	got := FormatSQL(`SELECT "id" FROM "hierarchy" WHERE "id" = ?`, []any{"doc", int64(2)})
	assert.Equal(t, "SELECT \"id\" FROM \"hierarchy\" WHERE \"id\" = ?\n-- params: [doc 2]\n", got)
}
