package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := New(StorageFailure, "read rows", errors.New("boom")).WithTable("dc")
	err.Subject = "42"
	assert.Equal(t, "STORAGE_FAILURE: read rows (table=dc) [42]: boom", err.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, StorageFailure, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("write: %w", New(TransientOverload, "open", nil))
	assert.Equal(t, TransientOverload, KindOf(wrapped))
	assert.True(t, IsTransientOverload(wrapped))
	assert.False(t, IsConnectionFailure(wrapped))
}

func TestHelpers(t *testing.T) {
	testCases := []struct {
		kind  Kind
		check func(error) bool
	}{
		{ConnectionFailure, IsConnectionFailure},
		{TransientOverload, IsTransientOverload},
		{ConcurrentUpdateConflict, IsConcurrentUpdate},
		{QueryError, IsQueryError},
		{IntegrityAnomaly, IsIntegrityAnomaly},
	}

	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			err := fmt.Errorf("outer: %w", New(tc.kind, "op", nil))
			assert.True(t, tc.check(err))
			assert.False(t, tc.check(errors.New("other")))
		})
	}
}

func TestNewQueryError_Unwraps(t *testing.T) {
	err := NewQueryError("dc:nope", "unknown property %q", "dc:nope")
	assert.True(t, IsQueryError(err))
	assert.Contains(t, err.Error(), `unknown property "dc:nope"`)
	assert.Contains(t, err.Error(), "[dc:nope]")
	assert.NotNil(t, errors.Unwrap(err))
}
