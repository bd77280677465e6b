package shape

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kip-d/omnifocus-mcp-sub017/internal/apperr"
)

func TestBuilder_SuccessEnvelopeShape(t *testing.T) {
	b := NewBuilder().WithTotalCount(3)
	env := b.Success("3 tasks due today", []string{"a", "b", "c"}, nil)

	require.True(t, env.Success)
	assert.Equal(t, "3 tasks due today", env.Summary)
	assert.Nil(t, env.Error)
	require.NotNil(t, env.Metadata.TotalCount)
	assert.Equal(t, 3, *env.Metadata.TotalCount)
	assert.False(t, env.Metadata.FromCache)
	assert.GreaterOrEqual(t, env.Metadata.OperationTimeMs, int64(0))
}

func TestBuilder_MarkFromCacheReflectedInMetadata(t *testing.T) {
	env := NewBuilder().MarkFromCache().Success("ok", nil, nil)
	assert.True(t, env.Metadata.FromCache)
}

func TestBuilder_FailureEnvelopeCarriesClosedCode(t *testing.T) {
	err := apperr.New(apperr.CodeNotFound, "task not found").WithSuggestion("check the id")
	env := NewBuilder().Failure(err)

	require.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodeNotFound, env.Error.Code)
	assert.Equal(t, "check the id", env.Error.Suggestion)
	assert.Nil(t, env.Data)
}

func TestBuilder_FailureClassifiesUnknownErrors(t *testing.T) {
	env := NewBuilder().Failure(assertError("boom"))
	require.NotNil(t, env.Error)
	assert.Equal(t, apperr.CodeScriptFailed, env.Error.Code)
}

type plainError string

func (e plainError) Error() string { return string(e) }

func assertError(msg string) error { return plainError(msg) }
