package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melvynkim/wildduck/internal/model"
)

func tokenize(s string) []string {
	return strings.Fields(s)
}

func TestCompileSimpleANDImplicit(t *testing.T) {
	root, err := Compile(tokenize("SEEN FLAGGED"))
	require.NoError(t, err)
	require.NotNil(t, root.And)
	assert.Len(t, root.And, 2)
}

func TestCompileNotSeen(t *testing.T) {
	root, err := Compile(tokenize("NOT SEEN"))
	require.NoError(t, err)
	require.NotNil(t, root.Not)
	assert.Equal(t, "SEEN", root.Not.Key)

	compiled, err := CompileToQuery(root)
	require.NoError(t, err)
	assert.Contains(t, compiled.Query, "$nor")
}

func TestCompileOr(t *testing.T) {
	root, err := Compile(tokenize("OR SEEN FLAGGED"))
	require.NoError(t, err)
	require.Len(t, root.Or, 2)

	compiled, err := CompileToQuery(root)
	require.NoError(t, err)
	assert.Contains(t, compiled.Query, "$or")
}

func TestCompileHeaderProducesElemMatch(t *testing.T) {
	root, err := Compile([]string{"FROM", "alice@example.com"})
	require.NoError(t, err)
	compiled, err := CompileToQuery(root)
	require.NoError(t, err)
	assert.Contains(t, compiled.Query, "headers")
}

func TestResidualBodyContains(t *testing.T) {
	root, err := Compile([]string{"BODY", "hello"})
	require.NoError(t, err)
	compiled, err := CompileToQuery(root)
	require.NoError(t, err)
	require.NotNil(t, compiled.Residual)

	m := &model.Message{Headers: []model.HeaderField{{Key: "subject", Value: "say hello world"}}}
	assert.True(t, compiled.Residual(m))

	m2 := &model.Message{Headers: []model.HeaderField{{Key: "subject", Value: "goodbye"}}}
	assert.False(t, compiled.Residual(m2))
}

func TestCompileLarger(t *testing.T) {
	root, err := Compile([]string{"LARGER", "100"})
	require.NoError(t, err)
	compiled, err := CompileToQuery(root)
	require.NoError(t, err)
	sizeClause, ok := compiled.Query["size"]
	require.True(t, ok)
	assert.NotNil(t, sizeClause)
}

func TestCompileDateOn(t *testing.T) {
	root, err := Compile([]string{"ON", "1-Jan-2024"})
	require.NoError(t, err)
	compiled, err := CompileToQuery(root)
	require.NoError(t, err)
	assert.Contains(t, compiled.Query, "internaldate")
}

func TestCompileParenGroup(t *testing.T) {
	root, err := Compile(tokenize("( SEEN FLAGGED )"))
	require.NoError(t, err)
	require.NotNil(t, root.And)
	assert.Len(t, root.And, 2)
}
