package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/pkg/types"
)

func openTestStores(t *testing.T) *SQLiteStores {
	t.Helper()
	s, err := OpenSQLiteStores(filepath.Join(t.TempDir(), "retrieval.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteLocalScopeIsolation(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.AddLocal(ctx, "finance", "doc-1", "wire transfer limits are reviewed quarterly"))
	require.NoError(t, s.AddLocal(ctx, "support", "doc-2", "transfer a ticket to another agent"))
	require.NoError(t, s.AddGlobal(ctx, "doc-3", "company transfer policy overview"))

	hits, err := s.Local("finance").Search(ctx, "transfer", nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "local search must not cross domains or scopes")
	assert.Equal(t, "doc-1", hits[0].SourceID)

	global, err := s.Global().Search(ctx, "transfer", nil, 10)
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, "doc-3", global[0].SourceID)
}

func TestSQLiteSearchRanksAndBounds(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.AddLocal(ctx, "finance", "a", "transfer transfer transfer"))
	require.NoError(t, s.AddLocal(ctx, "finance", "b", "a single transfer mention in a longer unrelated document about budgets"))
	require.NoError(t, s.AddLocal(ctx, "finance", "c", "nothing relevant here at all"))

	hits, err := s.Local("finance").Search(ctx, "transfer", nil, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2, "k bounds the result set")
	assert.Equal(t, "a", hits[0].SourceID, "heavier term frequency ranks first")
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestSQLiteSearchHostileInput(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.AddGlobal(ctx, "a", "quoting and operators"))

	// FTS operator characters in user input must not break the query.
	for _, q := range []string{`"unbalanced`, `NEAR/3 AND`, `col:value`, `   `} {
		_, err := s.Global().Search(ctx, q, nil, 5)
		assert.NoError(t, err, "query %q", q)
	}
}

func TestSQLiteEndToEndFusion(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	require.NoError(t, s.AddLocal(ctx, "finance", "l1", "transfer limits and approvals"))
	require.NoError(t, s.AddGlobal(ctx, "g1", "transfer request form location"))

	e := NewEngine(Config{}, s, zerolog.Nop())
	hits, err := e.Retrieve(ctx, "finance", "transfer", nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	scopes := map[types.HitScope]bool{}
	for _, h := range hits {
		scopes[h.Scope] = true
	}
	assert.True(t, scopes[types.ScopeLocal])
	assert.True(t, scopes[types.ScopeGlobal])
}
