package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/pkg/types"
)

type stubStore struct {
	hits []types.RetrievalHit
	err  error
}

func (s *stubStore) Search(ctx context.Context, query string, embedding []float32, k int) ([]types.RetrievalHit, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.hits) > k {
		return s.hits[:k], nil
	}
	return s.hits, nil
}

type stubProvider struct {
	local  map[string]Store
	global Store
}

func (p *stubProvider) Local(domainID string) Store { return p.local[domainID] }
func (p *stubProvider) Global() Store               { return p.global }

func hit(content string, score float64) types.RetrievalHit {
	return types.RetrievalHit{Content: content, Score: score, SourceID: content}
}

func TestMergeOrdering(t *testing.T) {
	local := []types.RetrievalHit{hit("l1", 0.9), hit("l2", 0.5)}
	global := []types.RetrievalHit{hit("g1", 0.7), hit("g2", 0.3)}

	merged := Merge(local, global)

	require.Len(t, merged, 4)
	assert.Equal(t, "l1", merged[0].Content)
	assert.Equal(t, "g1", merged[1].Content)
	assert.Equal(t, "l2", merged[2].Content)
	assert.Equal(t, "g2", merged[3].Content)

	assert.Equal(t, types.ScopeLocal, merged[0].Scope)
	assert.Equal(t, types.ScopeGlobal, merged[1].Scope)
}

func TestMergeTiePrefersLocal(t *testing.T) {
	local := []types.RetrievalHit{hit("l", 0.8)}
	global := []types.RetrievalHit{hit("g", 0.8)}

	merged := Merge(local, global)
	require.Len(t, merged, 2)
	assert.Equal(t, types.ScopeLocal, merged[0].Scope, "local hit must rank above global at equal score")
}

func TestRetrieveFusesBothScopes(t *testing.T) {
	provider := &stubProvider{
		local: map[string]Store{
			"finance": &stubStore{hits: []types.RetrievalHit{
				hit("l1", 0.9), hit("l2", 0.8), hit("l3", 0.7), hit("l4", 0.6), hit("l5", 0.5),
			}},
		},
		global: &stubStore{hits: []types.RetrievalHit{
			hit("g1", 0.85), hit("g2", 0.4), hit("g3", 0.2),
		}},
	}
	e := NewEngine(Config{LocalK: 5, GlobalK: 3}, provider, zerolog.Nop())

	hits, err := e.Retrieve(context.Background(), "finance", "transfer", nil)
	require.NoError(t, err)
	require.Len(t, hits, 8)

	assert.Equal(t, "l1", hits[0].Content)
	assert.Equal(t, "g1", hits[1].Content)

	// Scores never increase down the list.
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestRetrieveDegradesOnStoreFailure(t *testing.T) {
	provider := &stubProvider{
		local: map[string]Store{
			"finance": &stubStore{err: errors.New("index corrupt")},
		},
		global: &stubStore{hits: []types.RetrievalHit{hit("g1", 0.5)}},
	}
	e := NewEngine(Config{}, provider, zerolog.Nop())

	hits, err := e.Retrieve(context.Background(), "finance", "transfer", nil)
	require.NoError(t, err, "one failing scope must not fail retrieval")
	require.Len(t, hits, 1)
	assert.Equal(t, types.ScopeGlobal, hits[0].Scope)
}

func TestRetrieveEmptyIsValid(t *testing.T) {
	provider := &stubProvider{
		local:  map[string]Store{},
		global: &stubStore{},
	}
	e := NewEngine(Config{}, provider, zerolog.Nop())

	hits, err := e.Retrieve(context.Background(), "unknown", "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRetrieveCancellation(t *testing.T) {
	provider := &stubProvider{
		local:  map[string]Store{"finance": &stubStore{hits: []types.RetrievalHit{hit("l", 1)}}},
		global: &stubStore{},
	}
	e := NewEngine(Config{}, provider, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Retrieve(ctx, "finance", "transfer", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
