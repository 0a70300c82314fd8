// Package retrieval augments requests with context from two scopes: a
// per-domain local store and a shared global store. Both are queried in
// parallel and the results are fused into one ranked list. Retrieval is
// best-effort: an empty result set and a degraded single-scope result are
// both valid outcomes, never errors.
package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/conductor/pkg/types"
)

// Default fan-out sizes per scope.
const (
	DefaultLocalK  = 5
	DefaultGlobalK = 3
)

// Store answers ranked lookups against one scope.
type Store interface {
	// Search returns up to k hits for the query. The embedding is the
	// query's vector when available; lexical stores may ignore it.
	Search(ctx context.Context, query string, embedding []float32, k int) ([]types.RetrievalHit, error)
}

// Provider resolves the stores for a request.
type Provider interface {
	// Local returns the store for a domain, or nil when the domain has no
	// local corpus.
	Local(domainID string) Store

	// Global returns the shared cross-domain store.
	Global() Store
}

// Config tunes the fusion engine.
type Config struct {
	LocalK  int
	GlobalK int
}

// Engine fuses local and global retrieval into one ranked context set.
type Engine struct {
	provider Provider
	localK   int
	globalK  int
	log      zerolog.Logger
}

// NewEngine creates a fusion engine over the given provider.
func NewEngine(cfg Config, provider Provider, log zerolog.Logger) *Engine {
	if cfg.LocalK <= 0 {
		cfg.LocalK = DefaultLocalK
	}
	if cfg.GlobalK <= 0 {
		cfg.GlobalK = DefaultGlobalK
	}
	return &Engine{
		provider: provider,
		localK:   cfg.LocalK,
		globalK:  cfg.GlobalK,
		log:      log,
	}
}

// Retrieve queries the domain's local store and the global store in
// parallel and merges the results, ranked by score. Local hits win exact
// score ties. A failing scope degrades to the other scope's results; only
// context cancellation aborts the whole lookup.
func (e *Engine) Retrieve(ctx context.Context, domainID, query string, embedding []float32) ([]types.RetrievalHit, error) {
	start := time.Now()

	local := e.provider.Local(domainID)
	global := e.provider.Global()

	var localHits, globalHits []types.RetrievalHit

	g, gctx := errgroup.WithContext(ctx)
	if local != nil {
		g.Go(func() error {
			hits, err := local.Search(gctx, query, embedding, e.localK)
			if err != nil {
				e.log.Warn().Err(err).Str("domain", domainID).Msg("local retrieval failed, degrading")
				return nil
			}
			localHits = hits
			return nil
		})
	}
	if global != nil {
		g.Go(func() error {
			hits, err := global.Search(gctx, query, embedding, e.globalK)
			if err != nil {
				e.log.Warn().Err(err).Msg("global retrieval failed, degrading")
				return nil
			}
			globalHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := Merge(localHits, globalHits)

	e.log.Debug().
		Str("domain", domainID).
		Int("local", len(localHits)).
		Int("global", len(globalHits)).
		Int("merged", len(merged)).
		Dur("elapsed", time.Since(start)).
		Msg("retrieval complete")

	return merged, nil
}

// Merge fuses hits from both scopes into one list ordered by descending
// score, with local hits ranked above global hits at equal score.
func Merge(local, global []types.RetrievalHit) []types.RetrievalHit {
	merged := make([]types.RetrievalHit, 0, len(local)+len(global))
	for _, h := range local {
		h.Scope = types.ScopeLocal
		merged = append(merged, h)
	}
	for _, h := range global {
		h.Scope = types.ScopeGlobal
		merged = append(merged, h)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Scope == types.ScopeLocal && merged[j].Scope == types.ScopeGlobal
	})
	return merged
}
