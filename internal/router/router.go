// Package router classifies incoming queries into registered domains.
// Classification produces a probability distribution over domains; the
// workflow layer compares the winning confidence against its threshold and
// decides whether to proceed or escalate. A semantic cache in front of the
// classifier reuses recent results for near-identical queries.
package router

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/pkg/types"
)

// Defaults for the router.
const (
	// DefaultSimilarityThreshold is the cosine similarity above which a
	// cached classification is reused instead of re-classifying.
	DefaultSimilarityThreshold = 0.95

	// DefaultCacheCapacity bounds the semantic cache.
	DefaultCacheCapacity = 256

	// DefaultTieEpsilon is the confidence gap within which two domains are
	// considered tied.
	DefaultTieEpsilon = 0.02
)

// ClassificationError means no classification could be produced at all,
// as opposed to a low-confidence result, which is a valid outcome.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("router: classification failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("router: classification failed: %s", e.Reason)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Embedder computes an embedding vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Score is one domain's probability in a classification distribution.
type Score struct {
	Domain      string
	Probability float64
}

// Classifier produces a probability distribution over the given domains.
// The embedding is the query's vector when available, nil otherwise.
type Classifier interface {
	Classify(ctx context.Context, text string, embedding []float32, domains []types.Domain) ([]Score, error)
}

// Config tunes the router.
type Config struct {
	CacheCapacity       int
	SimilarityThreshold float64
	TieEpsilon          float64
}

// DefaultRouterConfig returns the default router configuration.
func DefaultRouterConfig() Config {
	return Config{
		CacheCapacity:       DefaultCacheCapacity,
		SimilarityThreshold: DefaultSimilarityThreshold,
		TieEpsilon:          DefaultTieEpsilon,
	}
}

// Router is the intent classification engine.
type Router struct {
	embedder   Embedder
	classifier Classifier
	cache      *embeddingCache
	epsilon    float64
	log        zerolog.Logger

	mu      sync.RWMutex
	domains []types.Domain
}

// New creates a router over the given domains.
// The embedder may be nil; the router then always runs the classifier.
func New(cfg Config, embedder Embedder, classifier Classifier, domains []types.Domain, log zerolog.Logger) *Router {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = DefaultCacheCapacity
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.TieEpsilon <= 0 {
		cfg.TieEpsilon = DefaultTieEpsilon
	}

	r := &Router{
		embedder:   embedder,
		classifier: classifier,
		cache:      newEmbeddingCache(cfg.CacheCapacity, cfg.SimilarityThreshold),
		epsilon:    cfg.TieEpsilon,
		log:        log,
	}
	r.SetDomains(domains)
	return r
}

// SetDomains replaces the registered domain set.
func (r *Router) SetDomains(domains []types.Domain) {
	ds := make([]types.Domain, len(domains))
	copy(ds, domains)
	sort.Slice(ds, func(i, j int) bool { return ds[i].RegisteredAt.Before(ds[j].RegisteredAt) })

	r.mu.Lock()
	r.domains = ds
	r.mu.Unlock()
}

// Domains returns a copy of the registered domains in registration order.
func (r *Router) Domains() []types.Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Domain, len(r.domains))
	copy(out, r.domains)
	return out
}

// Domain returns the registered domain with the given ID.
func (r *Router) Domain(id string) (types.Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.domains {
		if d.ID == id {
			return d, true
		}
	}
	return types.Domain{}, false
}

// Classify assigns the query to a domain.
//
// The semantic cache is consulted first: if a recent query's embedding is
// within the similarity threshold, its result is reused without running the
// classifier. On a miss the classifier produces a distribution; the highest
// probability wins. Domains whose probabilities fall within the tie epsilon
// of the winner are tie-broken by keyword specificity against the raw query
// text, then by most recent registration.
//
// A low-confidence winner is still a valid result; Classify errs only when
// no distribution can be produced.
func (r *Router) Classify(ctx context.Context, q *types.Query) (*types.ClassificationResult, error) {
	start := time.Now()

	domains := r.Domains()
	if len(domains) == 0 {
		return nil, &ClassificationError{Reason: "no domains registered"}
	}
	if r.classifier == nil {
		return nil, &ClassificationError{Reason: "no classifier available"}
	}

	var embedding []float32
	if r.embedder != nil {
		emb, err := r.embedder.Embed(ctx, q.Text)
		if err != nil {
			// Cache miss path still works without a vector.
			r.log.Warn().Err(err).Msg("query embedding failed, skipping cache")
		} else {
			embedding = emb
			if hit, ok := r.cache.Lookup(embedding); ok {
				r.log.Debug().Str("domain", hit.domain).Float64("confidence", hit.confidence).Msg("classification cache hit")
				return &types.ClassificationResult{
					Domain:     hit.domain,
					Confidence: hit.confidence,
					Embedding:  embedding,
					CacheHit:   true,
					Duration:   time.Since(start),
				}, nil
			}
		}
	}

	scores, err := r.classifier.Classify(ctx, q.Text, embedding, domains)
	if err != nil {
		return nil, &ClassificationError{Reason: "classifier error", Err: err}
	}
	if len(scores) == 0 {
		return nil, &ClassificationError{Reason: "classifier returned empty distribution"}
	}

	winner := r.pickWinner(q.Text, scores, domains)

	if embedding != nil {
		r.cache.Insert(embedding, winner.Domain, winner.Probability)
	}

	r.log.Debug().
		Str("domain", winner.Domain).
		Float64("confidence", winner.Probability).
		Dur("elapsed", time.Since(start)).
		Msg("query classified")

	return &types.ClassificationResult{
		Domain:     winner.Domain,
		Confidence: winner.Probability,
		Embedding:  embedding,
		CacheHit:   false,
		Duration:   time.Since(start),
	}, nil
}

// pickWinner selects the top-scoring domain, breaking near-ties first by
// keyword specificity against the query, then by most recent registration.
func (r *Router) pickWinner(query string, scores []Score, domains []types.Domain) Score {
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Probability > best.Probability {
			best = s
		}
	}

	var tied []Score
	for _, s := range scores {
		if best.Probability-s.Probability <= r.epsilon {
			tied = append(tied, s)
		}
	}
	if len(tied) <= 1 {
		return best
	}

	byID := make(map[string]types.Domain, len(domains))
	for _, d := range domains {
		byID[d.ID] = d
	}

	lower := strings.ToLower(query)
	winner := tied[0]
	winnerSpec := keywordSpecificity(lower, byID[winner.Domain].Keywords)
	for _, s := range tied[1:] {
		spec := keywordSpecificity(lower, byID[s.Domain].Keywords)
		switch {
		case spec > winnerSpec:
			winner, winnerSpec = s, spec
		case spec == winnerSpec:
			// Remaining ties go to the most recent registration.
			if byID[s.Domain].RegisteredAt.After(byID[winner.Domain].RegisteredAt) {
				winner, winnerSpec = s, spec
			}
		}
	}
	return winner
}

// keywordSpecificity returns the length of the longest domain keyword found
// in the query text. Longer matches indicate a more specific fit.
func keywordSpecificity(lowerQuery string, keywords []string) int {
	longest := 0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lowerQuery, kw) && len(kw) > longest {
			longest = len(kw)
		}
	}
	return longest
}

// CacheStats reports semantic cache counters.
func (r *Router) CacheStats() CacheStats {
	return r.cache.Stats()
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
