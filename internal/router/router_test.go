package router

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/pkg/types"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

type stubClassifier struct {
	scores []Score
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, text string, embedding []float32, domains []types.Domain) ([]Score, error) {
	s.calls++
	return s.scores, s.err
}

func testDomains() []types.Domain {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []types.Domain{
		{ID: "finance", Keywords: []string{"transfer", "account balance"}, RegisteredAt: base},
		{ID: "support", Keywords: []string{"help", "ticket"}, RegisteredAt: base.Add(time.Second)},
		{ID: "billing", Keywords: []string{"invoice", "account"}, RegisteredAt: base.Add(2 * time.Second)},
	}
}

func newTestRouter(embedder Embedder, classifier Classifier) *Router {
	return New(DefaultRouterConfig(), embedder, classifier, testDomains(), zerolog.Nop())
}

func query(text string) *types.Query {
	return &types.Query{Text: text, CorrelationID: "test", ReceivedAt: time.Now()}
}

func TestClassifyArgMax(t *testing.T) {
	cls := &stubClassifier{scores: []Score{
		{Domain: "finance", Probability: 0.91},
		{Domain: "support", Probability: 0.05},
		{Domain: "billing", Probability: 0.04},
	}}
	r := newTestRouter(nil, cls)

	res, err := r.Classify(context.Background(), query("transfer $5000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Domain != "finance" {
		t.Errorf("domain = %q, want finance", res.Domain)
	}
	if res.Confidence != 0.91 {
		t.Errorf("confidence = %v, want 0.91", res.Confidence)
	}
	if res.CacheHit {
		t.Error("fresh classification must not be a cache hit")
	}
}

func TestClassifyTieBreaks(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		scores []Score
		want   string
	}{
		{
			name:  "longer keyword overlap wins",
			query: "what is my account balance",
			scores: []Score{
				// billing matches "account", finance matches the longer
				// "account balance"; both within epsilon.
				{Domain: "finance", Probability: 0.45},
				{Domain: "billing", Probability: 0.46},
				{Domain: "support", Probability: 0.09},
			},
			want: "finance",
		},
		{
			name:  "no keyword signal falls back to latest registration",
			query: "something unrelated",
			scores: []Score{
				{Domain: "finance", Probability: 0.45},
				{Domain: "billing", Probability: 0.45},
				{Domain: "support", Probability: 0.10},
			},
			want: "billing",
		},
		{
			name:  "clear winner ignores tie-break",
			query: "account please",
			scores: []Score{
				{Domain: "finance", Probability: 0.20},
				{Domain: "billing", Probability: 0.70},
				{Domain: "support", Probability: 0.10},
			},
			want: "billing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(nil, &stubClassifier{scores: tt.scores})
			res, err := r.Classify(context.Background(), query(tt.query))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Domain != tt.want {
				t.Errorf("domain = %q, want %q", res.Domain, tt.want)
			}
		})
	}
}

func TestClassifyCacheReuse(t *testing.T) {
	emb := &stubEmbedder{vec: []float32{0.2, 0.8, 0.1}}
	cls := &stubClassifier{scores: []Score{
		{Domain: "finance", Probability: 0.9},
		{Domain: "support", Probability: 0.1},
	}}
	r := newTestRouter(emb, cls)

	first, err := r.Classify(context.Background(), query("transfer $5000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An identical embedding must reuse the cached result without calling
	// the classifier again.
	second, err := r.Classify(context.Background(), query("transfer $5000 now"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.CacheHit {
		t.Error("expected cache hit for identical embedding")
	}
	if second.Domain != first.Domain || second.Confidence != first.Confidence {
		t.Errorf("cached result %s/%v differs from original %s/%v",
			second.Domain, second.Confidence, first.Domain, first.Confidence)
	}
	if cls.calls != 1 {
		t.Errorf("classifier called %d times, want 1", cls.calls)
	}
}

func TestClassifyEmbedderFailureDegrades(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("embedding server down")}
	cls := &stubClassifier{scores: []Score{{Domain: "finance", Probability: 0.9}}}
	r := newTestRouter(emb, cls)

	res, err := r.Classify(context.Background(), query("transfer"))
	if err != nil {
		t.Fatalf("embedder failure must not fail classification: %v", err)
	}
	if res.Domain != "finance" {
		t.Errorf("domain = %q, want finance", res.Domain)
	}
}

func TestClassifyErrors(t *testing.T) {
	t.Run("no domains", func(t *testing.T) {
		r := New(DefaultRouterConfig(), nil, &stubClassifier{}, nil, zerolog.Nop())
		_, err := r.Classify(context.Background(), query("anything"))
		var cerr *ClassificationError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ClassificationError, got %v", err)
		}
	})

	t.Run("no classifier", func(t *testing.T) {
		r := New(DefaultRouterConfig(), nil, nil, testDomains(), zerolog.Nop())
		_, err := r.Classify(context.Background(), query("anything"))
		var cerr *ClassificationError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ClassificationError, got %v", err)
		}
	})

	t.Run("classifier error", func(t *testing.T) {
		r := newTestRouter(nil, &stubClassifier{err: errors.New("model gone")})
		_, err := r.Classify(context.Background(), query("anything"))
		var cerr *ClassificationError
		if !errors.As(err, &cerr) {
			t.Fatalf("expected ClassificationError, got %v", err)
		}
	})
}

func TestEmbeddingCacheEviction(t *testing.T) {
	c := newEmbeddingCache(2, 0.95)

	c.Insert([]float32{1, 0}, "a", 0.9)
	time.Sleep(time.Millisecond)
	c.Insert([]float32{0, 1}, "b", 0.9)
	time.Sleep(time.Millisecond)
	c.Insert([]float32{0.7, 0.7}, "c", 0.9)

	if _, ok := c.Lookup([]float32{1, 0}); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Lookup([]float32{0, 1}); !ok {
		t.Error("newer entry should survive eviction")
	}
	if s := c.Stats(); s.Size != 2 {
		t.Errorf("size = %d, want 2", s.Size)
	}
}

func TestEmbeddingCacheCountersUnderConcurrency(t *testing.T) {
	const (
		workers = 8
		lookups = 100
	)

	c := newEmbeddingCache(4, 0.95)
	c.Insert([]float32{1, 0}, "finance", 0.9)

	hitVec := []float32{1, 0}
	missVec := []float32{0, 1}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < lookups; i++ {
				if i%2 == 0 {
					c.Lookup(hitVec)
				} else {
					c.Lookup(missVec)
				}
			}
		}()
	}
	wg.Wait()

	s := c.Stats()
	total := workers * lookups
	if s.Hits+s.Misses != int64(total) {
		t.Errorf("hits+misses = %d, want %d", s.Hits+s.Misses, total)
	}
	if s.Hits != int64(total/2) {
		t.Errorf("hits = %d, want %d", s.Hits, total/2)
	}
	if s.Misses != int64(total/2) {
		t.Errorf("misses = %d, want %d", s.Misses, total/2)
	}
}

func TestKeywordClassifierDistribution(t *testing.T) {
	cls := NewKeywordClassifier()
	domains := testDomains()

	scores, err := cls.Classify(context.Background(), "please transfer money", nil, domains)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scores) != len(domains) {
		t.Fatalf("got %d scores, want %d", len(scores), len(domains))
	}

	var sum float64
	best := scores[0]
	for _, s := range scores {
		sum += s.Probability
		if s.Probability > best.Probability {
			best = s
		}
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("probabilities sum to %v, want 1.0", sum)
	}
	if best.Domain != "finance" {
		t.Errorf("best domain = %q, want finance", best.Domain)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"mismatched length", []float32{1, 0}, []float32{1}, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
