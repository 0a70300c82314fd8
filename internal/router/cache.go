package router

import (
	"sync"
	"time"
)

// cachedClassification is one remembered query embedding with its result.
type cachedClassification struct {
	embedding  []float32
	domain     string
	confidence float64
	insertedAt time.Time
}

// CacheStats reports semantic cache counters.
type CacheStats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// embeddingCache remembers recent classifications keyed by embedding.
// Lookup is a linear scan over a bounded set. When full, the oldest entry
// is dropped.
type embeddingCache struct {
	mu        sync.RWMutex
	entries   []cachedClassification
	capacity  int
	threshold float64

	hits   int64
	misses int64
}

func newEmbeddingCache(capacity int, threshold float64) *embeddingCache {
	return &embeddingCache{
		entries:   make([]cachedClassification, 0, capacity),
		capacity:  capacity,
		threshold: threshold,
	}
}

// Lookup returns the cached classification whose embedding is most similar
// to emb, provided the similarity clears the threshold. The hit/miss counter
// update shares the scan's critical section so the counters always describe
// the scans that happened.
func (c *embeddingCache) Lookup(emb []float32) (cachedClassification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best cachedClassification
	bestSim := 0.0
	found := false
	for _, e := range c.entries {
		sim := cosineSimilarity(emb, e.embedding)
		if sim >= c.threshold && sim > bestSim {
			best, bestSim, found = e, sim, true
		}
	}

	if found {
		c.hits++
	} else {
		c.misses++
	}
	return best, found
}

// Insert remembers a classification, evicting the oldest entry when full.
func (c *embeddingCache) Insert(emb []float32, domain string, confidence float64) {
	stored := make([]float32, len(emb))
	copy(stored, emb)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.capacity {
		oldest := 0
		for i, e := range c.entries {
			if e.insertedAt.Before(c.entries[oldest].insertedAt) {
				oldest = i
			}
		}
		c.entries[oldest] = c.entries[len(c.entries)-1]
		c.entries = c.entries[:len(c.entries)-1]
	}

	c.entries = append(c.entries, cachedClassification{
		embedding:  stored,
		domain:     domain,
		confidence: confidence,
		insertedAt: time.Now(),
	})
}

// Stats returns a snapshot of cache counters.
func (c *embeddingCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Size:     len(c.entries),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}
