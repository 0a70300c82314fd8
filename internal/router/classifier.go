package router

import (
	"context"
	"strings"

	"github.com/normanking/conductor/pkg/types"
)

// Scoring weights for the keyword classifier.
const (
	// keywordWeight scales lexical evidence per matched keyword character.
	keywordWeight = 1.0

	// centroidWeight scales semantic evidence from the domain centroid.
	centroidWeight = 8.0

	// baseScore keeps the distribution defined when nothing matches.
	baseScore = 0.1
)

// KeywordClassifier scores domains by lexical keyword overlap plus, when a
// query embedding and domain centroids are available, cosine similarity to
// the centroid. Scores are normalized into a probability distribution, so a
// query matching nothing yields a flat, low-confidence distribution that
// the workflow's threshold check turns into an escalation.
type KeywordClassifier struct{}

// NewKeywordClassifier creates the built-in classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify produces a probability distribution over domains.
func (c *KeywordClassifier) Classify(ctx context.Context, text string, embedding []float32, domains []types.Domain) ([]Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw := make([]float64, len(domains))
	var total float64
	for i, d := range domains {
		score := baseScore
		score += keywordWeight * float64(keywordEvidence(text, d.Keywords))
		if embedding != nil && len(d.Centroid) == len(embedding) {
			if sim := cosineSimilarity(embedding, d.Centroid); sim > 0 {
				score += centroidWeight * sim
			}
		}
		raw[i] = score
		total += score
	}

	scores := make([]Score, len(domains))
	for i, d := range domains {
		scores[i] = Score{Domain: d.ID, Probability: raw[i] / total}
	}
	return scores, nil
}

// keywordEvidence sums the lengths of all distinct keywords present in the
// query, so multiple and longer matches both push the score up.
func keywordEvidence(text string, keywords []string) int {
	lower := strings.ToLower(text)
	sum := 0
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k != "" && strings.Contains(lower, k) {
			sum += len(k)
		}
	}
	return sum
}
