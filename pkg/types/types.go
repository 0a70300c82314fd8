// Package types defines shared types used across all Conductor modules.
package types

import "time"

// ═══════════════════════════════════════════════════════════════════════════════
// QUERY TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Query is the immutable input to one orchestration run.
// It is created at ingress and never mutated afterwards.
type Query struct {
	// Text is the raw natural-language request.
	Text string `json:"text"`

	// Context carries caller-supplied key/value context (may be nil).
	Context map[string]string `json:"context,omitempty"`

	// CorrelationID uniquely identifies this request across logs and events.
	CorrelationID string `json:"correlation_id"`

	// ReceivedAt is the ingress timestamp.
	ReceivedAt time.Time `json:"received_at"`
}

// ClassificationResult is the router's verdict for a single query.
// Produced once per query; immutable after creation.
type ClassificationResult struct {
	// Domain is the identifier of the selected domain.
	Domain string `json:"domain"`

	// Confidence is the classifier-reported probability (0.0 to 1.0).
	Confidence float64 `json:"confidence"`

	// Embedding is the query embedding used for classification.
	// Owned by the router; callers must not mutate it.
	Embedding []float32 `json:"-"`

	// CacheHit reports whether the embedding cache served this result.
	CacheHit bool `json:"cache_hit"`

	// Duration is how long classification took.
	Duration time.Duration `json:"duration"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// DOMAIN TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Domain is a registered specialization a query can be routed to.
// Domains are created at registration time and are read-only during
// request processing; many concurrent requests share the same Domain.
type Domain struct {
	// ID is the unique domain identifier (e.g., "finance").
	ID string `json:"id"`

	// Description is the human-readable summary of what the domain handles.
	Description string `json:"description"`

	// Keywords steer fallback scoring and tie-breaking in the router.
	Keywords []string `json:"keywords,omitempty"`

	// Centroid is the optional embedding centroid for routing.
	Centroid []float32 `json:"-"`

	// Model specifies which model backs this domain.
	Model ModelSpec `json:"model"`

	// RetrievalEnabled controls whether context retrieval runs for this domain.
	RetrievalEnabled bool `json:"retrieval_enabled"`

	// SensitiveFields are plan fields that force the reasoning validation stage.
	SensitiveFields []string `json:"sensitive_fields,omitempty"`

	// RegisteredAt orders domains for deterministic tie-breaking.
	RegisteredAt time.Time `json:"registered_at"`
}

// ModelSpec identifies a loadable model and its source.
type ModelSpec struct {
	// Source selects the loader strategy ("local", "ollama", "openai", "anthropic").
	Source string `json:"source"`

	// Ref is the source-specific model reference (path, tag, or API model name).
	Ref string `json:"ref"`

	// Endpoint overrides the default endpoint for server-backed sources.
	Endpoint string `json:"endpoint,omitempty"`

	// MemoryBytes is the estimated resident cost used for cache accounting.
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
}

// Key returns the cache key for this spec.
func (s ModelSpec) Key() string {
	return s.Source + "/" + s.Ref
}

// ═══════════════════════════════════════════════════════════════════════════════
// RETRIEVAL TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// HitScope identifies which store produced a retrieval hit.
type HitScope string

const (
	// ScopeLocal marks hits from the domain-scoped store.
	ScopeLocal HitScope = "local"
	// ScopeGlobal marks hits from the cross-domain store.
	ScopeGlobal HitScope = "global"
)

// RetrievalHit is one context fragment returned by retrieval fusion.
// Hits are ephemeral: they live for a single workflow run and ownership
// transfers to the caller that requested them.
type RetrievalHit struct {
	// Content is the retrieved text fragment.
	Content string `json:"content"`

	// Scope records whether the hit came from the local or global store.
	Scope HitScope `json:"scope"`

	// Score is the store-reported relevance (higher is better).
	Score float64 `json:"score"`

	// SourceID identifies the originating document or record.
	SourceID string `json:"source_id"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// PLAN TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// PlanAction is a single step of a generated plan.
type PlanAction struct {
	// ID orders the action within the plan.
	ID int `json:"id"`

	// Description says what the action does.
	Description string `json:"description"`

	// Field is the declared target field of the action, if any.
	Field string `json:"field,omitempty"`

	// DependsOn lists action IDs that must complete first.
	DependsOn []int `json:"depends_on,omitempty"`
}

// Plan is the structured output of the planning state.
type Plan struct {
	// Domain is the domain the plan was generated for.
	Domain string `json:"domain"`

	// Actions are the ordered plan steps.
	Actions []PlanAction `json:"actions"`

	// Attempt counts plan generations for this request (0-based).
	Attempt int `json:"attempt"`

	// Feedback carries failure reasons from earlier output validations.
	Feedback []string `json:"feedback,omitempty"`
}

// Complex reports whether the plan needs the reasoning validation stage:
// more than one dependent action, or any action touching a sensitive field.
func (p *Plan) Complex(sensitive []string) bool {
	dependent := 0
	for _, a := range p.Actions {
		if len(a.DependsOn) > 0 {
			dependent++
		}
		for _, f := range sensitive {
			if a.Field == f {
				return true
			}
		}
	}
	return dependent > 1
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESULT TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Status is the terminal outcome of a workflow run.
type Status string

const (
	// StatusSuccess means the request completed and produced output.
	StatusSuccess Status = "success"
	// StatusEscalated means confidence was too low to trust automated routing.
	StatusEscalated Status = "escalated"
	// StatusFailed means a stage failed terminally or retries were exhausted.
	StatusFailed Status = "failed"
)

// Result is returned to the caller when a workflow reaches a terminal state.
type Result struct {
	// Status is the terminal outcome.
	Status Status `json:"status"`

	// Output is the generated response (success only).
	Output string `json:"output,omitempty"`

	// Message is a human-readable summary of the outcome.
	Message string `json:"message"`

	// Domain is the routed domain, when classification completed.
	Domain string `json:"domain,omitempty"`

	// Confidence is the classification confidence, when available.
	Confidence float64 `json:"confidence,omitempty"`

	// Retries is the number of plan retries consumed.
	Retries int `json:"retries"`

	// FailureReason is the last validation reason code on failure.
	FailureReason string `json:"failure_reason,omitempty"`

	// CorrelationID ties the result back to the originating query.
	CorrelationID string `json:"correlation_id"`

	// StateHistory lists the states the workflow passed through, in order.
	StateHistory []string `json:"state_history"`

	// LatencyMs is the total wall-clock time for the run.
	LatencyMs float64 `json:"latency_ms"`

	// StageLatencies breaks latency down per workflow state, in milliseconds.
	StageLatencies map[string]float64 `json:"stage_latencies,omitempty"`
}
