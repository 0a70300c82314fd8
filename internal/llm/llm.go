// Package llm provides model loader implementations for Conductor.
// A Loader turns a declarative model spec into a live Handle; handles are
// owned by the resource cache, which bounds how many are resident at once.
// Supports local weights, Ollama, OpenAI, and Anthropic.
package llm

import (
	"context"
	"io"
	"time"

	"github.com/normanking/conductor/pkg/types"
)

// Security limits to prevent unbounded memory usage
const (
	// MaxErrorBodySize limits how much error response body we read (1MB)
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxResponseSize limits total response size (50MB)
	MaxResponseSize = 50 * 1024 * 1024
)

// readLimitedBody reads up to maxBytes from r, returning the bytes read.
func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// GenerateRequest is a single generation call against a loaded model.
type GenerateRequest struct {
	// System sets the model's behavior for this call.
	System string `json:"system,omitempty"`

	// Prompt is the user-facing input.
	Prompt string `json:"prompt"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`
}

// Generation contains a model's response.
type Generation struct {
	Text             string        `json:"text"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// Handle is a live, generation-capable model resource. Handles satisfy the
// resource cache's contract: Name for logging, MemoryBytes for accounting,
// Close for eviction.
type Handle interface {
	// Generate runs one completion against the model.
	Generate(ctx context.Context, req *GenerateRequest) (*Generation, error)

	// Name identifies the underlying model.
	Name() string

	// MemoryBytes is the estimated resident cost of keeping this handle.
	MemoryBytes() int64

	// Close releases the handle. Called by the cache on eviction.
	Close() error
}

// Loader instantiates handles for one model source.
type Loader interface {
	// Load prepares a handle for spec. Implementations verify the model is
	// reachable before returning; a returned handle is ready to generate.
	Load(ctx context.Context, spec types.ModelSpec) (Handle, error)

	// Source returns the spec source this loader serves.
	Source() string
}
