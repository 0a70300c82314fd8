package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/normanking/conductor/pkg/types"
)

// DefaultOllamaEndpoint is used when a spec carries no endpoint.
const DefaultOllamaEndpoint = "http://127.0.0.1:11434"

// OllamaLoader serves models through an Ollama server. The Ollama runtime
// keeps the weights in memory; the handle tracks the model's size from the
// server's tag listing so the cache can account for it.
type OllamaLoader struct {
	endpoint string
	client   *http.Client
}

// NewOllamaLoader creates a loader against the given Ollama endpoint.
func NewOllamaLoader(endpoint string) *OllamaLoader {
	if endpoint == "" {
		endpoint = DefaultOllamaEndpoint
	}
	return &OllamaLoader{
		endpoint: endpoint,
		client: &http.Client{
			// No whole-request timeout: generation time is bounded by the
			// caller's context, not the transport. Header timeout covers
			// cold-start model loading.
			Transport: &http.Transport{
				ResponseHeaderTimeout: 120 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}
}

// Source returns "ollama".
func (l *OllamaLoader) Source() string { return "ollama" }

// Load verifies the model exists on the server and warms it with an empty
// generate call, then returns a handle bound to that model tag.
func (l *OllamaLoader) Load(ctx context.Context, spec types.ModelSpec) (Handle, error) {
	endpoint := l.endpoint
	if spec.Endpoint != "" {
		endpoint = spec.Endpoint
	}

	size, err := l.modelSize(ctx, endpoint, spec.Ref)
	if err != nil {
		return nil, err
	}

	// An empty-prompt generate forces the server to page the model in, so
	// the first real request doesn't eat the cold-start cost.
	warmReq := ollamaGenerateRequest{Model: spec.Ref}
	body, _ := json.Marshal(warmReq)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create warm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("warm model %s: %w", spec.Ref, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("warm model %s: status %d", spec.Ref, resp.StatusCode)
	}

	mem := spec.MemoryBytes
	if mem == 0 {
		mem = size
	}
	return &ollamaHandle{
		model:    spec.Ref,
		endpoint: endpoint,
		client:   l.client,
		memory:   mem,
	}, nil
}

// modelSize looks up the model in the server's tag listing.
func (l *OllamaLoader) modelSize(ctx context.Context, endpoint, model string) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/tags", nil)
	if err != nil {
		return 0, fmt.Errorf("create tags request: %w", err)
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return 0, fmt.Errorf("list models (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return 0, fmt.Errorf("decode tags: %w", err)
	}

	for _, m := range tags.Models {
		if m.Name == model {
			return m.Size, nil
		}
	}
	return 0, fmt.Errorf("model %q not found on %s", model, endpoint)
}

// ollamaHandle is a live binding to one Ollama model.
type ollamaHandle struct {
	model    string
	endpoint string
	client   *http.Client
	memory   int64
}

func (h *ollamaHandle) Name() string       { return "ollama/" + h.model }
func (h *ollamaHandle) MemoryBytes() int64 { return h.memory }

// Close asks the server to unload the model by setting keep_alive to zero.
func (h *ollamaHandle) Close() error {
	req := ollamaGenerateRequest{Model: h.model, KeepAlive: "0"}
	body, _ := json.Marshal(req)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("unload model %s: %w", h.model, err)
	}
	resp.Body.Close()
	return nil
}

// Generate runs one non-streaming completion.
func (h *ollamaHandle) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	start := time.Now()

	genReq := ollamaGenerateRequest{
		Model:  h.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	}
	if req.MaxTokens > 0 {
		genReq.Options.NumPredict = req.MaxTokens
	}
	genReq.Options.Temperature = req.Temperature

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var genResp struct {
		Response        string `json:"response"`
		Model           string `json:"model"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
		DoneReason      string `json:"done_reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Generation{
		Text:             genResp.Response,
		Model:            genResp.Model,
		PromptTokens:     genResp.PromptEvalCount,
		CompletionTokens: genResp.EvalCount,
		Duration:         time.Since(start),
		FinishReason:     genResp.DoneReason,
	}, nil
}

// Ollama API types
type ollamaGenerateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	System    string `json:"system,omitempty"`
	Stream    bool   `json:"stream"`
	KeepAlive string `json:"keep_alive,omitempty"`
	Options   struct {
		Temperature float64 `json:"temperature,omitempty"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options,omitempty"`
}
