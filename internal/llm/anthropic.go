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

// DefaultAnthropicEndpoint is the hosted Anthropic API base URL.
const DefaultAnthropicEndpoint = "https://api.anthropic.com"

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens applies when a request does not set a limit;
// the messages API requires max_tokens to be present.
const defaultAnthropicMaxTokens = 4096

// AnthropicLoader creates handles backed by the Anthropic messages API.
type AnthropicLoader struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewAnthropicLoader creates a loader using the given API key.
func NewAnthropicLoader(endpoint, apiKey string) *AnthropicLoader {
	if endpoint == "" {
		endpoint = DefaultAnthropicEndpoint
	}
	return &AnthropicLoader{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// Source returns "anthropic".
func (l *AnthropicLoader) Source() string { return "anthropic" }

// Load returns a handle for the model named by spec.Ref.
func (l *AnthropicLoader) Load(ctx context.Context, spec types.ModelSpec) (Handle, error) {
	if l.apiKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}
	endpoint := l.endpoint
	if spec.Endpoint != "" {
		endpoint = spec.Endpoint
	}
	return &anthropicHandle{
		model:    spec.Ref,
		endpoint: endpoint,
		apiKey:   l.apiKey,
		client:   l.client,
	}, nil
}

type anthropicHandle struct {
	model    string
	endpoint string
	apiKey   string
	client   *http.Client
}

func (h *anthropicHandle) Name() string       { return "anthropic/" + h.model }
func (h *anthropicHandle) MemoryBytes() int64 { return remoteHandleMemoryBytes }
func (h *anthropicHandle) Close() error       { return nil }

// Generate sends one messages API request.
func (h *anthropicHandle) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	start := time.Now()

	antReq := anthropicRequest{
		Model:       h.model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.Prompt},
		},
	}
	if antReq.MaxTokens == 0 {
		antReq.MaxTokens = defaultAnthropicMaxTokens
	}

	body, err := json.Marshal(antReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", h.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("Anthropic error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var antResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&antResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content string
	for _, block := range antResp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Generation{
		Text:             content,
		Model:            antResp.Model,
		PromptTokens:     antResp.Usage.InputTokens,
		CompletionTokens: antResp.Usage.OutputTokens,
		Duration:         time.Since(start),
		FinishReason:     antResp.StopReason,
	}, nil
}

// Anthropic API types
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
