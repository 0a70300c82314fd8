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

// DefaultOpenAIEndpoint is the hosted OpenAI API base URL.
const DefaultOpenAIEndpoint = "https://api.openai.com/v1"

// remoteHandleMemoryBytes is the nominal resident cost of an API-backed
// handle. Remote models consume no local memory, but the cache still needs a
// nonzero cost so capacity accounting treats every slot uniformly.
const remoteHandleMemoryBytes = 1 << 20

// OpenAILoader creates handles backed by the OpenAI chat completions API.
type OpenAILoader struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewOpenAILoader creates a loader using the given API key.
func NewOpenAILoader(endpoint, apiKey string) *OpenAILoader {
	if endpoint == "" {
		endpoint = DefaultOpenAIEndpoint
	}
	return &OpenAILoader{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// Source returns "openai".
func (l *OpenAILoader) Source() string { return "openai" }

// Load returns a handle for the model named by spec.Ref.
// There is nothing to page in for a hosted model; Load only checks that
// credentials are present so misconfiguration surfaces at load time, not
// mid-workflow.
func (l *OpenAILoader) Load(ctx context.Context, spec types.ModelSpec) (Handle, error) {
	if l.apiKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}
	endpoint := l.endpoint
	if spec.Endpoint != "" {
		endpoint = spec.Endpoint
	}
	return &openaiHandle{
		model:    spec.Ref,
		endpoint: endpoint,
		apiKey:   l.apiKey,
		client:   l.client,
	}, nil
}

type openaiHandle struct {
	model    string
	endpoint string
	apiKey   string
	client   *http.Client
}

func (h *openaiHandle) Name() string       { return "openai/" + h.model }
func (h *openaiHandle) MemoryBytes() int64 { return remoteHandleMemoryBytes }
func (h *openaiHandle) Close() error       { return nil }

// Generate sends one chat completion request.
func (h *openaiHandle) Generate(ctx context.Context, req *GenerateRequest) (*Generation, error) {
	start := time.Now()

	oaReq := openaiChatRequest{Model: h.model}
	if req.System != "" {
		oaReq.Messages = append(oaReq.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	oaReq.Messages = append(oaReq.Messages, openaiMessage{Role: "user", Content: req.Prompt})
	oaReq.MaxTokens = req.MaxTokens
	oaReq.Temperature = req.Temperature

	body, err := json.Marshal(oaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, fmt.Errorf("OpenAI error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var oaResp openaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(oaResp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	return &Generation{
		Text:             oaResp.Choices[0].Message.Content,
		Model:            oaResp.Model,
		PromptTokens:     oaResp.Usage.PromptTokens,
		CompletionTokens: oaResp.Usage.CompletionTokens,
		Duration:         time.Since(start),
		FinishReason:     oaResp.Choices[0].FinishReason,
	}, nil
}

// OpenAI API types
type openaiChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}
