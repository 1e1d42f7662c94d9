// Package llm provides an OpenAI-compatible chat completion client.
// Per-request parameters (model, temperature, max_tokens) fall back to the
// configured defaults when left at their zero value.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentfi/chatpool/pkg/config"
)

// ErrEmptyResponse is returned when the provider answers without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client defines the interface for communicating with an LLM.
type Client interface {
	// Chat sends a chat completion request. If req.Model is empty the global
	// default is used; likewise for Temperature (0) and MaxTokens (0).
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Roles understood by chat completion providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the input for a chat completion call.
type ChatRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
}

// ChatResponse is the output of a chat completion call.
type ChatResponse struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates u into t.
func (t *TokenUsage) Add(u TokenUsage) {
	t.PromptTokens += u.PromptTokens
	t.CompletionTokens += u.CompletionTokens
	t.TotalTokens += u.TotalTokens
}

// OpenAIClient implements Client using the OpenAI Chat Completions API.
// It is compatible with any provider that exposes the same endpoint shape.
type OpenAIClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	defaults   config.LLMConfig
}

// NewOpenAIClient creates a new OpenAI-compatible LLM client.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		apiURL: apiURL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		defaults: cfg,
	}
}

// Chat sends a chat completion request to the OpenAI-compatible API.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaults.Model
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.defaults.Temperature
	}
	maxTok := req.MaxTokens
	if maxTok == 0 {
		maxTok = c.defaults.MaxTokens
	}

	apiReq := openAIRequest{
		Model:       model,
		Temperature: temp,
		MaxTokens:   maxTok,
		Messages:    req.Messages,
	}

	start := time.Now()
	slog.Debug("llm: chat request",
		slog.String("model", model),
		slog.Int("messages", len(req.Messages)),
	)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("llm: api error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(respBody), 500)),
		)
		return nil, fmt.Errorf("llm: api returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	result := &ChatResponse{
		Content: apiResp.Choices[0].Message.Content,
		Usage:   apiResp.Usage,
	}

	slog.Info("llm: chat response",
		slog.String("model", model),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
		slog.Int("prompt_tokens", result.Usage.PromptTokens),
		slog.Int("completion_tokens", result.Usage.CompletionTokens),
	)

	return result, nil
}

// --- OpenAI API wire types ---

type openAIRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Messages    []Message `json:"messages"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   TokenUsage     `json:"usage"`
}

type openAIChoice struct {
	Message Message `json:"message"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
