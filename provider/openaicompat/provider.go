// Package openaicompat implements reverie.Provider for any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, ZhipuAI (GLM), DeepSeek, Groq, Together, Mistral,
// Ollama, vLLM, LM Studio, and any other backend that implements the
// /chat/completions contract.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/reverie-ai/reverie"
)

// Provider implements reverie.Provider over an OpenAI-compatible API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	client    *http.Client
	name      string
	maxTokens int
	logger    *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name used in errors and logs
// (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client (default: 60s timeout).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithMaxTokens caps the completion length. Zero leaves the backend default.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// WithLogger sets a structured logger for request timing (default: discard).
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

var _ reverie.Provider = (*Provider)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://open.bigmodel.cn/api/paas/v4", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		name:    "openai",
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// wire types for the chat completions endpoint.

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req reverie.ChatRequest) (reverie.ChatResponse, error) {
	start := time.Now()

	body := wireRequest{Model: p.model, MaxTokens: p.maxTokens}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return reverie.ChatResponse{}, &reverie.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return reverie.ChatResponse{}, &reverie.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return reverie.ChatResponse{}, &reverie.ErrLLM{Provider: p.name, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return reverie.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return reverie.ChatResponse{}, &reverie.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(chatResp.Choices) == 0 {
		return reverie.ChatResponse{}, &reverie.ErrLLM{Provider: p.name, Message: "empty choices in response"}
	}

	p.logger.Debug("chat completion",
		"provider", p.name,
		"model", p.model,
		"input_tokens", chatResp.Usage.PromptTokens,
		"output_tokens", chatResp.Usage.CompletionTokens,
		"duration", time.Since(start))

	return reverie.ChatResponse{
		Content: chatResp.Choices[0].Message.Content,
		Usage: reverie.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		},
	}, nil
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &reverie.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: reverie.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
