// Package remote implements reverie.EmbeddingProvider over an
// OpenAI-compatible /embeddings API.
//
// Works with OpenAI, ZhipuAI (GLM embedding-3), Jina, Voyage, and any
// other backend that implements the embeddings contract.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/reverie-ai/reverie"
)

const (
	defaultBaseURL    = "https://open.bigmodel.cn/api/paas/v4"
	defaultModel      = "embedding-3"
	defaultDimensions = 1024
)

// Provider implements reverie.EmbeddingProvider over a remote API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
	logger     *slog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL. The /embeddings path is appended
// automatically.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithModel overrides the embedding model name.
func WithModel(m string) Option {
	return func(p *Provider) { p.model = m }
}

// WithDimensions declares the vector dimension the model produces.
// Must match the model; the store's dimension lock catches drift.
func WithDimensions(d int) Option {
	return func(p *Provider) { p.dimensions = d }
}

// WithHTTPClient replaces the HTTP client (default: 30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithName overrides the provider name used in errors and logs.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLogger sets a structured logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

var _ reverie.EmbeddingProvider = (*Provider)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProvider creates a remote embedding provider. With no options it
// targets ZhipuAI's embedding-3 model at 1024 dimensions.
func NewProvider(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		dimensions: defaultDimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
		name:       "remote",
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.name }

// Dimensions returns the configured vector dimension.
func (p *Provider) Dimensions() int { return p.dimensions }

type wireRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type wireResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed sends all texts in one batch request and returns vectors in input
// order.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()

	payload, err := json.Marshal(wireRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &reverie.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: reverie.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var embResp wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(embResp.Data))
	}

	// The API may return vectors out of order; the index field is
	// authoritative.
	sort.Slice(embResp.Data, func(i, j int) bool { return embResp.Data[i].Index < embResp.Data[j].Index })
	out := make([][]float32, len(embResp.Data))
	for i, d := range embResp.Data {
		if len(d.Embedding) != p.dimensions {
			return nil, &reverie.ErrDimensionMismatch{Want: p.dimensions, Got: len(d.Embedding)}
		}
		out[i] = d.Embedding
	}

	p.logger.Debug("embeddings generated",
		"provider", p.name,
		"model", p.model,
		"texts", len(texts),
		"duration", time.Since(start))
	return out, nil
}
