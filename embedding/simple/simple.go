// Package simple implements a deterministic, offline
// reverie.EmbeddingProvider for development and tests.
//
// It is a bag-of-characters projection, not a semantic encoder: texts
// sharing characters land near each other, nothing more. Production
// configurations must reject it.
package simple

import (
	"context"
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/reverie-ai/reverie"
)

// Dimensions of every vector the provider produces.
const Dimensions = 512

// ordinalScale keeps accumulated rune ordinals in a small numeric range
// before normalization.
const ordinalScale = 1.0 / 65536.0

// Provider is a pure function of its input: same text, same vector.
type Provider struct{}

var _ reverie.EmbeddingProvider = (*Provider)(nil)

// NewProvider creates the offline embedding provider.
func NewProvider() *Provider { return &Provider{} }

// Name returns the provider name.
func (*Provider) Name() string { return "simple" }

// Dimensions returns the fixed vector dimension.
func (*Provider) Dimensions() int { return Dimensions }

// Embed encodes each text into a 512-dim L2-normalized vector. Never fails
// and never leaves the process.
func (*Provider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = encode(text)
	}
	return out, nil
}

// encode NFKC-normalizes and lower-cases the text, accumulates scaled rune
// ordinals into buckets, then L2-normalizes.
func encode(text string) []float32 {
	normalized := strings.ToLower(norm.NFKC.String(text))

	vec := make([]float32, Dimensions)
	for i, r := range []rune(normalized) {
		bucket := (int(r) + i) % Dimensions
		vec[bucket] += float32(float64(r) * ordinalScale)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
