// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
)

// Embedder defines the interface for text embedding services.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// KnownDimensions maps embedding model names to their vector size.
var KnownDimensions = map[string]int{
	"nomic-embed-text":               768,
	"mxbai-embed-large":              1024,
	"all-minilm":                     384,
	"snowflake-arctic-embed":         1024,
	"bge-m3":                         1024,
	"intfloat/multilingual-e5-large": 1024,
	"text-embedding-3-small":         1536,
	"text-embedding-3-large":         3072,
	"text-embedding-004":             768,
}

// DimensionFor returns the known dimension for model, or fallback if unknown.
func DimensionFor(model string, fallback int) int {
	if d, ok := KnownDimensions[model]; ok {
		return d
	}
	return fallback
}

// Prefixed prepends a fixed instruction to every text before embedding,
// as E5-style models expect "query: " and "passage: " markers.
type Prefixed struct {
	Embedder
	Prefix string
}

// WithPrefix wraps e so every input is prefixed. An empty prefix returns e.
func WithPrefix(e Embedder, prefix string) Embedder {
	if prefix == "" {
		return e
	}
	return &Prefixed{Embedder: e, Prefix: prefix}
}

// Embed embeds the prefixed text.
func (p *Prefixed) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.Embedder.Embed(ctx, p.Prefix+text)
}

// EmbedBatch embeds the prefixed texts.
func (p *Prefixed) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = p.Prefix + t
	}
	return p.Embedder.EmbedBatch(ctx, prefixed)
}

// EmbedAll embeds texts in batches of batchSize, preserving order.
func EmbedAll(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))

		vectors, err := e.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d-%d: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embedding batch %d-%d returned %d vectors", start, end, len(vectors))
		}
		out = append(out, vectors...)

		slog.Debug("embedded batch", "model", e.ModelName(), "done", end, "total", len(texts))
	}
	return out, nil
}
