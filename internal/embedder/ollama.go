package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultOllamaBaseURL = "http://localhost:11434"
	DefaultOllamaModel   = "nomic-embed-text"

	// DefaultOllamaChunkSize is the number of inputs sent per /api/embed call.
	DefaultOllamaChunkSize = 32

	// DefaultBatchConcurrency bounds the /api/embed calls in flight.
	DefaultBatchConcurrency = 4
)

// ErrDimensionMismatch is returned when the server answers with vectors of
// a different size than the embedder reports.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// OllamaConfig configures an OllamaEmbedder. Zero values take the defaults
// above; a zero Dimension is looked up in KnownDimensions.
type OllamaConfig struct {
	BaseURL          string
	Model            string
	Dimension        int
	ChunkSize        int
	BatchConcurrency int
	HTTPClient       *http.Client
}

// OllamaEmbedder embeds syllabus chunks and queries with a local Ollama
// server through its batched /api/embed endpoint.
type OllamaEmbedder struct {
	endpoint    string
	model       string
	dimension   int
	chunkSize   int
	concurrency int
	client      *http.Client
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	e := &OllamaEmbedder{
		endpoint:    orDefault(cfg.BaseURL, DefaultOllamaBaseURL) + "/api/embed",
		model:       orDefault(cfg.Model, DefaultOllamaModel),
		dimension:   cfg.Dimension,
		chunkSize:   cfg.ChunkSize,
		concurrency: cfg.BatchConcurrency,
		client:      cfg.HTTPClient,
	}
	if e.dimension <= 0 {
		e.dimension = DimensionFor(e.model, 768)
	}
	if e.chunkSize <= 0 {
		e.chunkSize = DefaultOllamaChunkSize
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultBatchConcurrency
	}
	if e.client == nil {
		e.client = http.DefaultClient
	}
	return e
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Embed embeds a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch splits texts into chunks of chunkSize and embeds them with at
// most concurrency requests in flight. The first failure cancels the rest.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for start := 0; start < len(texts); start += e.chunkSize {
		end := min(start+e.chunkSize, len(texts))
		g.Go(func() error {
			vectors, err := e.embed(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("inputs %d-%d: %w", start, end, err)
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embed issues one /api/embed call and checks the shape of the answer.
func (e *OllamaEmbedder) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: inputs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama embed returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode ollama embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(parsed.Embeddings), len(inputs))
	}
	for i, v := range parsed.Embeddings {
		if len(v) != e.dimension {
			return nil, fmt.Errorf("%w: %s returned %d values at %d, expected %d (set EMBEDDING_DIMENSION)",
				ErrDimensionMismatch, e.model, len(v), i, e.dimension)
		}
	}
	return parsed.Embeddings, nil
}

func (e *OllamaEmbedder) Dimension() int { return e.dimension }

func (e *OllamaEmbedder) ModelName() string { return e.model }

var _ Embedder = (*OllamaEmbedder)(nil)
