package reranker

import (
	"context"
	"fmt"
	"math"

	"github.com/knoguchi/syllabus/internal/embedder"
	"github.com/knoguchi/syllabus/internal/search"
)

// EmbeddingReranker scores candidates by cosine similarity between the query
// embedding and the embedding of each candidate's description.
type EmbeddingReranker struct {
	query   embedder.Embedder
	passage embedder.Embedder
}

// NewEmbeddingReranker uses query for the request text and passage for the
// candidate descriptions. They may be the same embedder with different prefixes.
func NewEmbeddingReranker(query, passage embedder.Embedder) *EmbeddingReranker {
	return &EmbeddingReranker{query: query, passage: passage}
}

// Name returns "embedding".
func (r *EmbeddingReranker) Name() string {
	return "embedding"
}

// Rerank embeds the query and every description and sorts by cosine.
func (r *EmbeddingReranker) Rerank(ctx context.Context, query string, candidates []search.Candidate) ([]search.Candidate, error) {
	if len(candidates) == 0 {
		return []search.Candidate{}, nil
	}

	q, err := r.query.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query for reranking: %w", err)
	}

	docs, err := r.passage.EmbedBatch(ctx, describeAll(candidates))
	if err != nil {
		return nil, fmt.Errorf("failed to embed candidates for reranking: %w", err)
	}
	if len(docs) != len(candidates) {
		return nil, fmt.Errorf("%w: %d embeddings for %d candidates", ErrScoreMismatch, len(docs), len(candidates))
	}

	scores := make([]float32, len(docs))
	for i, d := range docs {
		s, err := cosine(q, d)
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", i, err)
		}
		scores[i] = s
	}

	return apply(candidates, scores)
}

func cosine(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: dimension %d vs %d", ErrScoreMismatch, len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}

var _ Reranker = (*EmbeddingReranker)(nil)
