package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/embedder"
	"github.com/knoguchi/syllabus/internal/reranker"
	"github.com/knoguchi/syllabus/internal/search"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

// DefaultTopK is the number of courses returned when a query does not say.
const DefaultTopK = 10

// ErrEmptyQuery is returned for a query with no text.
var ErrEmptyQuery = errors.New("query text is empty")

// IsInputError reports whether err was caused by the caller's request.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptyQuery) ||
		errors.Is(err, search.ErrInvalidTopK) ||
		errors.Is(err, search.ErrInvalidFilter)
}

// Query is one search request. A zero TopK means the service default.
type Query struct {
	Text   string        `json:"text"`
	Filter search.Filter `json:"metadata_filter"`
	TopK   int           `json:"top_k,omitempty"`
}

// ResultItem is one returned course.
type ResultItem struct {
	Distance float32         `json:"distance"`
	Score    float32         `json:"score"`
	Metadata corpus.Metadata `json:"metadata"`
}

// Result is the ranked answer to one query.
type Result struct {
	Query   string       `json:"query"`
	Results []ResultItem `json:"results"`
}

// SearchService runs the query pipeline: embed, filter, retrieve with one
// chunk per course, rerank. It holds no per-request state.
type SearchService struct {
	searcher       *search.Searcher
	embedder       embedder.Embedder
	reranker       reranker.Reranker
	defaultTopK    int
	embedBatchSize int
	outputPath     string
}

// SearchServiceOption is a functional option for configuring SearchService.
type SearchServiceOption func(*SearchService)

// WithDefaultTopK sets the result count used when a query leaves TopK zero.
func WithDefaultTopK(k int) SearchServiceOption {
	return func(s *SearchService) {
		if k > 0 {
			s.defaultTopK = k
		}
	}
}

// WithOutputPath makes SearchAll persist its results as JSON at path.
func WithOutputPath(path string) SearchServiceOption {
	return func(s *SearchService) {
		s.outputPath = path
	}
}

// WithEmbedBatchSize bounds the query texts embedded per request in SearchAll.
func WithEmbedBatchSize(n int) SearchServiceOption {
	return func(s *SearchService) {
		s.embedBatchSize = n
	}
}

// NewSearchService creates a SearchService. queryEmbedder must produce
// vectors in the same space as source.
func NewSearchService(
	store *corpus.Store,
	source vectorstore.SubsetSearcher,
	queryEmbedder embedder.Embedder,
	rr reranker.Reranker,
	opts ...SearchServiceOption,
) *SearchService {
	s := &SearchService{
		searcher:    search.NewSearcher(store, source),
		embedder:    queryEmbedder,
		reranker:    rr,
		defaultTopK: DefaultTopK,
	}
	for _, opt := range opts {
		opt(s)
	}
	corpusChunks.Set(float64(store.Len()))
	return s
}

// Search answers a single query.
func (s *SearchService) Search(ctx context.Context, q Query) (result *Result, err error) {
	defer func() { countQuery(err) }()

	q, err = s.validate(q)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vector, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	observeStage(stageEmbed, start)

	return s.run(ctx, q, vector)
}

// SearchAll answers queries in order, embedding their texts in batches. The
// whole list fails if any query fails. With an output path configured the
// results are written there as a JSON array.
func (s *SearchService) SearchAll(ctx context.Context, queries []Query) ([]*Result, error) {
	validated := make([]Query, len(queries))
	texts := make([]string, len(queries))
	for i := range queries {
		q, err := s.validate(queries[i])
		if err != nil {
			countQuery(err)
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		validated[i] = q
		texts[i] = q.Text
	}

	start := time.Now()
	vectors, err := embedder.EmbedAll(ctx, s.embedder, texts, s.embedBatchSize)
	if err != nil {
		countQuery(err)
		return nil, fmt.Errorf("failed to embed queries: %w", err)
	}
	observeStage(stageEmbed, start)

	results := make([]*Result, len(validated))
	for i, q := range validated {
		res, err := s.run(ctx, q, vectors[i])
		countQuery(err)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		results[i] = res
	}

	if s.outputPath != "" {
		if err := corpus.WriteJSON(s.outputPath, results); err != nil {
			return nil, fmt.Errorf("failed to save results: %w", err)
		}
		slog.Info("saved search results", "path", s.outputPath, "queries", len(results))
	}
	return results, nil
}

func (s *SearchService) validate(q Query) (Query, error) {
	if strings.TrimSpace(q.Text) == "" {
		return q, ErrEmptyQuery
	}
	if q.TopK < 0 {
		return q, fmt.Errorf("%w: %d", search.ErrInvalidTopK, q.TopK)
	}
	if q.TopK == 0 {
		q.TopK = s.defaultTopK
	}
	return q, nil
}

func (s *SearchService) run(ctx context.Context, q Query, vector []float32) (*Result, error) {
	start := time.Now()
	candidates, err := s.searcher.Search(ctx, vector, q.Filter, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	observeStage(stageRetrieve, start)

	if len(candidates) > 0 && s.reranker != nil {
		start = time.Now()
		candidates, err = s.reranker.Rerank(ctx, q.Text, candidates)
		if err != nil {
			return nil, fmt.Errorf("%s rerank failed: %w", s.reranker.Name(), err)
		}
		observeStage(stageRerank, start)
	}

	result := &Result{Query: q.Text, Results: make([]ResultItem, len(candidates))}
	for i, c := range candidates {
		result.Results[i] = ResultItem{
			Distance: c.Distance,
			Score:    c.Score,
			Metadata: c.Metadata,
		}
	}
	resultsReturned.Observe(float64(len(result.Results)))

	slog.Debug("query answered",
		"query", q.Text,
		"filter", q.Filter.String(),
		"top_k", q.TopK,
		"results", len(result.Results),
	)
	return result, nil
}
