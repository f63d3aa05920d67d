package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

// Candidate is a retrieved chunk carried through reranking.
type Candidate struct {
	ChunkID  int
	Distance float32
	Score    float32
	Metadata corpus.Metadata
}

// Retriever returns the nearest chunks to a query, at most one per course.
type Retriever struct {
	Store  *corpus.Store
	Source vectorstore.SubsetSearcher
}

// NewRetriever creates a retriever over store using source for neighbor lookups.
func NewRetriever(store *corpus.Store, source vectorstore.SubsetSearcher) *Retriever {
	return &Retriever{Store: store, Source: source}
}

// Retrieve returns up to topK candidates from ids in ascending distance with
// pairwise distinct course ids. It over-fetches topK times the largest
// per-course chunk count so that topK distinct courses are reachable whenever
// the filtered set contains that many.
func (r *Retriever) Retrieve(ctx context.Context, query []float32, ids []int, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}
	maxPer := r.Store.MaxChunksPerCourse()
	if maxPer == 0 {
		return nil, ErrNoCourses
	}
	if len(ids) == 0 {
		return []Candidate{}, nil
	}

	fetch := len(ids)
	if topK <= len(ids)/maxPer {
		fetch = topK * maxPer
	}

	hits, err := r.Source.SearchIDs(ctx, query, ids, fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to search neighbors: %w", err)
	}

	eligible := make(map[string]struct{})
	for _, h := range hits {
		md := r.Store.Metadata(h.ID)
		if md == nil {
			return nil, fmt.Errorf("%w: hit %d (corpus size %d)", vectorstore.ErrOutOfBounds, h.ID, r.Store.Len())
		}
		eligible[md.CourseID()] = struct{}{}
	}

	results := make([]Candidate, 0, min(topK, len(eligible)))
	for _, h := range hits {
		if len(results) == topK {
			break
		}
		md := r.Store.Metadata(h.ID)
		courseID := md.CourseID()
		if _, ok := eligible[courseID]; !ok {
			continue
		}
		delete(eligible, courseID)
		results = append(results, Candidate{
			ChunkID:  h.ID,
			Distance: h.Distance,
			Metadata: md.Clone(),
		})
	}

	slog.Debug("retrieved candidates",
		"filtered", len(ids),
		"fetched", len(hits),
		"results", len(results),
	)
	return results, nil
}

// Searcher applies a metadata filter and then retrieves within the filtered set.
type Searcher struct {
	store     *corpus.Store
	retriever *Retriever
}

// NewSearcher creates a searcher over store.
func NewSearcher(store *corpus.Store, source vectorstore.SubsetSearcher) *Searcher {
	return &Searcher{store: store, retriever: NewRetriever(store, source)}
}

// Search filters the corpus with f and returns up to topK diverse candidates.
// Identical inputs give identical output.
func (s *Searcher) Search(ctx context.Context, query []float32, f Filter, topK int) ([]Candidate, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}

	ids := Apply(f, s.store)
	if len(ids) == 0 {
		slog.Debug("filter matched no chunks", "filter", f.String())
		return []Candidate{}, nil
	}
	return s.retriever.Retrieve(ctx, query, ids, topK)
}
