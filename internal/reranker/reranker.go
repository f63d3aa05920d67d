// Package reranker reorders retrieved candidates with a second relevance model.
//
// # Trade-offs
//
// Every variant makes one extra external call per query:
//
//   - llm: a chat model scores all candidates 1-10 in one prompt. Slowest,
//     best at reading Japanese syllabus prose.
//   - embedding: cosine between the query and candidate descriptions.
//     Cheap, close to the retriever's own signal.
//   - crossencoder: a dedicated rerank model behind an HTTP endpoint.
//
// A malformed or incomplete score list fails the query. There is no
// padding, truncation or fallback to vector order.
package reranker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/search"
)

// ErrScoreMismatch is returned when a scorer does not return exactly one
// valid score per candidate.
var ErrScoreMismatch = errors.New("reranker returned an invalid score list")

// Reranker defines the interface for re-ranking candidates.
type Reranker interface {
	// Rerank scores every candidate and returns them sorted by Sort.
	// The output is a permutation of the input.
	Rerank(ctx context.Context, query string, candidates []search.Candidate) ([]search.Candidate, error)

	// Name identifies the variant in logs and metrics.
	Name() string
}

// Describe renders candidate idx (0-based) for a scoring prompt:
//
//	1. Course: 民法総則
//	   Details: department: 法学部, schedule: 月1, ...
func Describe(idx int, md corpus.Metadata) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		if k == corpus.KeyCourseID {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	details := make([]string, len(keys))
	for i, k := range keys {
		details[i] = k + ": " + md[k]
	}

	return fmt.Sprintf("%d. Course: %s\n   Details: %s", idx+1, md[corpus.KeyCourseTitle], strings.Join(details, ", "))
}

// Sort orders candidates by score descending, then distance ascending.
// Equal pairs keep their input order.
func Sort(candidates []search.Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Distance < candidates[j].Distance
	})
}

// apply copies candidates, assigns scores by position and sorts.
func apply(candidates []search.Candidate, scores []float32) ([]search.Candidate, error) {
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("%w: %d scores for %d candidates", ErrScoreMismatch, len(scores), len(candidates))
	}

	out := make([]search.Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = scores[i]
	}
	Sort(out)
	return out, nil
}

func describeAll(candidates []search.Candidate) []string {
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = Describe(i, c.Metadata)
	}
	return docs
}
