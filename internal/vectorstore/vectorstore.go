// Package vectorstore provides exact nearest-neighbor indexes over chunk
// embeddings, both in-process and backed by Qdrant.
package vectorstore

import (
	"context"
	"errors"
)

var (
	// ErrEmptyCorpus is returned when an index would contain no vectors.
	ErrEmptyCorpus = errors.New("no vectors to index")

	// ErrDimensionMismatch is returned for ragged input or a query of the wrong size.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrOutOfBounds is returned when an id does not name a stored vector.
	ErrOutOfBounds = errors.New("vector id out of bounds")

	// ErrStaleIndex is returned when a persisted index was built from a different chunk list.
	ErrStaleIndex = errors.New("vector index does not match chunk list")
)

// Hit is one nearest-neighbor result. Distance is squared L2.
type Hit struct {
	ID       int
	Distance float32
}

// Point is a chunk embedding with the course it belongs to.
type Point struct {
	ID       int
	CourseID string
	Vector   []float32
}

// SubsetSearcher finds the nearest neighbors of a query among a fixed set of ids.
// Implementations return hits in ascending distance, restricted to ids.
type SubsetSearcher interface {
	SearchIDs(ctx context.Context, query []float32, ids []int, k int) ([]Hit, error)
}
