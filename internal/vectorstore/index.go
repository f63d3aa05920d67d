package vectorstore

import (
	"context"
	"fmt"
	"sort"
)

// FlatIndex is an exact L2 index over a dense vector matrix.
// It is immutable after Build and safe for concurrent readers.
type FlatIndex struct {
	dim  int
	n    int
	data []float32 // row-major, n*dim
}

// Build creates an index over vectors. Row i gets id i.
func Build(vectors [][]float32) (*FlatIndex, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyCorpus
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length vector", ErrDimensionMismatch)
	}

	data := make([]float32, 0, len(vectors)*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d values, expected %d", ErrDimensionMismatch, i, len(v), dim)
		}
		data = append(data, v...)
	}

	return &FlatIndex{dim: dim, n: len(vectors), data: data}, nil
}

// Len returns the number of indexed vectors.
func (x *FlatIndex) Len() int {
	return x.n
}

// Dimension returns the vector dimension.
func (x *FlatIndex) Dimension() int {
	return x.dim
}

// Reconstruct returns a copy of the stored vector for id.
func (x *FlatIndex) Reconstruct(id int) ([]float32, error) {
	if id < 0 || id >= x.n {
		return nil, fmt.Errorf("%w: %d (size %d)", ErrOutOfBounds, id, x.n)
	}
	out := make([]float32, x.dim)
	copy(out, x.row(id))
	return out, nil
}

// Search returns the k nearest vectors to query in ascending distance.
// Ties are broken by lower id. k is clamped to Len().
func (x *FlatIndex) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d values, index has %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	hits := make([]Hit, x.n)
	for i := 0; i < x.n; i++ {
		hits[i] = Hit{ID: i, Distance: squaredL2(query, x.row(i))}
	}
	return topK(hits, k), nil
}

// SearchSubset searches only the vectors named by ids. Hits carry the
// original ids. An empty id set is rejected.
func (x *FlatIndex) SearchSubset(query []float32, k int, ids []int) ([]Hit, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyCorpus
	}

	vectors := make([][]float32, len(ids))
	for i, id := range ids {
		if id < 0 || id >= x.n {
			return nil, fmt.Errorf("%w: %d (size %d)", ErrOutOfBounds, id, x.n)
		}
		vectors[i] = x.row(id)
	}

	sub, err := Build(vectors)
	if err != nil {
		return nil, err
	}

	if len(query) != sub.dim {
		return nil, fmt.Errorf("%w: query has %d values, index has %d", ErrDimensionMismatch, len(query), sub.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	// Sub-index positions follow ids order, which may not be ascending, so
	// ties are resolved on the original ids before truncating.
	hits := make([]Hit, sub.n)
	for i := 0; i < sub.n; i++ {
		hits[i] = Hit{ID: ids[i], Distance: squaredL2(query, sub.row(i))}
	}
	return topK(hits, k), nil
}

// SearchIDs adapts SearchSubset to SubsetSearcher.
func (x *FlatIndex) SearchIDs(_ context.Context, query []float32, ids []int, k int) ([]Hit, error) {
	return x.SearchSubset(query, k, ids)
}

// Points pairs every stored vector with its course id for export to an
// external store. courseIDs must have Len() entries.
func (x *FlatIndex) Points(courseIDs []string) ([]Point, error) {
	if len(courseIDs) != x.n {
		return nil, fmt.Errorf("%w: %d course ids for %d vectors", ErrOutOfBounds, len(courseIDs), x.n)
	}
	points := make([]Point, x.n)
	for i := range points {
		points[i] = Point{ID: i, CourseID: courseIDs[i], Vector: x.row(i)}
	}
	return points, nil
}

func (x *FlatIndex) row(id int) []float32 {
	return x.data[id*x.dim : (id+1)*x.dim]
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
}

func topK(hits []Hit, k int) []Hit {
	sortHits(hits)
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

var _ SubsetSearcher = (*FlatIndex)(nil)
