// Package repository defines the persisted form of a corpus snapshot and the
// data access interface the pgvector neighbor source is built on.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

// ErrNotFound is returned when a snapshot has no stored chunks
var ErrNotFound = errors.New("not found")

// ChunkRecord is one chunk row: text, metadata and embedding.
type ChunkRecord struct {
	ID       int
	CourseID string
	Content  string
	Metadata map[string]string
	Vector   []float32
}

// ChunkRepository stores one corpus snapshot per checksum and answers
// id-restricted nearest-neighbor queries against it.
type ChunkRepository interface {
	vectorstore.SubsetSearcher

	// Sync makes the stored snapshot equal to records. It is a no-op when
	// the snapshot already holds the same number of rows.
	Sync(ctx context.Context, records []ChunkRecord) error

	// Count returns the number of rows stored for the snapshot.
	Count(ctx context.Context) (int, error)
}

// Records pairs every chunk of store with its vector in index.
func Records(store *corpus.Store, index *vectorstore.FlatIndex) ([]ChunkRecord, error) {
	if store.Len() != index.Len() {
		return nil, fmt.Errorf("%w: %d chunks, %d vectors", corpus.ErrLengthMismatch, store.Len(), index.Len())
	}

	records := make([]ChunkRecord, store.Len())
	for i, c := range store.Chunks() {
		vec, err := index.Reconstruct(i)
		if err != nil {
			return nil, err
		}
		records[i] = ChunkRecord{
			ID:       c.ID,
			CourseID: c.Metadata.CourseID(),
			Content:  c.Text,
			Metadata: c.Metadata,
			Vector:   vec,
		}
	}
	return records, nil
}
