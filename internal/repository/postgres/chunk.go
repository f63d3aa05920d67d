package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/knoguchi/syllabus/internal/repository"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

// insertBatchSize bounds the rows queued per pgx batch.
const insertBatchSize = 500

const schema = `
	CREATE EXTENSION IF NOT EXISTS vector;
	CREATE TABLE IF NOT EXISTS syllabus_chunks (
		checksum  TEXT    NOT NULL,
		id        INTEGER NOT NULL,
		course_id TEXT    NOT NULL,
		content   TEXT    NOT NULL,
		metadata  JSONB   NOT NULL,
		embedding vector  NOT NULL,
		PRIMARY KEY (checksum, id)
	);
`

// ChunkRepo implements repository.ChunkRepository for one snapshot.
type ChunkRepo struct {
	db       *DB
	checksum string
}

// NewChunkRepo creates a repository scoped to the snapshot identified by checksum.
func NewChunkRepo(db *DB, checksum string) *ChunkRepo {
	return &ChunkRepo{db: db, checksum: checksum}
}

// Migrate creates the pgvector extension and the chunk table.
func (r *ChunkRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create chunk schema: %w", err)
	}
	return nil
}

// Count returns the number of rows stored for the snapshot.
func (r *ChunkRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM syllabus_chunks WHERE checksum = $1`, r.checksum,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Sync replaces the stored snapshot with records inside one transaction and
// drops rows of other snapshots.
func (r *ChunkRepo) Sync(ctx context.Context, records []repository.ChunkRecord) error {
	n, err := r.Count(ctx)
	if err != nil {
		return err
	}
	if n == len(records) {
		slog.Debug("chunk table up to date", "checksum", r.checksum, "rows", n)
		return nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM syllabus_chunks`); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	for start := 0; start < len(records); start += insertBatchSize {
		end := min(start+insertBatchSize, len(records))
		if err := r.insert(ctx, tx, records[start:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	slog.Info("synced chunk table", "checksum", r.checksum, "rows", len(records))
	return nil
}

func (r *ChunkRepo) insert(ctx context.Context, tx pgx.Tx, records []repository.ChunkRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		metadataJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO syllabus_chunks (checksum, id, course_id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6::vector)
		`, r.checksum, rec.ID, rec.CourseID, rec.Content, metadataJSON, pgvector.NewVector(rec.Vector))
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	return nil
}

// SearchIDs returns the k rows among ids closest to query by squared L2
// distance, ties broken by lower id.
func (r *ChunkRepo) SearchIDs(ctx context.Context, query []float32, ids []int, k int) ([]vectorstore.Hit, error) {
	if len(ids) == 0 {
		return nil, vectorstore.ErrEmptyCorpus
	}
	if k <= 0 {
		return nil, nil
	}

	ids64 := make([]int64, len(ids))
	for i, id := range ids {
		ids64[i] = int64(id)
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, embedding <-> $1::vector AS distance
		FROM syllabus_chunks
		WHERE checksum = $2 AND id = ANY($3)
		ORDER BY distance, id
		LIMIT $4
	`, pgvector.NewVector(query), r.checksum, ids64, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var hits []vectorstore.Hit
	for rows.Next() {
		var id int
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hits = append(hits, vectorstore.Hit{ID: id, Distance: float32(distance * distance)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hits: %w", err)
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", r.checksum, repository.ErrNotFound)
	}
	return hits, nil
}

var _ repository.ChunkRepository = (*ChunkRepo)(nil)
