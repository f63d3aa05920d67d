package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/embedder"
	"github.com/knoguchi/syllabus/internal/ingestion"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

// ErrSummaryNotFound is returned when a summary path is configured but the
// file does not exist.
var ErrSummaryNotFound = errors.New("summary file not found")

// IndexConfig locates the corpus artifacts and their raw inputs.
type IndexConfig struct {
	ChunksPath  string
	IndexPath   string
	SummaryPath string
	CatalogPath string
	RawHTMLDir  string

	// EmbedBatchSize bounds the passages embedded per request.
	EmbedBatchSize int
}

// IndexService loads the chunk list and vector index from disk, building
// and saving whichever is missing or stale.
type IndexService struct {
	config   IndexConfig
	pipeline *ingestion.Pipeline
	passages embedder.Embedder
}

// NewIndexService creates an IndexService. passages embeds chunk text and
// must live in the same vector space as the query embedder.
func NewIndexService(cfg IndexConfig, pipeline *ingestion.Pipeline, passages embedder.Embedder) *IndexService {
	return &IndexService{config: cfg, pipeline: pipeline, passages: passages}
}

// LoadOrBuild returns the corpus and its vector index. Both are read-only
// afterwards. Summaries are attached when a summary path is configured.
func (s *IndexService) LoadOrBuild(ctx context.Context) (*corpus.Store, *vectorstore.FlatIndex, error) {
	store, err := s.loadOrBuildChunks(ctx)
	if err != nil {
		return nil, nil, err
	}

	index, err := s.loadOrBuildIndex(ctx, store)
	if err != nil {
		return nil, nil, err
	}

	if s.config.SummaryPath != "" {
		if err := s.attachSummaries(store); err != nil {
			return nil, nil, err
		}
	}

	slog.Info("corpus ready",
		"chunks", store.Len(),
		"courses", len(store.CourseOrder()),
		"dimension", index.Dimension(),
		"checksum", store.Checksum()[:12],
	)
	return store, index, nil
}

// LoadOrBuildChunks returns only the chunk list, building it if needed.
func (s *IndexService) LoadOrBuildChunks(ctx context.Context) (*corpus.Store, error) {
	return s.loadOrBuildChunks(ctx)
}

func (s *IndexService) loadOrBuildChunks(ctx context.Context) (*corpus.Store, error) {
	if corpus.Exists(s.config.ChunksPath) {
		store, err := corpus.LoadChunks(s.config.ChunksPath)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded chunk list", "path", s.config.ChunksPath, "chunks", store.Len())
		return store, nil
	}

	slog.Info("chunk list not found, building from raw pages",
		"catalog", s.config.CatalogPath,
		"html_dir", s.config.RawHTMLDir,
	)
	catalog, err := ingestion.LoadCatalog(s.config.CatalogPath)
	if err != nil {
		return nil, err
	}
	chunks, _, err := s.pipeline.Build(ctx, catalog, s.config.RawHTMLDir)
	if err != nil {
		return nil, fmt.Errorf("failed to build chunk list: %w", err)
	}

	store, err := corpus.NewStore(chunks)
	if err != nil {
		return nil, err
	}
	if err := corpus.SaveChunks(s.config.ChunksPath, store.Chunks()); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *IndexService) loadOrBuildIndex(ctx context.Context, store *corpus.Store) (*vectorstore.FlatIndex, error) {
	index, err := vectorstore.LoadMatching(s.config.IndexPath, store.Checksum())
	switch {
	case err == nil:
		if index.Len() != store.Len() {
			return nil, fmt.Errorf("%w: %d chunks, %d vectors", corpus.ErrLengthMismatch, store.Len(), index.Len())
		}
		slog.Info("loaded vector index", "path", s.config.IndexPath, "vectors", index.Len())
		return index, nil
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("vector index not found, building", "path", s.config.IndexPath)
	case errors.Is(err, vectorstore.ErrStaleIndex):
		slog.Warn("vector index is stale, rebuilding", "path", s.config.IndexPath, "error", err)
	default:
		return nil, err
	}

	if store.Len() == 0 {
		return nil, vectorstore.ErrEmptyCorpus
	}

	start := time.Now()
	vectors, err := embedder.EmbedAll(ctx, s.passages, store.Texts(), s.config.EmbedBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to embed passages: %w", err)
	}
	index, err = vectorstore.Build(vectors)
	if err != nil {
		return nil, err
	}
	if err := index.Save(s.config.IndexPath, store.Checksum()); err != nil {
		return nil, err
	}

	slog.Info("built vector index",
		"vectors", index.Len(),
		"model", s.passages.ModelName(),
		"duration", time.Since(start),
	)
	return index, nil
}

func (s *IndexService) attachSummaries(store *corpus.Store) error {
	if !corpus.Exists(s.config.SummaryPath) {
		return fmt.Errorf("%w: %s", ErrSummaryNotFound, s.config.SummaryPath)
	}
	summaries, err := corpus.LoadSummaries(s.config.SummaryPath)
	if err != nil {
		return err
	}
	if err := store.AttachSummaries(summaries); err != nil {
		return err
	}
	slog.Info("attached summaries", "path", s.config.SummaryPath, "courses", len(summaries))
	return nil
}
