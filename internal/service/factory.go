package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/knoguchi/syllabus/internal/config"
	"github.com/knoguchi/syllabus/internal/corpus"
	"github.com/knoguchi/syllabus/internal/embedder"
	"github.com/knoguchi/syllabus/internal/ingestion"
	"github.com/knoguchi/syllabus/internal/llm"
	"github.com/knoguchi/syllabus/internal/repository"
	"github.com/knoguchi/syllabus/internal/repository/postgres"
	"github.com/knoguchi/syllabus/internal/reranker"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

// Embedders returns the query-side and passage-side embedders for the
// configured method. They share one client and differ only in prefix.
func Embedders(cfg *config.Config) (query, passage embedder.Embedder, err error) {
	var base embedder.Embedder
	switch cfg.EmbeddingMethod {
	case config.EmbeddingOllama:
		base = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.EmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
		})
	case config.EmbeddingOpenAI:
		base, err = embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.EmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
		})
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("%w: embedding method %q", config.ErrUnknownMethod, cfg.EmbeddingMethod)
	}

	return embedder.WithPrefix(base, cfg.EmbeddingQueryPrefix),
		embedder.WithPrefix(base, cfg.EmbeddingPassagePrefix),
		nil
}

// NewLLM returns the chat client for the configured provider.
func NewLLM(cfg *config.Config) (llm.LLM, error) {
	switch cfg.LLMProvider {
	case config.LLMOllama:
		return llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
		), nil
	case config.LLMOpenAI:
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAILLMModel)
	default:
		return nil, fmt.Errorf("%w: llm provider %q", config.ErrUnknownMethod, cfg.LLMProvider)
	}
}

// NewReranker returns the reranker for the configured method.
func NewReranker(cfg *config.Config, query, passage embedder.Embedder) (reranker.Reranker, error) {
	switch cfg.RerankMethod {
	case config.RerankLLM:
		client, err := NewLLM(cfg)
		if err != nil {
			return nil, err
		}
		return reranker.NewLLMReranker(client), nil
	case config.RerankEmbedding:
		return reranker.NewEmbeddingReranker(query, passage), nil
	case config.RerankCrossEncoder:
		return reranker.NewCrossEncoderReranker(cfg.CrossEncoderURL,
			reranker.WithCrossEncoderModel(cfg.CrossEncoderModel),
		), nil
	default:
		return nil, fmt.Errorf("%w: rerank method %q", config.ErrUnknownMethod, cfg.RerankMethod)
	}
}

// NewPipeline returns the corpus build pipeline for the configured
// preprocessing settings.
func NewPipeline(cfg *config.Config) (*ingestion.Pipeline, error) {
	chunker, err := ingestion.NewChunker(cfg.ChunkUnit, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	return ingestion.NewPipeline(ingestion.PipelineConfig{
		Method:    cfg.PreprocessMethod,
		Normalize: cfg.Normalize,
		Chunker:   chunker,
	}), nil
}

// NewSource returns the neighbor source for the configured search method.
// External sources are seeded from index on first use. The returned cleanup
// releases any connection and is never nil.
func NewSource(ctx context.Context, cfg *config.Config, store *corpus.Store, index *vectorstore.FlatIndex) (vectorstore.SubsetSearcher, func(), error) {
	noop := func() {}

	switch cfg.SearchMethod {
	case config.SearchFlat:
		return index, noop, nil

	case config.SearchQdrant:
		qs, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, store.Checksum())
		if err != nil {
			return nil, noop, err
		}
		courseIDs := make([]string, store.Len())
		for i, c := range store.Chunks() {
			courseIDs[i] = c.Metadata.CourseID()
		}
		points, err := index.Points(courseIDs)
		if err != nil {
			_ = qs.Close()
			return nil, noop, err
		}
		if err := qs.EnsureCollection(ctx, index.Dimension(), points); err != nil {
			_ = qs.Close()
			return nil, noop, err
		}
		slog.Info("using qdrant neighbor source", "collection", qs.Collection())
		return qs, func() { _ = qs.Close() }, nil

	case config.SearchPgvector:
		db, err := postgres.New(ctx, cfg.DatabaseURL, 0)
		if err != nil {
			return nil, noop, err
		}
		repo := postgres.NewChunkRepo(db, store.Checksum())
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, noop, err
		}
		records, err := repository.Records(store, index)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		if err := repo.Sync(ctx, records); err != nil {
			db.Close()
			return nil, noop, err
		}
		slog.Info("using pgvector neighbor source")
		return repo, db.Close, nil

	default:
		return nil, noop, fmt.Errorf("%w: search method %q", config.ErrUnknownMethod, cfg.SearchMethod)
	}
}

// IndexConfigFrom maps the artifact settings of cfg to an IndexConfig.
func IndexConfigFrom(cfg *config.Config) IndexConfig {
	return IndexConfig{
		ChunksPath:     cfg.ChunksPath(),
		IndexPath:      cfg.IndexPath(),
		SummaryPath:    cfg.SummaryPath,
		CatalogPath:    cfg.CatalogPath,
		RawHTMLDir:     cfg.RawHTMLDir,
		EmbedBatchSize: cfg.EmbeddingBatchSize,
	}
}

// Open loads or builds the corpus and assembles the search service that
// cfg describes. The returned cleanup releases the neighbor source and is
// never nil.
func Open(ctx context.Context, cfg *config.Config, opts ...SearchServiceOption) (*SearchService, func(), error) {
	noop := func() {}

	queryEmbedder, passageEmbedder, err := Embedders(cfg)
	if err != nil {
		return nil, noop, err
	}
	slog.Info("initialized embedder", "method", cfg.EmbeddingMethod, "model", queryEmbedder.ModelName())

	pipeline, err := NewPipeline(cfg)
	if err != nil {
		return nil, noop, err
	}

	store, index, err := NewIndexService(IndexConfigFrom(cfg), pipeline, passageEmbedder).LoadOrBuild(ctx)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to load corpus: %w", err)
	}

	source, cleanup, err := NewSource(ctx, cfg, store, index)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to prepare %s neighbor source: %w", cfg.SearchMethod, err)
	}

	rr, err := NewReranker(cfg, queryEmbedder, passageEmbedder)
	if err != nil {
		return nil, cleanup, err
	}
	slog.Info("initialized reranker", "method", rr.Name())

	opts = append([]SearchServiceOption{
		WithDefaultTopK(cfg.DefaultTopK),
		WithEmbedBatchSize(cfg.EmbeddingBatchSize),
	}, opts...)
	return NewSearchService(store, source, queryEmbedder, rr, opts...), cleanup, nil
}
