package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/syllabus/internal/config"
	"github.com/knoguchi/syllabus/internal/embedder"
	"github.com/knoguchi/syllabus/internal/llm"
	"github.com/knoguchi/syllabus/internal/repository"
	"github.com/knoguchi/syllabus/internal/repository/postgres"
	"github.com/knoguchi/syllabus/internal/reranker"
	"github.com/knoguchi/syllabus/internal/server"
	"github.com/knoguchi/syllabus/internal/service"
	"github.com/knoguchi/syllabus/internal/vectorstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(cfg.NewLogger(os.Stdout))

	slog.Info("starting syllabus search service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"search_method", cfg.SearchMethod,
		"rerank_method", cfg.RerankMethod,
	)

	// Servers come up first so health checks answer while the corpus loads.
	backend := server.NewBackend(cfg.QueryTimeout)
	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
	}, backend)
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
	}, backend)

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	cleanup, err := load(ctx, cfg, backend)
	defer cleanup()
	if err != nil {
		shutdown(httpServer, grpcServer)
		return err
	}
	grpcServer.MarkServing()
	slog.Info("ready to serve queries")

	select {
	case err := <-errCh:
		shutdown(httpServer, grpcServer)
		return err
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	shutdown(httpServer, grpcServer)
	slog.Info("servers stopped")
	return nil
}

// load opens the search service and installs it in backend. The returned
// cleanup is never nil.
func load(ctx context.Context, cfg *config.Config, backend *server.Backend) (func(), error) {
	searchSvc, cleanup, err := service.Open(ctx, cfg)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return cleanup, fmt.Errorf("interrupted while loading: %w", err)
		}
		return cleanup, err
	}
	backend.SetSearcher(searchSvc)
	return cleanup, nil
}

func shutdown(httpServer *server.HTTPServer, grpcServer *server.GRPCServer) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(ctx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ server.Searcher            = (*service.SearchService)(nil)
	_ repository.ChunkRepository = (*postgres.ChunkRepo)(nil)
	_ vectorstore.SubsetSearcher = (*vectorstore.QdrantStore)(nil)
	_ vectorstore.SubsetSearcher = (*vectorstore.FlatIndex)(nil)
	_ embedder.Embedder          = (*embedder.OllamaEmbedder)(nil)
	_ embedder.Embedder          = (*embedder.OpenAIEmbedder)(nil)
	_ llm.LLM                    = (*llm.OllamaClient)(nil)
	_ llm.LLM                    = (*llm.OpenAIClient)(nil)
	_ reranker.Reranker          = (*reranker.LLMReranker)(nil)
	_ reranker.Reranker          = (*reranker.EmbeddingReranker)(nil)
	_ reranker.Reranker          = (*reranker.CrossEncoderReranker)(nil)
)
