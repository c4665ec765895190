package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tabletoplore/lorekeeper/internal/config"
	"github.com/tabletoplore/lorekeeper/internal/embedder"
	"github.com/tabletoplore/lorekeeper/internal/extract"
	"github.com/tabletoplore/lorekeeper/internal/generator"
	"github.com/tabletoplore/lorekeeper/internal/ingestion"
	"github.com/tabletoplore/lorekeeper/internal/llm"
	"github.com/tabletoplore/lorekeeper/internal/queue"
	"github.com/tabletoplore/lorekeeper/internal/repository"
	"github.com/tabletoplore/lorekeeper/internal/repository/postgres"
	"github.com/tabletoplore/lorekeeper/internal/search"
	"github.com/tabletoplore/lorekeeper/internal/server"
	"github.com/tabletoplore/lorekeeper/internal/service"
	"github.com/tabletoplore/lorekeeper/internal/storage"
)

// maintenanceInterval paces stalled-job reclamation and history cleanup.
const maintenanceInterval = 30 * time.Second

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting lorekeeper",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx, cfg.EmbeddingDimension); err != nil {
		return err
	}
	slog.Info("connected to PostgreSQL", "embedding_dimension", cfg.EmbeddingDimension)

	documentRepo := postgres.NewDocumentRepo(db)
	chunkRepo := postgres.NewChunkRepo(db)
	jobRepo := postgres.NewJobRepo(db)

	blobs, err := storage.NewGCSStore(ctx, cfg.StorageBucket)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	defer blobs.Close()
	slog.Info("connected to blob store", "bucket", cfg.StorageBucket)

	paginated, err := extract.NewDocumentAIExtractor(ctx, cfg.DocAIProcessor, cfg.DocAIEndpoint, cfg.PageDelimiter)
	if err != nil {
		return fmt.Errorf("failed to create Document AI extractor: %w", err)
	}
	defer paginated.Close()
	dispatcher := extract.NewDispatcher(
		extract.NewPlainTextExtractor(),
		extract.NewMarkdownExtractor(),
		paginated,
	)

	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:      cfg.OllamaURL,
		Model:        cfg.OllamaEmbeddingModel,
		Dimension:    cfg.EmbeddingDimension,
		BatchSize:    cfg.EmbeddingBatchSize,
		BatchTimeout: cfg.EmbeddingTimeout,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	llmClient := llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaLLMModel, http.DefaultClient)
	slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)

	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{
		TargetTokens:  cfg.ChunkTargetTokens,
		MaxTokens:     cfg.ChunkMaxTokens,
		OverlapTokens: cfg.ChunkOverlapTokens,
	})

	indexQueue := queue.New(ingestion.QueueName, jobRepo, queue.Config{
		MaxAttempts:    cfg.JobMaxAttempts,
		BackoffInitial: cfg.JobBackoffInitial,
		MaxStalled:     cfg.JobMaxStalled,
		KeepCompleted:  cfg.KeepCompletedJobs,
		KeepFailed:     cfg.KeepFailedJobs,
	})
	pipeline := ingestion.NewPipeline(documentRepo, chunkRepo, blobs, dispatcher, chunker, embed, cfg.EmbeddingBatchSize)
	worker := queue.NewWorker(indexQueue, pipeline.Handle, queue.WorkerConfig{
		Concurrency:   cfg.WorkerConcurrency,
		PollInterval:  cfg.QueuePollInterval,
		LeaseDuration: cfg.JobLeaseDuration,
	}, logger)
	worker.Start(ctx)
	slog.Info("started ingestion worker", "concurrency", cfg.WorkerConcurrency)

	go maintenanceLoop(ctx, indexQueue, logger)

	engine := search.NewEngine(chunkRepo, logger)
	documentSvc := service.NewDocumentService(documentRepo, chunkRepo, blobs, indexQueue, logger)
	searchSvc := service.NewSearchService(engine, embed, search.Options{
		Limit:         cfg.SearchDefaultLimit,
		VectorWeight:  cfg.SearchVectorWeight,
		KeywordWeight: cfg.SearchKeywordWeight,
		Language:      cfg.SearchLanguage,
	}, logger)
	gen := generator.New(llmClient, engine, embed, logger)

	handlers := server.NewHandlers(documentSvc, searchSvc, gen, indexQueue, logger)
	httpServer := server.New(server.Config{
		Port:   cfg.HTTPPort,
		Logger: logger,
	}, handlers)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down...")
	if err := worker.Shutdown(30 * time.Second); err != nil {
		slog.Error("worker shutdown incomplete", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("stopped")
	return nil
}

// maintenanceLoop reclaims stalled jobs and trims terminal history.
func maintenanceLoop(ctx context.Context, q *queue.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		requeued, failed, err := q.ReclaimStalled(ctx)
		if err != nil {
			logger.Error("failed to reclaim stalled jobs", "error", err)
		} else if requeued > 0 || failed > 0 {
			logger.Warn("reclaimed stalled jobs", "requeued", requeued, "failed", failed)
		}
		if err := q.TrimHistory(ctx); err != nil {
			logger.Error("failed to trim job history", "error", err)
		}
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ repository.ChunkRepository    = (*postgres.ChunkRepo)(nil)
	_ repository.JobRepository      = (*postgres.JobRepo)(nil)
	_ storage.BlobStore             = (*storage.GCSStore)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ llm.Client                    = (*llm.OllamaClient)(nil)
	_ ingestion.Extractor           = (*extract.Dispatcher)(nil)
)
