package cmd

import (
	"context"
	"log/slog"

	"github.com/notedex/notedex/internal/chunk"
	"github.com/notedex/notedex/internal/config"
	"github.com/notedex/notedex/internal/health"
	"github.com/notedex/notedex/internal/index"
	"github.com/notedex/notedex/internal/lifecycle"
	"github.com/notedex/notedex/internal/logging"
	"github.com/notedex/notedex/internal/model"
	"github.com/notedex/notedex/internal/queue"
	"github.com/notedex/notedex/internal/search"
	"github.com/notedex/notedex/internal/store"
)

// runtime bundles everything a command needs after the startup phase:
// the data-directory lock, open stores, the model provider, and the
// indexing pipeline around them.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	lock     *lifecycle.DirLock
	provider model.Provider
	health   *health.Result
	queue    *queue.TaskQueue
	indexer  *index.Indexer
	worker   *index.Worker
	search   *search.Aggregator

	logCleanup func()
}

// healthOptions maps config onto the startup health phase.
func healthOptions(cfg *config.Config, logger *slog.Logger) health.Options {
	return health.Options{
		MetadataPath:     cfg.MetadataDBPath(),
		DocsDir:          cfg.Paths.DocsDir,
		FTSBackend:       cfg.Index.FTSBackend,
		BlevePath:        cfg.BleveIndexPath(),
		VectorBackend:    vectorBackend(cfg),
		VectorPath:       cfg.VectorIndexPath(),
		QdrantURL:        cfg.Index.QdrantURL,
		QdrantCollection: cfg.Index.QdrantCollection,
		Dimensions:       cfg.Model.Dimensions,
		EmbeddingModel:   embeddingModelName(cfg),
		MaxRetries:       cfg.Queue.MaxRetries,
		Logger:           logger,
	}
}

func vectorBackend(cfg *config.Config) store.VectorBackend {
	return store.VectorBackend(cfg.Index.VectorBackend)
}

// embeddingModelName is what gets recorded in the index state and
// compared on startup; changing it forces a rebuild.
func embeddingModelName(cfg *config.Config) string {
	if cfg.Model.Provider == "heuristic" {
		return "heuristic"
	}
	return cfg.Model.EmbedModel
}

// openRuntime locks the data directory, sets up logging, runs the
// health phase, and wires the indexing pipeline. Callers must defer
// rt.close().
func openRuntime(ctx context.Context, cfg *config.Config, withStderr bool) (*runtime, error) {
	lock := lifecycle.NewDirLock(cfg.Paths.DataDir)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig(cfg.LogFilePath())
	logCfg.Level = cfg.Logging.Level
	logCfg.WriteToStderr = withStderr
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	slog.SetDefault(logger)

	provider, err := model.NewProvider(ctx, model.ProviderConfig{
		Provider:      cfg.Model.Provider,
		OllamaHost:    cfg.Model.OllamaHost,
		GenerateModel: cfg.Model.GenerateModel,
		EmbedModel:    cfg.Model.EmbedModel,
		Dimensions:    cfg.Model.Dimensions,
		Timeout:       cfg.Model.Timeout,
		CacheSize:     cfg.Model.CacheSize,
	})
	if err != nil {
		logCleanup()
		_ = lock.Release()
		return nil, err
	}

	result, err := health.Run(ctx, healthOptions(cfg, logger))
	if err != nil {
		_ = provider.Close()
		logCleanup()
		_ = lock.Release()
		return nil, err
	}

	engine := chunk.NewEngine(provider, chunk.Config{
		MaxChunkChars:      cfg.Chunking.MaxChunkChars,
		OverlapChars:       cfg.Chunking.OverlapChars,
		ContextWindowChars: cfg.Chunking.ContextWindowChars,
	}, logger)

	stores := result.Stores
	q := queue.New(stores.Metadata, queue.Options{MaxRetries: cfg.Queue.MaxRetries, Logger: logger})
	indexer := index.NewIndexer(stores.Metadata, stores.FTS, stores.Vectors, engine, provider, logger)
	worker := index.NewWorker(q, indexer, cfg.Queue.PollInterval, logger)

	aggregator := search.New(stores.Metadata, stores.FTS, stores.Vectors, provider, search.Options{
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		MinQueryLength:      cfg.Search.MinQueryLength,
		MaxResults:          cfg.Search.MaxResults,
		MixedBoost:          cfg.Search.MixedBoost,
		Logger:              logger,
	})

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		lock:       lock,
		provider:   provider,
		health:     result,
		queue:      q,
		indexer:    indexer,
		worker:     worker,
		search:     aggregator,
		logCleanup: logCleanup,
	}, nil
}

// close stops the worker, persists the embedded vector index, and
// releases every handle and the directory lock.
func (rt *runtime) close() {
	rt.worker.Stop()
	rt.saveVectors()
	rt.health.Stores.Close()
	_ = rt.provider.Close()
	rt.logCleanup()
	_ = rt.lock.Release()
}

// saveVectors persists the embedded HNSW index; remote backends persist
// server-side and have nothing to save.
func (rt *runtime) saveVectors() {
	if hnswStore, ok := rt.health.Stores.Vectors.(*store.HNSWStore); ok {
		if err := hnswStore.Save(rt.cfg.VectorIndexPath()); err != nil {
			rt.logger.Error("failed to save vector index", "error", err)
		}
	}
}
