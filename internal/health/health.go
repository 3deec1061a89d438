// Package health implements the startup state machine deciding whether
// the metadata, full-text, and vector stores can be trusted, repairing
// them when possible, and rebuilding the whole index from disk when not. It runs
// to completion before the task worker starts.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/notedex/notedex/internal/queue"
	"github.com/notedex/notedex/internal/scanner"
	"github.com/notedex/notedex/internal/store"
)

// State is one node of the startup state machine.
type State string

const (
	StateUnknown      State = "unknown"
	StateHealthy      State = "healthy"
	StateNeedsRepair  State = "needs_repair"
	StateNeedsRebuild State = "needs_rebuild"
)

// Report is a one-shot snapshot of store health, consumed once by the
// state machine and never persisted.
type Report struct {
	MetadataStoreReachable bool     `json:"metadata_store_reachable"`
	SchemaComplete         bool     `json:"schema_complete"`
	MissingTables          []string `json:"missing_tables,omitempty"`
	IntegrityOK            bool     `json:"integrity_ok"`
	VectorStoreReachable   bool     `json:"vector_store_reachable"`
	FTSReachable           bool     `json:"fts_reachable"`
	SampleQueryOK          bool     `json:"sample_query_ok"`
	EmbeddingModelMatches  bool     `json:"embedding_model_matches"`
}

// State derives the machine state from a report. Rules apply in order;
// each is a hard precondition for evaluating the next.
func (r Report) State() State {
	if !r.MetadataStoreReachable {
		return StateNeedsRebuild
	}
	if !r.EmbeddingModelMatches {
		return StateNeedsRebuild
	}
	if !r.SchemaComplete {
		return StateNeedsRepair
	}
	if !r.IntegrityOK {
		return StateNeedsRepair
	}
	if !r.VectorStoreReachable {
		return StateNeedsRepair
	}
	if !r.FTSReachable {
		return StateNeedsRepair
	}
	if !r.SampleQueryOK {
		return StateNeedsRepair
	}
	return StateHealthy
}

// Options configures the health run.
type Options struct {
	MetadataPath string
	DocsDir      string

	FTSBackend string
	BlevePath  string

	VectorBackend    store.VectorBackend
	VectorPath       string
	QdrantURL        string
	QdrantCollection string
	Dimensions       int

	// EmbeddingModel is the model the running process will embed with.
	// A stored index built with a different model triggers a rebuild.
	EmbeddingModel string

	// MaxRetries is passed through to the queue used for rebuild
	// enqueues.
	MaxRetries int

	Logger *slog.Logger
}

// Stores holds the handles the health run opens and hands to the rest
// of the process.
type Stores struct {
	Metadata *store.SQLiteStore
	FTS      store.FullTextIndex
	Vectors  store.VectorStore
}

// Close releases every open handle.
func (s *Stores) Close() {
	if s.FTS != nil {
		_ = s.FTS.Close()
	}
	if s.Vectors != nil {
		_ = s.Vectors.Close()
	}
	if s.Metadata != nil {
		_ = s.Metadata.Close()
	}
}

// Result describes what the health run did.
type Result struct {
	InitialState      State
	FinalState        State
	Report            Report
	Repaired          bool
	Rebuilt           bool
	EnqueuedDocuments int
	Stores            Stores
}

// Run evaluates store health and drives the state machine to Healthy:
// repair is attempted at most once, a failed repair escalates to exactly
// one rebuild, and any error on the rebuild path is fatal. On success
// the returned Result carries open store handles ready for use.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger

	result := &Result{InitialState: StateUnknown, FinalState: StateUnknown}

	report, stores := evaluate(ctx, opts)
	state := report.State()
	result.InitialState = state
	result.Report = report
	log.Info("health check complete",
		"state", string(state),
		"metadata_reachable", report.MetadataStoreReachable,
		"schema_complete", report.SchemaComplete,
		"integrity_ok", report.IntegrityOK,
		"vector_reachable", report.VectorStoreReachable)

	if state == StateNeedsRepair {
		repair(ctx, opts, report, &stores, log)
		result.Repaired = true

		stores.Close()
		report, stores = evaluate(ctx, opts)
		state = report.State()
		result.Report = report
		log.Info("post-repair health check", "state", string(state))

		if state != StateHealthy {
			// One repair attempt only; anything still wrong
			// escalates to a rebuild
			state = StateNeedsRebuild
		}
	}

	if state == StateNeedsRebuild {
		stores.Close()
		rebuilt, enqueued, err := rebuild(ctx, opts, log)
		if err != nil {
			return nil, fmt.Errorf("rebuild failed: %w", err)
		}
		result.Rebuilt = true
		result.EnqueuedDocuments = enqueued
		stores = *rebuilt

		report = evaluateOpen(ctx, opts, &stores)
		state = report.State()
		result.Report = report
		if state != StateHealthy {
			stores.Close()
			return nil, fmt.Errorf("store unhealthy after rebuild (state %s)", state)
		}
	}

	result.FinalState = state
	result.Stores = stores
	return result, nil
}

// evaluate opens the stores as-is and builds a report. Handles that
// opened successfully are returned even when the report is unhealthy so
// repair can act on them.
func evaluate(ctx context.Context, opts Options) (Report, Stores) {
	var report Report
	var stores Stores

	if _, err := os.Stat(opts.MetadataPath); err != nil {
		return report, stores
	}
	metadata, err := store.OpenSQLiteStoreNoSchema(opts.MetadataPath)
	if err != nil {
		return report, stores
	}
	if _, err := metadata.DB().ExecContext(ctx, "SELECT 1"); err != nil {
		_ = metadata.Close()
		return report, stores
	}
	stores.Metadata = metadata
	report.MetadataStoreReachable = true

	complete, missing, err := metadata.SchemaComplete(ctx)
	if err != nil {
		return report, stores
	}
	report.SchemaComplete = complete
	report.MissingTables = missing

	report.EmbeddingModelMatches = true
	if complete {
		report.IntegrityOK = metadata.CheckIntegrity(ctx) == nil

		if model, err := metadata.GetState(ctx, store.StateKeyEmbeddingModel); err == nil {
			report.EmbeddingModelMatches = model == "" || model == opts.EmbeddingModel
		}
	}

	vectors, err := openVectors(ctx, opts)
	if err == nil {
		stores.Vectors = vectors
		report.VectorStoreReachable = vectors.Healthy(ctx) == nil
	}

	if fts, err := store.NewFullTextIndex(opts.FTSBackend, metadata, opts.BlevePath); err == nil {
		stores.FTS = fts
		report.FTSReachable = true
	}

	if report.SchemaComplete && report.VectorStoreReachable {
		_, docErr := metadata.CountDocuments(ctx)
		_, vecErr := stores.Vectors.Count(ctx)
		report.SampleQueryOK = docErr == nil && vecErr == nil
	}
	return report, stores
}

// evaluateOpen re-checks health using already-open handles, used after a
// rebuild where the fresh stores are authoritative.
func evaluateOpen(ctx context.Context, opts Options, stores *Stores) Report {
	var report Report

	if stores.Metadata == nil {
		return report
	}
	if _, err := stores.Metadata.DB().ExecContext(ctx, "SELECT 1"); err != nil {
		return report
	}
	report.MetadataStoreReachable = true
	report.EmbeddingModelMatches = true

	complete, missing, err := stores.Metadata.SchemaComplete(ctx)
	if err != nil {
		return report
	}
	report.SchemaComplete = complete
	report.MissingTables = missing
	if complete {
		report.IntegrityOK = stores.Metadata.CheckIntegrity(ctx) == nil
	}

	if stores.Vectors != nil {
		report.VectorStoreReachable = stores.Vectors.Healthy(ctx) == nil
	}
	report.FTSReachable = stores.FTS != nil
	if report.SchemaComplete && report.VectorStoreReachable {
		_, docErr := stores.Metadata.CountDocuments(ctx)
		_, vecErr := stores.Vectors.Count(ctx)
		report.SampleQueryOK = docErr == nil && vecErr == nil
	}
	return report
}

// repair applies the targeted fixes the report calls for: create missing
// tables, rebuild SQLite indexes in place, and recreate an unreadable
// vector store. Repair never touches data in intact tables.
func repair(ctx context.Context, opts Options, report Report, stores *Stores, log *slog.Logger) {
	if stores.Metadata != nil {
		if !report.SchemaComplete {
			log.Warn("repairing schema", "missing_tables", report.MissingTables)
			if err := stores.Metadata.CreateMissingTables(ctx); err != nil {
				log.Error("failed to create missing tables", "error", err)
			}
		}
		if report.SchemaComplete && !report.IntegrityOK {
			log.Warn("integrity check failed, rebuilding indexes in place")
			if err := stores.Metadata.ReindexInPlace(ctx); err != nil {
				log.Error("reindex failed", "error", err)
			}
		}
	}

	if !report.VectorStoreReachable {
		// Vectors outside a readable index are not recoverable;
		// recreating loses them, which is partial data loss, not
		// grounds for a full rebuild
		log.Warn("recreating vector store, stored vectors are lost",
			"backend", string(opts.VectorBackend))
		removeVectorFiles(opts)
	}

	if !report.FTSReachable {
		// Unlike vectors, full-text rows regenerate from documents the
		// metadata store already holds
		log.Warn("recreating full-text index", "backend", opts.FTSBackend)
		if stores.FTS != nil {
			_ = stores.FTS.Close()
			stores.FTS = nil
		}
		if opts.FTSBackend == string(store.FTSBackendBleve) {
			_ = os.RemoveAll(opts.BlevePath)
		}
		fts, err := store.NewFullTextIndex(opts.FTSBackend, stores.Metadata, opts.BlevePath)
		if err != nil {
			log.Error("failed to recreate full-text index", "error", err)
			return
		}
		stores.FTS = fts
		if report.SchemaComplete {
			n, err := repopulateFullText(ctx, stores.Metadata, fts)
			if err != nil {
				log.Error("failed to repopulate full-text index", "error", err)
				return
			}
			log.Info("full-text index repopulated", "documents", n)
		}
	}
}

// repopulateFullText reindexes every stored document into a freshly
// created full-text index.
func repopulateFullText(ctx context.Context, metadata *store.SQLiteStore, fts store.FullTextIndex) (int, error) {
	docs, err := metadata.ListDocuments(ctx)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		err := fts.Index(ctx, []*store.FTSDocument{{ID: doc.ID, Title: doc.Title, Content: doc.Content}})
		if err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

// rebuild drops and recreates both stores, then enumerates every on-disk
// document and enqueues full re-index work for each. This is the only
// place a directory scan feeds the queue.
func rebuild(ctx context.Context, opts Options, log *slog.Logger) (*Stores, int, error) {
	log.Warn("rebuilding index from disk", "docs_dir", opts.DocsDir)

	// A corrupt database file would fail to reopen; rebuild starts from
	// nothing either way
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(opts.MetadataPath + suffix)
	}

	metadata, err := store.NewSQLiteStore(opts.MetadataPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open metadata store: %w", err)
	}
	if err := metadata.RecreateSchema(ctx); err != nil {
		_ = metadata.Close()
		return nil, 0, fmt.Errorf("recreate schema: %w", err)
	}

	if opts.FTSBackend == string(store.FTSBackendBleve) {
		_ = os.RemoveAll(opts.BlevePath)
	}

	removeVectorFiles(opts)
	vectors, err := openVectors(ctx, opts)
	if err != nil {
		_ = metadata.Close()
		return nil, 0, fmt.Errorf("open vector store: %w", err)
	}
	if resettable, ok := vectors.(interface{ Reset(context.Context) error }); ok {
		if err := resettable.Reset(ctx); err != nil {
			_ = vectors.Close()
			_ = metadata.Close()
			return nil, 0, fmt.Errorf("reset vector store: %w", err)
		}
	}

	fts, err := store.NewFullTextIndex(opts.FTSBackend, metadata, opts.BlevePath)
	if err != nil {
		_ = vectors.Close()
		_ = metadata.Close()
		return nil, 0, fmt.Errorf("open full-text index: %w", err)
	}

	if err := metadata.SetState(ctx, store.StateKeyEmbeddingModel, opts.EmbeddingModel); err != nil {
		return nil, 0, fmt.Errorf("record embedding model: %w", err)
	}
	if err := metadata.SetState(ctx, store.StateKeyEmbeddingDimensions, strconv.Itoa(opts.Dimensions)); err != nil {
		return nil, 0, fmt.Errorf("record embedding dimensions: %w", err)
	}

	enqueued, err := seedDocuments(ctx, opts, metadata, log)
	if err != nil {
		return nil, 0, err
	}

	return &Stores{Metadata: metadata, FTS: fts, Vectors: vectors}, enqueued, nil
}

// seedDocuments enumerates every on-disk document, saves a fresh record
// for each, and enqueues full re-index work. This is the only place a
// directory scan feeds the queue.
func seedDocuments(ctx context.Context, opts Options, metadata *store.SQLiteStore, log *slog.Logger) (int, error) {
	files, err := scanner.Scan(opts.DocsDir)
	if err != nil {
		return 0, fmt.Errorf("scan documents: %w", err)
	}

	q := queue.New(metadata, queue.Options{MaxRetries: opts.MaxRetries, Logger: log})
	enqueued := 0
	for _, f := range files {
		content, err := scanner.ReadFile(f)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", f.Path, err)
		}
		doc := store.NewDocument(f.Path, content)
		if err := metadata.SaveDocument(ctx, doc); err != nil {
			return 0, fmt.Errorf("save %s: %w", f.Path, err)
		}
		for _, taskType := range []store.TaskType{store.TaskTypeFullTextIndex, store.TaskTypeVectorIndex} {
			if _, err := q.Enqueue(ctx, doc.ID, doc.Path, taskType, 0); err != nil {
				return 0, fmt.Errorf("enqueue %s: %w", f.Path, err)
			}
		}
		enqueued++
	}
	log.Info("rebuild scan complete", "documents", enqueued)
	return enqueued, nil
}

// RebuildInPlace regenerates the index through already-open store
// handles, for an operator-requested rebuild on a running process. The
// schemas are dropped and recreated, every vector is discarded, and the
// document tree is re-enqueued; the handles stay valid throughout.
func RebuildInPlace(ctx context.Context, opts Options, stores *Stores) (int, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Warn("rebuilding index in place", "docs_dir", opts.DocsDir)

	if ids, err := stores.FTS.AllIDs(); err == nil && len(ids) > 0 {
		if err := stores.FTS.Delete(ctx, ids); err != nil {
			return 0, fmt.Errorf("clear full-text index: %w", err)
		}
	}
	if err := stores.Metadata.RecreateSchema(ctx); err != nil {
		return 0, fmt.Errorf("recreate schema: %w", err)
	}
	if resettable, ok := stores.Vectors.(interface{ Reset(context.Context) error }); ok {
		if err := resettable.Reset(ctx); err != nil {
			return 0, fmt.Errorf("reset vector store: %w", err)
		}
	}

	if err := stores.Metadata.SetState(ctx, store.StateKeyEmbeddingModel, opts.EmbeddingModel); err != nil {
		return 0, fmt.Errorf("record embedding model: %w", err)
	}
	if err := stores.Metadata.SetState(ctx, store.StateKeyEmbeddingDimensions, strconv.Itoa(opts.Dimensions)); err != nil {
		return 0, fmt.Errorf("record embedding dimensions: %w", err)
	}

	return seedDocuments(ctx, opts, stores.Metadata, log)
}

func openVectors(ctx context.Context, opts Options) (store.VectorStore, error) {
	return store.NewVectorStore(ctx, opts.VectorBackend, store.VectorStoreConfig{
		Dimensions: opts.Dimensions,
	}, store.VectorFactoryOptions{
		HNSWPath:         opts.VectorPath,
		QdrantURL:        opts.QdrantURL,
		QdrantCollection: opts.QdrantCollection,
	})
}

// removeVectorFiles deletes the on-disk HNSW files so the next open
// starts empty. Remote backends keep their data server-side and are
// reset through the store API instead.
func removeVectorFiles(opts Options) {
	if opts.VectorBackend != store.VectorBackendHNSW && opts.VectorBackend != "" {
		return
	}
	_ = os.Remove(opts.VectorPath)
	_ = os.Remove(opts.VectorPath + ".meta")
}
