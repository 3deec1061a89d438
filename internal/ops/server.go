// Package ops exposes the operator HTTP API: index status, worker
// start/stop, explicit rebuild, and search. It is a control surface for
// operators and scripts, not a user-facing document API.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	idxerrors "github.com/notedex/notedex/internal/errors"
	"github.com/notedex/notedex/internal/index"
	"github.com/notedex/notedex/internal/queue"
	"github.com/notedex/notedex/internal/search"
	"github.com/notedex/notedex/internal/store"
)

// RebuildFunc drops and regenerates both stores, then re-enqueues every
// on-disk document. It must not run while the worker does.
type RebuildFunc func(ctx context.Context) error

// Deps holds what the API needs.
type Deps struct {
	Indexer    *index.Indexer
	Worker     *index.Worker
	Queue      *queue.TaskQueue
	Aggregator *search.Aggregator
	Rebuild    RebuildFunc
	Logger     *slog.Logger
}

// Server is the operator HTTP API.
type Server struct {
	deps Deps
	http *http.Server
}

// NewServer builds the API bound to addr. Call Start to serve.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/index", func(r chi.Router) {
		r.Get("/status", s.handleIndexStatus)
		r.Post("/rebuild", s.handleRebuild)
		r.Route("/processor", func(r chi.Router) {
			r.Get("/status", s.handleProcessorStatus)
			r.Post("/start", s.handleProcessorStart)
			r.Post("/stop", s.handleProcessorStop)
		})
	})
	r.Get("/search", s.handleSearch)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.deps.Logger.Info("operator API listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type indexStatusResponse struct {
	TotalDocuments  int              `json:"total_documents"`
	TotalChunks     int              `json:"total_chunks"`
	TotalEmbeddings int              `json:"total_embeddings"`
	PendingTasks    int              `json:"pending_tasks"`
	TaskBreakdown   store.TaskCounts `json:"task_breakdown"`
	RecentFailures  []taskFailure    `json:"recent_failures,omitempty"`
}

type taskFailure struct {
	TaskID       string `json:"task_id"`
	DocumentID   string `json:"document_id"`
	DocumentPath string `json:"document_path"`
	TaskType     string `json:"task_type"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message"`
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.deps.Indexer.Stats(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	counts, err := s.deps.Queue.Counts(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	failed, err := s.deps.Queue.ListFailed(ctx, 10)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := indexStatusResponse{
		TotalDocuments:  stats.Documents,
		TotalChunks:     stats.Chunks,
		TotalEmbeddings: stats.Embeddings,
		PendingTasks:    counts.Pending,
		TaskBreakdown:   counts,
	}
	for _, task := range failed {
		resp.RecentFailures = append(resp.RecentFailures, taskFailure{
			TaskID:       task.ID,
			DocumentID:   task.DocumentID,
			DocumentPath: task.DocumentPath,
			TaskType:     string(task.TaskType),
			RetryCount:   task.RetryCount,
			ErrorMessage: task.ErrorMessage,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcessorStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Worker.Status(r.Context()))
}

type startRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleProcessorStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, idxerrors.Wrap(err, idxerrors.ErrCodeInvalidInput, "invalid request body"))
			return
		}
	}

	started := s.deps.Worker.Start(context.WithoutCancel(r.Context()))
	if !started && !req.Force {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "processor already running"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Worker.Status(r.Context()))
}

func (s *Server) handleProcessorStop(w http.ResponseWriter, r *http.Request) {
	// Blocks until the in-flight task finishes; a document is never
	// left half-indexed across the two stores.
	s.deps.Worker.Stop()
	s.writeJSON(w, http.StatusOK, s.deps.Worker.Status(r.Context()))
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())

	restart := s.deps.Worker.Status(ctx).Running
	s.deps.Worker.Stop()

	if err := s.deps.Rebuild(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	if restart {
		s.deps.Worker.Start(ctx)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	mode, err := search.ParseMode(q.Get("mode"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, idxerrors.Newf(idxerrors.ErrCodeInvalidInput, "invalid limit %q", raw))
			return
		}
	}

	results, err := s.deps.Aggregator.Search(r.Context(), q.Get("q"), mode, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []*search.Result{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"query":   q.Get("q"),
		"mode":    string(mode),
		"results": results,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps coded errors to HTTP statuses: validation errors are
// the caller's fault, everything else is a 5xx.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch idxerrors.CodeOf(err) {
	case idxerrors.ErrCodeQueryTooShort, idxerrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case idxerrors.ErrCodeStoreUnreachable:
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  idxerrors.CodeOf(err),
	})
}
