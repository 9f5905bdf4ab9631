// Package api exposes the operator HTTP surface: enqueueing, job lookup,
// queue stats and dead-letter management.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/queue"
)

// Server wires the queue backend behind a chi router.
type Server struct {
	backend  queue.Backend
	enqueuer *queue.Enqueuer
	logger   *zap.Logger
}

func NewServer(backend queue.Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		backend:  backend,
		enqueuer: queue.NewEnqueuer(backend),
		logger:   logger,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Post("/v1/jobs", s.enqueueJob)
	r.Get("/v1/jobs/{id}", s.getJob)
	r.Get("/v1/queues/{name}/stats", s.queueStats)
	r.Get("/v1/dlq", s.listDeadLetters)
	r.Post("/v1/dlq/{id}/requeue", s.requeueDeadLetter)
	return r
}

type enqueueRequest struct {
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	DelaySec    int             `json:"delay_sec"`
	RunAt       *time.Time      `json:"run_at"`
	DedupeKey   string          `json:"dedupe_key"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}
	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}

	opts := []queue.EnqueueOption{}
	if req.Priority != 0 {
		opts = append(opts, queue.WithPriority(req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(req.MaxAttempts))
	}
	if req.RunAt != nil {
		opts = append(opts, queue.WithAvailableAt(*req.RunAt))
	} else if req.DelaySec > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelaySec)*time.Second))
	}
	if req.DedupeKey != "" {
		opts = append(opts, queue.WithDedupeKey(req.DedupeKey))
	}

	id, err := s.enqueuer.Enqueue(r.Context(), req.Queue, req.Type, req.Payload, opts...)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.backend.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Stats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	offset := intQuery(r, "offset", 0)

	dls, err := s.backend.DeadLetters(r.Context(), r.URL.Query().Get("queue"), limit, offset)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if dls == nil {
		dls = []domain.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.backend.Requeue(r.Context(), id); err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.Pending)})
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrDuplicate):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, queue.ErrSerialization):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, queue.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
