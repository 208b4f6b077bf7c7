// Package server provides the admin HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bryan-buckman/tootarchive/internal/archive"
	"github.com/bryan-buckman/tootarchive/internal/database"
	"github.com/bryan-buckman/tootarchive/internal/logging"
	"github.com/bryan-buckman/tootarchive/internal/model"
)

// Post listing bounds for /api/posts.
const (
	DefaultPostLimit = 20
	MaxPostLimit     = 200
)

// CycleRunner triggers cycles and reports the last one. *archive.Cycle implements it.
type CycleRunner interface {
	Run(ctx context.Context) (archive.CycleReport, error)
	LastReport() (archive.CycleReport, bool)
}

// Server is the admin HTTP server.
type Server struct {
	db     database.Store
	cycle  CycleRunner
	log    logging.Logger
	router chi.Router
	http   *http.Server
}

// New creates a new server.
func New(db database.Store, cycle CycleRunner, log logging.Logger) *Server {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{db: db, cycle: cycle, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/posts", s.handlePosts)
		r.Post("/sync", s.handleSync)
	})

	s.router = r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.log.Info(context.Background(), "server starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Database  string               `json:"database"`
	Stats     model.Stats          `json:"stats"`
	LastCycle *archive.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "stats failed", err)
		return
	}
	resp := statusResponse{Database: s.db.DatabaseType(), Stats: stats}
	if last, ok := s.cycle.LastReport(); ok {
		resp.LastCycle = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

type postResponse struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	Age            string    `json:"age"`
	Content        string    `json:"content"`
	URL            string    `json:"url"`
	MediaProcessed bool      `json:"media_processed"`
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	limit := DefaultPostLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxPostLimit)
	}

	posts, err := s.db.ListPosts(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list posts failed", err)
		return
	}
	out := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		out = append(out, postResponse{
			ID:             p.ID,
			CreatedAt:      p.CreatedAt,
			Age:            humanize.Time(p.CreatedAt),
			Content:        p.Content,
			URL:            p.URL,
			MediaProcessed: p.MediaProcessed,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type syncResponse struct {
	Status string              `json:"status"`
	Error  string              `json:"error,omitempty"`
	Report archive.CycleReport `json:"report"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.cycle.Run(r.Context())
	switch {
	case errors.Is(err, archive.ErrCycleRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, syncResponse{Status: "failed", Error: err.Error(), Report: report})
	default:
		writeJSON(w, http.StatusOK, syncResponse{Status: "ok", Report: report})
	}
}

// --- Helpers ---

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.log.Error(r.Context(), msg, "error", err, "path", r.URL.Path)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
