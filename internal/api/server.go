// Package api exposes the sync protocol over HTTP. All protocol metadata
// travels in headers; request and response bodies carry only the opaque
// encrypted payloads, which the server never inspects.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/prudhvinik1/tasksync/internal/config"
	"github.com/prudhvinik1/tasksync/internal/engine"
	"github.com/prudhvinik1/tasksync/internal/logging"
)

// Protocol headers.
const (
	HeaderClientID        = "X-Client-Id"
	HeaderVersionID       = "X-Version-Id"
	HeaderParentVersionID = "X-Parent-Version-Id"
	HeaderSnapshotRequest = "X-Snapshot-Request"
)

// Content types for the two payload kinds.
const (
	ContentTypeHistorySegment = "application/vnd.tasksync.history-segment"
	ContentTypeSnapshot       = "application/vnd.tasksync.snapshot"
)

// MaxBodySize caps uploadable payloads at 100 MiB.
const MaxBodySize = 100 << 20

type Server struct {
	config *config.Config
	engine *engine.Engine
	log    logging.Logger
}

func NewServer(cfg *config.Config, eng *engine.Engine, log logging.Logger) *Server {
	return &Server{config: cfg, engine: eng, log: log}
}

// Router builds the chi router with all protocol routes mounted.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tasksync"))
	})
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/v1/client", func(r chi.Router) {
		r.Use(noStore)
		r.Use(s.requireClientID)
		r.Get("/get-child-version/{parentVersionID}", s.handleGetChildVersion)
		r.Post("/add-version/{parentVersionID}", s.handleAddVersion)
		r.Post("/add-snapshot/{versionID}", s.handleAddSnapshot)
		r.Get("/snapshot", s.handleGetSnapshot)
	})

	return router
}

// noStore marks every protocol response uncacheable; version chains move
// under any cache's feet.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, max-age=0")
		next.ServeHTTP(w, r)
	})
}

type contextKey int

const clientIDKey contextKey = 0

// requireClientID authenticates the request by its X-Client-Id header and,
// when an allowlist is configured, enforces it.
func (s *Server) requireClientID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(HeaderClientID)
		if raw == "" {
			http.Error(w, "missing X-Client-Id header", http.StatusBadRequest)
			return
		}
		clientID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid X-Client-Id header", http.StatusBadRequest)
			return
		}
		if !s.config.ClientIDAllowed(clientID) {
			http.Error(w, "client not permitted", http.StatusForbidden)
			return
		}
		ctx := context.WithValue(r.Context(), clientIDKey, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIDFrom(r *http.Request) uuid.UUID {
	return r.Context().Value(clientIDKey).(uuid.UUID)
}
