// Package server is a thin HTTP surface over the retrieval core: it exposes
// submitDocument/documentStatus/answer/rateAnswer as a convenience wrapper
// for cmd/academe. It is not part of the tested core — every handler is a
// direct pass-through to internal/ingest, internal/background,
// internal/orchestrator, and internal/database.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/Klarline/academe/internal/background"
	"github.com/Klarline/academe/internal/concurrency"
	"github.com/Klarline/academe/internal/config"
	"github.com/Klarline/academe/internal/database"
	"github.com/Klarline/academe/internal/orchestrator"
)

// Server wires the HTTP transport to the ingestion pool, the answer
// orchestrator, and the document/feedback store.
type Server struct {
	pool    *background.Pool
	orch    *orchestrator.Orchestrator
	store   database.ChunkStore
	gate    *concurrency.RetrievalGate
	cfg     config.ServerConfig
	deadline config.DeadlineConfig
	log     *logrus.Entry
	httpSrv *http.Server
}

func NewServer(pool *background.Pool, orch *orchestrator.Orchestrator, store database.ChunkStore, gate *concurrency.RetrievalGate, cfg config.ServerConfig, deadlines config.DeadlineConfig, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	return &Server{pool: pool, orch: orch, store: store, gate: gate, cfg: cfg, deadline: deadlines, log: log.WithField("component", "server")}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/documents", s.handleSubmitDocument)
		r.Get("/documents/{id}", s.handleDocumentStatus)
		r.Post("/answer", s.handleAnswer)
		r.Post("/feedback", s.handleRateAnswer)
	})
	return r
}

// Start listens and blocks until the server stops or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router()}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("starting HTTP server")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
