// Package api exposes the worker over HTTP: the orchestrator-facing invoke
// endpoint, run inspection, health, and a websocket stream of run progress.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"feedmill/internal/eventbus"
	"feedmill/internal/models"
	"feedmill/internal/pipeline"
	"feedmill/internal/repository"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// StepRunner executes one pipeline invocation. The pipeline worker
// implements it; handler tests substitute a fake.
type StepRunner interface {
	Run(ctx context.Context, inv pipeline.Invocation) (models.StepStatus, error)
}

type Server struct {
	repo       *repository.Repository
	runner     StepRunner
	bus        *eventbus.Bus
	httpServer *http.Server
}

// Option configures a Server before its routes are registered.
type Option func(*Server)

// WithEventBus attaches the progress bus backing /ws/runs.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// NewServer wires the router. storageHandler, when non-nil, is mounted under
// /storage to serve the local driver's signed URLs; the S3 driver presigns
// against the bucket endpoint and needs no mount.
func NewServer(repo *repository.Repository, runner StepRunner, port string, storageHandler http.Handler, opts ...Option) *Server {
	s := &Server{
		repo:   repo,
		runner: runner,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/invoke", s.handleInvoke).Methods("POST")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/ws/runs", s.handleRunsWebSocket)
	if storageHandler != nil {
		r.PathPrefix("/storage").Handler(storageHandler)
	}

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
	}

	return s
}

func (s *Server) Start() error {
	if s.bus != nil {
		go s.forwardBusToHub()
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
