package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"montage/internal/batch"
	"montage/internal/events"
	"montage/internal/generator"
	"montage/internal/logging"
	"montage/internal/scheduler"
	"montage/internal/store"
	"montage/internal/workflow"
)

// Executor is the part of the scheduler the API drives.
type Executor interface {
	Status(ctx context.Context) scheduler.Status
	Resume(ctx context.Context, token string, outcome generator.Outcome, callErr error) (*store.Job, error)
	Wake()
}

// Options wires a Server.
type Options struct {
	Bind     string
	Token    string
	Machine  *workflow.Machine
	Batches  *batch.Coordinator
	Executor Executor
	Hub      *events.Hub
	// Status reports daemon state for /api/status. When nil the scheduler
	// summary alone is returned.
	Status func(ctx context.Context) DaemonStatus
	Logger *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	bind     string
	token    string
	machine  *workflow.Machine
	batches  *batch.Coordinator
	executor Executor
	hub      *events.Hub
	status   func(ctx context.Context) DaemonStatus
	logger   *slog.Logger

	listener net.Listener
	server   *http.Server
}

// New constructs the API server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		bind:     strings.TrimSpace(opts.Bind),
		token:    opts.Token,
		machine:  opts.Machine,
		batches:  opts.Batches,
		executor: opts.Executor,
		hub:      opts.Hub,
		status:   opts.Status,
		logger:   logging.NewComponentLogger(logger, "api-server"),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.token))

		r.Get("/api/status", s.handleStatus)
		r.Get("/api/registry", s.handleRegistry)
		r.Get("/api/events", s.handleEvents)
		r.Post("/api/callbacks/{token}", s.handleCallback)

		r.Route("/api/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleInspect)
				r.Get("/recovery", s.handleRecovery)
				r.Post("/advance", s.handleAdvance)
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
				r.Post("/rollback", s.handleRollback)
				r.Post("/cancel", s.handleCancel)
				r.Post("/fork", s.handleFork)
				r.Post("/invalidate", s.handleInvalidate)
			})
		})

		r.Route("/api/batches", func(r chi.Router) {
			r.Post("/", s.handleCreateBatch)
			r.Get("/", s.handleListBatches)
			r.Route("/{batchID}", func(r chi.Router) {
				r.Get("/", s.handleBatchStatus)
				r.Get("/verify", s.handleVerifyBatch)
				r.Post("/items", s.handleAddItem)
				r.Delete("/items/{itemID}", s.handleRemoveItem)
				r.Post("/lock", s.handleLockBatch)
				r.Post("/pause", s.handlePauseBatch)
				r.Post("/resume", s.handleResumeBatch)
				r.Post("/retry", s.handleRetryBatch)
				r.Post("/cancel", s.handleCancelBatch)
			})
		})
	})
	return r
}

// Start listens on the configured bind address. The server shuts down when
// ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", ww.Status()),
			logging.Int64("duration_ms", time.Since(start).Milliseconds()),
			logging.String(logging.FieldCorrelationID, middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status != nil {
		writeJSON(w, http.StatusOK, s.status(r.Context()))
		return
	}
	var status DaemonStatus
	if s.executor != nil {
		status.Scheduler = FromSchedulerStatus(s.executor.Status(r.Context()))
		status.Running = status.Scheduler.Running
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRegistry(w http.ResponseWriter, _ *http.Request) {
	reg := s.machine.Registry()
	resp := RegistryResponse{JobTypes: []JobType{}}
	for _, name := range reg.JobTypes() {
		stages, err := reg.Stages(name)
		if err != nil {
			continue
		}
		raw, err := json.Marshal(stages)
		if err != nil {
			continue
		}
		resp.JobTypes = append(resp.JobTypes, JobType{Name: name, Stages: raw})
	}
	writeJSON(w, http.StatusOK, resp)
}
