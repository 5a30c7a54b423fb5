// Package server exposes pipeline state to downstream consumers over a
// read-only JSON API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oilcast/featurepipe/internal/steps"
	"github.com/oilcast/featurepipe/pkg/core"
	"golang.org/x/sync/errgroup"
)

// ManifestLoader reads the current manifest.
type ManifestLoader interface {
	LoadManifest(ctx context.Context) (*core.Manifest, error)
}

// ContractLoader reads the active schema contract.
type ContractLoader interface {
	Load(ctx context.Context) (*core.SchemaContract, error)
}

// Config holds configuration for the API server.
type Config struct {
	Addr      string
	Store     core.Store
	Manifests ManifestLoader
	Contracts ContractLoader
	// Steps is the configured step order.
	Steps []core.StepDefinition
	// StepsDir holds SQL step files. With Watch set they are reloaded on change.
	StepsDir string
	Watch    bool
	Logger   *slog.Logger
}

// Server is the read-only API server.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sqlSteps []*steps.SQLStep
}

// New creates a server and loads the SQL steps once.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Manifests == nil || cfg.Contracts == nil {
		return nil, fmt.Errorf("%w: server needs a store, a manifest loader and a contract loader", core.ErrInvalidConfig)
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{cfg: cfg, logger: logger}
	if err := s.reloadSteps(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Compress(5),
		s.logRequests,
	)

	r.Get("/healthz", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/manifest", s.manifest)
		r.Get("/contract", s.contract)
		r.Get("/steps", s.steps)
		r.Get("/runs", s.runs)
		r.Get("/runs/{id}", s.run)
		r.Get("/training", s.training)
	})
	return r
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting API server", "addr", ln.Addr().String())

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.Watch && s.cfg.StepsDir != "" {
		eg.Go(func() error {
			return s.watchSteps(egctx)
		})
	}

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down API server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
