// Package observability serves the optional localhost health and
// metrics listener. It is off by default; the primary surface for
// health is the get_health_status tool.
package observability

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/features"
)

// Server is the localhost-only HTTP listener.
type Server struct {
	cfg      config.ObservabilityCfg
	features *features.Manager
	registry *prometheus.Registry
	logger   *zap.Logger
	version  string

	httpSrv  *http.Server
	listener net.Listener
}

// NewServer builds the listener; call Start to bind it.
func NewServer(cfg config.ObservabilityCfg, fm *features.Manager, registry *prometheus.Registry, version string, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		features: fm,
		registry: registry,
		logger:   logger,
		version:  version,
	}
}

// Start binds and serves in a background goroutine.
func (s *Server) Start() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Observability listener started", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Observability listener failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleHealthz reports overall status: healthy when every registered
// dependency probe passes, degraded otherwise. Degraded is still 200;
// the server answers requests for whatever remains available.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	deps := s.features.Snapshot()
	status := "healthy"
	for _, dep := range deps {
		if !dep.Healthy {
			status = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       status,
		"version":      s.version,
		"dependencies": deps,
	})
}
