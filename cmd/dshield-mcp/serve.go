package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/datagen24/dshield-mcp-sub001/internal/auth"
	"github.com/datagen24/dshield-mcp-sub001/internal/breaker"
	"github.com/datagen24/dshield-mcp-sub001/internal/cache"
	"github.com/datagen24/dshield-mcp-sub001/internal/config"
	"github.com/datagen24/dshield-mcp-sub001/internal/correlator"
	"github.com/datagen24/dshield-mcp-sub001/internal/dispatch"
	"github.com/datagen24/dshield-mcp-sub001/internal/features"
	"github.com/datagen24/dshield-mcp-sub001/internal/intel"
	"github.com/datagen24/dshield-mcp-sub001/internal/logs"
	"github.com/datagen24/dshield-mcp-sub001/internal/observability"
	"github.com/datagen24/dshield-mcp-sub001/internal/query"
	"github.com/datagen24/dshield-mcp-sub001/internal/ratelimit"
	"github.com/datagen24/dshield-mcp-sub001/internal/secret"
	"github.com/datagen24/dshield-mcp-sub001/internal/siem"
	"github.com/datagen24/dshield-mcp-sub001/internal/tools"
	"github.com/datagen24/dshield-mcp-sub001/internal/transport"
)

func runServe(ctx context.Context) error {
	bootstrap, err := logs.Setup(nil)
	if err != nil {
		return &exitError{code: exitSoftware, err: err}
	}

	cfg, err := config.Load(flagConfig, bootstrap)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return &exitError{code: exitSoftware, err: err}
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	return srv.run(ctx)
}

// server is the assembled composition root.
type server struct {
	cfg        *config.Config
	logger     *zap.Logger
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	authStore  *auth.Store
	tiered     *cache.Tiered
	orch       *intel.Orchestrator
	fm         *features.Manager
	obs        *observability.Server
}

func buildServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server, error) {
	secrets := secret.NewResolver()
	breakers := breaker.NewRegistry(cfg.CircuitBreakers, logger)

	password, err := secrets.ResolveString(ctx, cfg.SIEMStore.Password)
	if err != nil {
		return nil, &exitError{code: exitUsage,
			err: fmt.Errorf("resolve siem_store.password: %w", err)}
	}
	store, err := siem.NewClient(cfg.SIEMStore, password, breakers.Get(siem.DependencyName), logger)
	if err != nil {
		return nil, &exitError{code: exitSoftware, err: err}
	}
	discovery := siem.NewDiscovery(store, cfg.SIEMStore, logger)

	if cfg.StrictStartup {
		if err := store.Ping(ctx); err != nil {
			return nil, &exitError{code: exitUnavailable,
				err: fmt.Errorf("event store unreachable and strict_startup is set: %w", err)}
		}
	}

	disk, err := cache.OpenDisk(cfg.DataDir, logger)
	if err != nil {
		return nil, &exitError{code: exitSoftware, err: err}
	}
	tiered := cache.NewTiered(
		cache.NewMemory(cfg.ThreatIntel.Cache.MemoryCapacity),
		disk,
		cfg.ThreatIntel.Cache.TTL,
		cfg.ThreatIntel.Cache.SweepInterval,
		logger,
	)

	sources, sourceBreakers, err := buildIntelSources(ctx, cfg, secrets, breakers)
	if err != nil {
		tiered.Close()
		return nil, err
	}
	var writeback intel.Writeback
	if cfg.ThreatIntel.Writeback.Enabled {
		writeback = store
	}
	orch := intel.NewOrchestrator(sources, tiered, writeback, cfg.ThreatIntel.Writeback, logger)

	authStore, err := auth.Open(cfg.DataDir, secrets, cfg.APIKeys, logger)
	if err != nil {
		tiered.Close()
		return nil, &exitError{code: exitSoftware, err: err}
	}

	fm := features.NewManager(cfg.Features, logger)
	fm.RegisterDependency(siem.DependencyName, store)
	if len(sources) > 0 {
		fm.RegisterDependency(intel.DependencyName, intelProber(sourceBreakers))
	}

	registry := prometheus.NewRegistry()
	limiter := ratelimit.NewLimiter(cfg.RateLimits, logger)
	d := dispatch.New(cfg.Query, limiter, fm, authStore, dispatch.NewMetrics(registry), version, logger)

	if err := tools.Register(d, tools.Deps{
		Engine:     query.NewEngine(store, discovery, cfg.Query, logger),
		Correlator: correlator.New(store, discovery, cfg.Correlation, logger),
		Enricher:   orch,
		Store:      store,
		Resolver:   discovery,
		Breakers:   breakers,
		Features:   fm,
		Cache:      tiered,
		Version:    version,
		StartedAt:  time.Now(),
		Logger:     logger,
	}); err != nil {
		authStore.Close()
		tiered.Close()
		return nil, &exitError{code: exitSoftware, err: err}
	}

	srv := &server{
		cfg:        cfg,
		logger:     logger,
		dispatcher: d,
		limiter:    limiter,
		authStore:  authStore,
		tiered:     tiered,
		orch:       orch,
		fm:         fm,
	}
	if cfg.Observability.Enabled {
		srv.obs = observability.NewServer(cfg.Observability, fm, registry, version, logger)
	}
	return srv, nil
}

// buildIntelSources resolves each enabled source's API key and wraps it
// in its own circuit breaker.
func buildIntelSources(ctx context.Context, cfg *config.Config, secrets *secret.Resolver, breakers *breaker.Registry) ([]intel.Source, []*breaker.Breaker, error) {
	var sources []intel.Source
	var brs []*breaker.Breaker
	for _, sc := range cfg.ThreatIntel.Sources {
		if !sc.Enabled {
			continue
		}
		apiKey, err := secrets.ResolveString(ctx, sc.APIKey)
		if err != nil {
			return nil, nil, &exitError{code: exitUsage,
				err: fmt.Errorf("resolve api key for intel source %s: %w", sc.Name, err)}
		}
		br := breakers.Get("intel_" + sc.Name)
		sources = append(sources, intel.NewHTTPSource(sc, apiKey, br))
		brs = append(brs, br)
	}
	return sources, brs, nil
}

// intelProber reports the enrichment pipeline down only when every
// source breaker is open.
func intelProber(brs []*breaker.Breaker) features.ProbeFunc {
	return func(context.Context) error {
		for _, br := range brs {
			if br.State() != breaker.Open {
				return nil
			}
		}
		return fmt.Errorf("all threat-intel sources have open circuits")
	}
}

func (s *server) run(ctx context.Context) error {
	s.fm.Start(ctx)
	defer s.fm.Stop()

	if s.obs != nil {
		if err := s.obs.Start(); err != nil {
			return &exitError{code: exitSoftware, err: err}
		}
	}

	s.logger.Info("Server starting",
		zap.String("version", version),
		zap.String("transport", s.cfg.Transport.Mode))

	switch s.cfg.Transport.Mode {
	case config.TransportTCP:
		return s.runTCP(ctx)
	default:
		return s.runStdio(ctx)
	}
}

func (s *server) runStdio(ctx context.Context) error {
	srv := transport.NewStdioServer(s.dispatcher, os.Stdin, os.Stdout, s.logger)
	err := srv.Serve(ctx)
	if ctx.Err() != nil {
		s.logger.Info("Signal received, shutting down")
		return &exitError{code: exitSignal}
	}
	if err != nil {
		return &exitError{code: exitSoftware, err: err}
	}
	return nil
}

func (s *server) runTCP(ctx context.Context) error {
	srv := transport.NewTCPServer(s.cfg.Transport, s.dispatcher, s.limiter, s.logger)
	if err := srv.Listen(); err != nil {
		return &exitError{code: exitUnavailable, err: err}
	}

	// Revoking a key terminates every session it authenticated.
	s.authStore.OnRevoke(srv.CloseSessionsForKey)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case err := <-serveErr:
		if err != nil {
			return &exitError{code: exitSoftware, err: err}
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("Signal received, draining connections",
			zap.Duration("drain_timeout", s.cfg.Transport.DrainTimeout))
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			s.cfg.Transport.DrainTimeout+5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-serveErr
		return &exitError{code: exitSignal}
	}
}

func (s *server) close() {
	s.orch.Flush()
	if s.obs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.obs.Stop(ctx)
	}
	if err := s.authStore.Close(); err != nil {
		s.logger.Warn("Failed to close key store", zap.Error(err))
	}
	if err := s.tiered.Close(); err != nil {
		s.logger.Warn("Failed to close cache", zap.Error(err))
	}
}
