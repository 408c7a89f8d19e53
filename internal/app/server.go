// Package app assembles the engine: stores, detector, scorer, adaptive
// controller, block lists, HTTP surface and telemetry, built from one
// validated configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"gatekeeper/internal/adaptive"
	"gatekeeper/internal/api"
	"gatekeeper/internal/blocklist"
	"gatekeeper/internal/config"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/risk"
	"gatekeeper/internal/stats"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/storage/memory"
	redisstore "gatekeeper/internal/storage/redis"
	"gatekeeper/internal/telemetry"
	"gatekeeper/pkg/errors"
)

// Options tunes server construction. The zero value is production behavior.
type Options struct {
	// Load overrides the adaptive controller's load signal. Defaults to the
	// risk scorer's queue depth.
	Load adaptive.LoadFunc
	// Version is reported by telemetry.
	Version string
}

// Server owns every component and their lifecycles.
type Server struct {
	logger *slog.Logger

	counters     storage.CounterStore
	blockStore   storage.BlockStore
	patternStore storage.PatternStore
	redis        redisstore.Client

	blocks     *blocklist.Manager
	scorer     *risk.Scorer
	controller *adaptive.Controller
	collector  *stats.Collector
	engine     *engine.Evaluator
	handler    *api.Handler

	telemetry  *telemetry.Telemetry
	engMetrics *telemetry.Metrics

	httpServer *http.Server
	watcher    *config.Watcher

	mu  sync.RWMutex
	cfg *config.Config
}

// NewServer builds a server from a validated configuration.
func NewServer(cfg *config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	s := &Server{
		logger: logger.With("component", "app"),
		cfg:    cfg,
	}

	if err := s.buildStores(cfg); err != nil {
		return nil, err
	}

	s.blocks = blocklist.NewManager(cfg.Blocking.ManagerConfig(), s.blockStore, logger)
	s.scorer = risk.NewScorer(cfg.Risk.ScorerConfig(), s.patternStore, s.blocks, logger)

	load := opts.Load
	if load == nil {
		load = s.scorer.QueueDepth
	}
	if !cfg.Adaptive.Enabled {
		load = nil
	}
	s.controller = adaptive.NewController(cfg.Adaptive.ControllerConfig(), load, logger)

	s.collector = stats.NewCollector(stats.Config{Window: time.Duration(cfg.Stats.Window) * time.Second})

	s.engine = engine.NewEvaluator(s.counters, s.blocks, s.scorer, s.controller, s.collector, logger)
	if err := s.engine.SetConfig(cfg); err != nil {
		return nil, err
	}

	tcfg := cfg.Telemetry
	if tcfg.Version == "" {
		tcfg.Version = opts.Version
	}
	tel, err := telemetry.New(tcfg)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeConfiguration, "telemetry setup failed").WithCause(err)
	}
	s.telemetry = tel

	engMetrics, err := telemetry.NewMetrics(tel.Meter(), s.controller.CurrentMultiplier, s.activeBlockCount)
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeInternal, "metric setup failed").WithCause(err)
	}
	s.engMetrics = engMetrics
	s.engine.SetMetrics(engMetrics)

	auth := api.NewAuthenticator(cfg.Admin)
	s.handler = api.NewHandler(s.engine, s.counters, s.blocks, s.scorer, s.collector, s, auth, logger)
	s.handler.SetHealthCheck(s.storeHealthy)
	s.handler.SetTracer(tel.Tracer())

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", s.handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	return s, nil
}

func (s *Server) buildStores(cfg *config.Config) error {
	switch cfg.Store.Type {
	case "memory":
		storeCfg := &storage.Config{
			CleanupInterval: time.Duration(cfg.Store.CleanupInterval) * time.Second,
			MaxEntries:      cfg.Store.MaxEntries,
		}
		s.counters = memory.NewCounterStore(storeCfg)
		s.blockStore = memory.NewBlockStore()
		s.patternStore = memory.NewPatternStore()

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:         cfg.Store.Redis.Addr,
			Password:     cfg.Store.Redis.Password,
			DB:           cfg.Store.Redis.DB,
			DialTimeout:  time.Duration(cfg.Store.Redis.TimeoutMillis) * time.Millisecond,
			ReadTimeout:  time.Duration(cfg.Store.Redis.TimeoutMillis) * time.Millisecond,
			WriteTimeout: time.Duration(cfg.Store.Redis.TimeoutMillis) * time.Millisecond,
		})
		adapter := redisstore.NewClientAdapter(client)
		s.redis = adapter
		s.counters = redisstore.NewCounterStore(adapter)
		s.blockStore = redisstore.NewBlockStore(adapter)
		s.patternStore = redisstore.NewPatternStore(adapter)

	default:
		return errors.NewError(errors.ErrorTypeConfiguration, "unknown store type").
			WithDetail("type", cfg.Store.Type)
	}
	return nil
}

// Current returns the active configuration.
func (s *Server) Current() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Apply activates a validated configuration. Rules, lists, bot signatures,
// adaptive settings, block escalation and the stats window take effect
// immediately; server listener and store selection need a restart.
func (s *Server) Apply(cfg *config.Config) error {
	if err := s.engine.SetConfig(cfg); err != nil {
		return err
	}
	s.controller.Reconfigure(cfg.Adaptive.ControllerConfig())
	s.blocks.Reconfigure(cfg.Blocking.ManagerConfig())
	s.collector.SetWindow(time.Duration(cfg.Stats.Window) * time.Second)

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info("configuration applied")
	return nil
}

// WatchConfig hot-reloads path on changes. Must be called before Start.
func (s *Server) WatchConfig(path string) error {
	wcfg := config.DefaultWatcherConfig()
	wcfg.OnChange = s.Apply
	wcfg.OnError = func(err error) {
		s.logger.Error("config reload rejected, keeping active config", "error", err)
	}

	w, err := config.NewWatcher(path, wcfg, s.logger)
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Start launches the background workers and the HTTP listener. Non-blocking;
// the server runs until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.scorer.Start()
	if s.Current().Adaptive.Enabled {
		s.controller.Start()
	}
	if s.watcher != nil {
		s.watcher.Start()
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.NewError(errors.ErrorTypeInternal, "listen failed").
			WithCause(err).
			WithDetail("addr", s.httpServer.Addr)
	}

	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.controller.Stop()
	s.scorer.Stop()

	if s.engMetrics != nil {
		if err := s.engMetrics.Unregister(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	// The redis stores share one client, so close it once; memory stores
	// each own their state.
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	} else {
		for _, c := range []interface{ Close() error }{s.counters, s.blockStore, s.patternStore} {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Handler exposes the HTTP surface for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) storeHealthy() bool {
	if s.redis == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.redis.Ping(ctx) == nil
}

func (s *Server) activeBlockCount() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	active, err := s.blocks.ActiveBlocks(ctx, time.Now())
	if err != nil {
		return 0
	}
	return int64(len(active))
}
