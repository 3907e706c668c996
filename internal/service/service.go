// Package service builds a running thumbcache from a Configuration and owns
// the lifecycle of its background work.
package service

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/scttfrdmn/thumbcache/internal/assets"
	"github.com/scttfrdmn/thumbcache/internal/cache"
	"github.com/scttfrdmn/thumbcache/internal/circuit"
	"github.com/scttfrdmn/thumbcache/internal/config"
	"github.com/scttfrdmn/thumbcache/internal/metrics"
	"github.com/scttfrdmn/thumbcache/internal/orchestrator"
	"github.com/scttfrdmn/thumbcache/internal/preload"
	"github.com/scttfrdmn/thumbcache/internal/pressure"
	"github.com/scttfrdmn/thumbcache/internal/render"
	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/health"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// Options override parts of the wiring. The zero value builds everything from
// configuration.
type Options struct {
	// Store replaces the directory asset store
	Store orchestrator.AssetStore

	// Sampler replaces the /proc memory sampler
	Sampler pressure.Sampler

	// Logger replaces the logger built from the global config
	Logger *utils.StructuredLogger

	// ServeMetrics starts the prometheus endpoint in Start
	ServeMetrics bool
}

// Stats is a snapshot of every component
type Stats struct {
	Requests orchestrator.Stats `json:"requests"`
	Tiers    []types.TierStats  `json:"tiers"`
	Disk     *cache.DiskStats   `json:"disk,omitempty"`
	Preload  preload.Stats      `json:"preload"`
	Pressure string             `json:"pressure"`
	Memory   float64            `json:"memory_ratio"`
	Health   health.Report      `json:"health"`
	Uptime   string             `json:"uptime"`
}

// Service owns the thumbcache components and their lifecycle
type Service struct {
	config  *config.Configuration
	options Options
	logger  *utils.StructuredLogger

	metrics  *metrics.Collector
	health   *health.Tracker
	memory   *cache.TieredCache
	disk     *cache.DiskCache
	pipeline *render.Pipeline
	store    orchestrator.AssetStore
	orch     *orchestrator.Orchestrator
	pressure *pressure.Controller
	sampler  pressure.Sampler
	preload  *preload.Scheduler

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates the configuration and builds every component. Nothing runs
// in the background until Start.
func New(cfg *config.Configuration, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg.Global); err != nil {
			return nil, err
		}
	}

	s := &Service{
		config:    cfg,
		options:   opts,
		logger:    logger.WithComponent("service"),
		startTime: time.Now(),
	}

	if err := s.build(logger); err != nil {
		if s.disk != nil {
			_ = s.disk.Close()
		}
		return nil, err
	}
	return s, nil
}

// NewLogger builds the structured logger described by the global config
func NewLogger(global config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(global.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid log level").
			WithComponent("service")
	}
	format, err := utils.ParseLogFormat(global.LogFormat)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid log format").
			WithComponent("service")
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:      level,
		Output:     os.Stderr,
		Format:     format,
		Timestamps: true,
	})
}

func (s *Service) build(logger *utils.StructuredLogger) error {
	cfg := s.config

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "thumbcache",
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	s.metrics = collector
	s.health = health.NewTracker(health.DefaultConfig())
	s.health.AddStateChangeCallback(func(component string, from, to health.HealthState, reason string) {
		s.logger.Warn("component health changed", map[string]interface{}{
			"component": component,
			"from":      from.String(),
			"to":        to.String(),
			"reason":    reason,
		})
	})
	recorder := health.NewRecorder(collector, s.health)
	collector.SetStatsSource(func() interface{} { return s.Stats() })
	collector.SetHealthSource(func() (bool, interface{}) {
		report := s.health.Report()
		return report.State != health.StateUnavailable, report
	})

	tiers := make(map[string]cache.TierConfig, len(cfg.Cache.Tiers))
	for name, tc := range cfg.Cache.Tiers {
		maxCost, err := config.ParseSize(tc.MaxCost)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid tier max_cost").
				WithComponent("service").
				WithDetail("tier", name)
		}
		tiers[name] = cache.TierConfig{MaxCost: maxCost, MaxEntries: tc.MaxEntries}
	}
	s.memory = cache.NewTieredCache(tiers)
	for _, st := range s.memory.Stats() {
		collector.UpdateTier(st)
	}

	var disk orchestrator.DiskStore
	if cfg.Cache.Disk.Enabled {
		s.disk, err = cache.NewDiskCache(&cache.DiskConfig{
			Directory:   cfg.Cache.Directory,
			Compression: cfg.Cache.Disk.Compression,
			WriteQueue:  cfg.Cache.Disk.WriteQueue,
			Writers:     cfg.Cache.Disk.Writers,
			Circuit: circuit.Config{
				FailureThreshold: cfg.Cache.Circuit.FailureThreshold,
				Timeout:          cfg.Cache.Circuit.Timeout,
			},
			Logger:  logger,
			Metrics: recorder,
		})
		if err != nil {
			return err
		}
		disk = s.disk
	}

	s.pipeline, err = render.NewPipeline(&render.Config{
		Background:     cfg.Render.Background,
		Interpolation:  cfg.Render.Interpolation,
		MaxConcurrency: cfg.Render.MaxConcurrency,
		MaxTargetSize:  cfg.Render.MaxTargetSize,
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		return err
	}

	s.store = s.options.Store
	if s.store == nil {
		s.store, err = assets.NewDirStore(cfg.Assets.Root, logger)
		if err != nil {
			return err
		}
	}

	maxEntryCost, err := cfg.MaxEntryCostBytes()
	if err != nil {
		return err
	}
	s.orch, err = orchestrator.New(orchestrator.Config{
		Store:        s.store,
		Renderer:     s.pipeline,
		Memory:       s.memory,
		Disk:         disk,
		MaxEntryCost: maxEntryCost,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return err
	}

	if cfg.Pressure.Enabled {
		s.sampler = s.options.Sampler
		if s.sampler == nil {
			if s.sampler, err = pressure.NewProcSampler(); err != nil {
				// no procfs: the controller stays Normal unless driven by Observe
				s.logger.Warn("memory sampler unavailable, pressure controller idle", map[string]interface{}{
					"error": err.Error(),
				})
				s.sampler = nil
			}
		}
		s.pressure, err = pressure.NewController(s.memory, pressure.Config{
			Warning:      cfg.Pressure.Warning,
			High:         cfg.Pressure.High,
			Interval:     cfg.Pressure.Interval,
			ShrinkFactor: cfg.Pressure.ShrinkFactor,
			FreeOSMemory: cfg.Pressure.FreeOSMemory,
			Sampler:      s.sampler,
			Logger:       logger,
			Metrics:      recorder,
			OnTransition: func(_, _ types.PressureState) {
				for _, st := range s.memory.Stats() {
					recorder.UpdateTier(st)
				}
			},
		})
		if err != nil {
			return err
		}
	}

	s.preload, err = preload.NewScheduler(s.orch, preload.Config{
		MaxConcurrent:     cfg.Preload.MaxConcurrent,
		QueueSize:         cfg.Preload.QueueSize,
		RatePerSecond:     cfg.Preload.RatePerSecond,
		RenderConcurrency: s.pipeline.Concurrency(),
		Logger:            logger,
		Metrics:           recorder,
	})
	return err
}

// Start runs the background components: the pressure controller, the asset
// watcher and, when requested, the metrics endpoint.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "service has been stopped").
			WithComponent("service")
	}
	if s.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "service already started").
			WithComponent("service")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.options.ServeMetrics {
		if err := s.metrics.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	if s.pressure != nil && s.sampler != nil {
		if err := s.pressure.Start(runCtx); err != nil {
			cancel()
			_ = s.metrics.Stop(context.Background())
			return err
		}
	}

	if dir, ok := s.store.(*assets.DirStore); ok && s.config.Assets.Watch {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := dir.Watch(runCtx, func(id types.AssetID) {
				if err := s.orch.Invalidate(id); err != nil {
					s.logger.Warn("failed to invalidate changed asset", map[string]interface{}{
						"asset": string(id),
						"error": err.Error(),
					})
				}
			})
			if err != nil {
				s.logger.Error("asset watcher stopped", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}()
	}

	s.started = true
	s.logger.Info("thumbcache service started", map[string]interface{}{
		"cache_dir":     s.config.Cache.Directory,
		"disk":          s.disk != nil,
		"tiers":         s.memory.Names(),
		"pressure":      s.pressure != nil && s.sampler != nil,
		"assets_root":   s.config.Assets.Root,
		"serve_metrics": s.options.ServeMetrics,
	})
	return nil
}

// Stop cancels queued preloads, stops background work, drains pending disk
// writes and shuts down the metrics endpoint. It is safe to call twice.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("stopping thumbcache service")

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.preload.Close())
	if s.pressure != nil {
		keep(s.pressure.Stop())
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	if s.disk != nil {
		s.disk.Flush()
		keep(s.disk.Close())
	}
	keep(s.metrics.Stop(ctx))

	s.logger.Info("thumbcache service stopped", map[string]interface{}{
		"uptime": time.Since(s.startTime).Round(time.Millisecond).String(),
	})
	return firstErr
}

// Stats returns a snapshot of every component
func (s *Service) Stats() Stats {
	st := Stats{
		Requests: s.orch.Stats(),
		Tiers:    s.memory.Stats(),
		Preload:  s.preload.Stats(),
		Pressure: types.PressureNormal.String(),
		Health:   s.health.Report(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.disk != nil {
		ds := s.disk.Stats()
		st.Disk = &ds
	}
	if s.pressure != nil {
		st.Pressure = s.pressure.State().String()
		st.Memory = s.pressure.LastRatio()
	}
	return st
}

// Orchestrator returns the request entry point
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Preload returns the preload scheduler
func (s *Service) Preload() *preload.Scheduler { return s.preload }

// Memory returns the tiered memory cache
func (s *Service) Memory() *cache.TieredCache { return s.memory }

// Disk returns the disk cache, or nil when disabled
func (s *Service) Disk() *cache.DiskCache { return s.disk }

// Metrics returns the prometheus collector
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Pressure returns the pressure controller, or nil when disabled
func (s *Service) Pressure() *pressure.Controller { return s.pressure }

// Health returns the component health tracker
func (s *Service) Health() *health.Tracker { return s.health }

// Logger returns the service logger
func (s *Service) Logger() *utils.StructuredLogger { return s.logger }
