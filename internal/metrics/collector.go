package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// StatsSource supplies the JSON document served on /debug/stats
type StatsSource func() interface{}

// HealthSource reports whether the service is serving and a JSON document
// describing why
type HealthSource func() (ok bool, report interface{})

// Collector records cache events as prometheus metrics and serves them
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	requestCounter     *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	renderCounter      *prometheus.CounterVec
	renderDuration     prometheus.Histogram
	renderCost         prometheus.Histogram
	diskCounter        *prometheus.CounterVec
	tierCost           *prometheus.GaugeVec
	tierEntries        *prometheus.GaugeVec
	tierCostLimit      *prometheus.GaugeVec
	tierEntryLimit     *prometheus.GaugeVec
	tierEvictions      *prometheus.GaugeVec
	pressureState      prometheus.Gauge
	pressureTransition *prometheus.CounterVec
	preloadCounter     *prometheus.CounterVec

	breakdown *RequestBreakdown
	stats     StatsSource
	health    HealthSource

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool                    `yaml:"enabled"`
	Port      int                     `yaml:"port"`
	Path      string                  `yaml:"path"`
	Labels    map[string]string       `yaml:"labels"`
	Namespace string                  `yaml:"namespace"`
	Subsystem string                  `yaml:"subsystem"`
	Logger    *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig returns the collector defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "thumbcache",
		Labels:    make(map[string]string),
	}
}

var _ types.MetricsRecorder = (*Collector)(nil)

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	c := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		logger:    logger.WithComponent("metrics"),
		breakdown: NewRequestBreakdown(),
	}
	if !config.Enabled {
		return c, nil
	}

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to register metrics").
			WithComponent("metrics")
	}
	return c, nil
}

// Registry exposes the private prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Breakdown returns the per tier request summary
func (c *Collector) Breakdown() *RequestBreakdown {
	return c.breakdown
}

// SetStatsSource installs the provider for /debug/stats
func (c *Collector) SetStatsSource(source StatsSource) {
	c.mu.Lock()
	c.stats = source
	c.mu.Unlock()
}

// SetHealthSource installs the provider for /health
func (c *Collector) SetHealthSource(source HealthSource) {
	c.mu.Lock()
	c.health = source
	c.mu.Unlock()
}

// Handler returns the mux served by Start
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/requests", c.debugRequestsHandler)
	mux.HandleFunc("/debug/stats", c.debugStatsHandler)
	return mux
}

// Start serves the metrics endpoint until Stop. Port 0 picks a free port.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "metrics server already started").
			WithComponent("metrics")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to listen for metrics").
			WithComponent("metrics").
			WithDetail("port", c.config.Port)
	}

	c.listener = ln
	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	server := c.server
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	c.logger.Info("metrics server listening", map[string]interface{}{
		"addr": ln.Addr().String(),
		"path": c.config.Path,
	})
	return nil
}

// Addr returns the bound address, or "" before Start
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordRequest records one orchestrator request
func (c *Collector) RecordRequest(tier, outcome string, duration time.Duration) {
	c.breakdown.Record(tier, outcome, duration)
	if !c.config.Enabled {
		return
	}
	c.requestCounter.With(prometheus.Labels{"tier": tier, "outcome": outcome}).Inc()
	c.requestDuration.With(prometheus.Labels{"outcome": outcome}).Observe(duration.Seconds())
}

// RecordRender records one pipeline render
func (c *Collector) RecordRender(duration time.Duration, cost int64, success bool) {
	if !c.config.Enabled {
		return
	}
	c.renderCounter.With(prometheus.Labels{"status": status(success)}).Inc()
	c.renderDuration.Observe(duration.Seconds())
	if success && cost > 0 {
		c.renderCost.Observe(float64(cost))
	}
}

// RecordDiskOperation records a disk cache read, write or drop
func (c *Collector) RecordDiskOperation(operation string, success bool) {
	if !c.config.Enabled {
		return
	}
	c.diskCounter.With(prometheus.Labels{"operation": operation, "status": status(success)}).Inc()
}

// UpdateTier publishes the occupancy of one memory tier
func (c *Collector) UpdateTier(stats types.TierStats) {
	if !c.config.Enabled {
		return
	}
	labels := prometheus.Labels{"tier": stats.Name}
	c.tierCost.With(labels).Set(float64(stats.Size))
	c.tierEntries.With(labels).Set(float64(stats.Count))
	c.tierCostLimit.With(labels).Set(float64(stats.CostLimit))
	c.tierEntryLimit.With(labels).Set(float64(stats.CountLimit))
	c.tierEvictions.With(labels).Set(float64(stats.Evictions))
}

// SetPressureState publishes the current pressure state as 0, 1 or 2
func (c *Collector) SetPressureState(state types.PressureState) {
	if !c.config.Enabled {
		return
	}
	c.pressureState.Set(float64(state))
}

// RecordPressureTransition counts a pressure state change
func (c *Collector) RecordPressureTransition(from, to types.PressureState) {
	if !c.config.Enabled {
		return
	}
	c.pressureTransition.With(prometheus.Labels{"from": from.String(), "to": to.String()}).Inc()
}

// RecordPreload counts one preload result
func (c *Collector) RecordPreload(result string) {
	if !c.config.Enabled {
		return
	}
	c.preloadCounter.With(prometheus.Labels{"result": result}).Inc()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "requests_total",
			Help: "Total number of bitmap requests by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "request_duration_seconds",
			Help:    "Duration of bitmap requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
		},
		[]string{"outcome"},
	)

	c.renderCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "renders_total",
			Help: "Total number of renders",
		},
		[]string{"status"},
	)

	c.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "render_duration_seconds",
		Help:    "Duration of renders in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})

	c.renderCost = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name:    "render_cost_bytes",
		Help:    "Decoded size of rendered bitmaps in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB to 256MiB
	})

	c.diskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "disk_operations_total",
			Help: "Total number of disk cache operations",
		},
		[]string{"operation", "status"},
	)

	tierGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: name,
			Help: help,
		}, []string{"tier"})
	}
	c.tierCost = tierGauge("tier_cost_bytes", "Current cost held by a memory tier")
	c.tierEntries = tierGauge("tier_entries", "Current entry count of a memory tier")
	c.tierCostLimit = tierGauge("tier_cost_limit_bytes", "Effective cost limit of a memory tier")
	c.tierEntryLimit = tierGauge("tier_entry_limit", "Effective entry limit of a memory tier")
	c.tierEvictions = tierGauge("tier_evictions", "Entries evicted from a memory tier since start")

	c.pressureState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "pressure_state",
		Help: "Memory pressure state (0 normal, 1 elevated, 2 critical)",
	})

	c.pressureTransition = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "pressure_transitions_total",
			Help: "Total number of memory pressure transitions",
		},
		[]string{"from", "to"},
	)

	c.preloadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "preload_total",
			Help: "Total number of preload items by result",
		},
		[]string{"result"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.renderCounter,
		c.renderDuration,
		c.renderCost,
		c.diskCounter,
		c.tierCost,
		c.tierEntries,
		c.tierCostLimit,
		c.tierEntryLimit,
		c.tierEvictions,
		c.pressureState,
		c.pressureTransition,
		c.preloadCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	source := c.health
	c.mu.RUnlock()

	if source == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"thumbcache-metrics"}`))
		return
	}

	ok, report := source()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(report)
		return
	}
	writeJSON(w, report)
}

func (c *Collector) debugRequestsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.breakdown.Snapshot())
}

func (c *Collector) debugStatsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	source := c.stats
	c.mu.RUnlock()

	if source == nil {
		http.Error(w, "no stats source", http.StatusNotFound)
		return
	}
	writeJSON(w, source())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
