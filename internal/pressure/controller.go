// Package pressure adapts memory tier capacity to system memory headroom.
//
// A Controller reads a memory usage ratio from a Sampler and moves between
// three states. Normal runs tiers at their baseline limits, Elevated shrinks
// every tier by ShrinkFactor and Critical evicts everything. Leaving Critical
// requires the ratio to fall below Warning, so a ratio hovering between the
// two thresholds does not flap.
package pressure

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// Target is resized by the controller. *cache.TieredCache implements it.
type Target interface {
	ShrinkAll(factor float64)
	RestoreAll()
}

// Config configures a Controller
type Config struct {
	// Warning and High are usage ratios in (0, 1] with Warning < High
	Warning float64 `yaml:"warning"`
	High    float64 `yaml:"high"`

	// Interval between samples when running with Start
	Interval time.Duration `yaml:"interval"`

	// ShrinkFactor scales tier baselines while Elevated
	ShrinkFactor float64 `yaml:"shrink_factor"`

	// FreeOSMemory returns freed heap to the OS on entering Critical
	FreeOSMemory bool `yaml:"free_os_memory"`

	Sampler      Sampler                            `yaml:"-"`
	Logger       *utils.StructuredLogger            `yaml:"-"`
	Metrics      types.MetricsRecorder              `yaml:"-"`
	OnTransition func(from, to types.PressureState) `yaml:"-"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		Warning:      0.75,
		High:         0.90,
		Interval:     5 * time.Second,
		ShrinkFactor: 0.5,
	}
}

// Validate checks thresholds and factors
func (c Config) Validate() error {
	if c.Warning <= 0 || c.Warning > 1 || c.High <= 0 || c.High > 1 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "pressure thresholds must be in (0, 1]").
			WithComponent("pressure").
			WithDetail("warning", c.Warning).
			WithDetail("high", c.High)
	}
	if c.Warning >= c.High {
		return errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("warning threshold %.2f must be below high threshold %.2f", c.Warning, c.High)).
			WithComponent("pressure")
	}
	if c.ShrinkFactor < 0 || c.ShrinkFactor > 1 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "shrink factor must be in [0, 1]").
			WithComponent("pressure").
			WithDetail("shrink_factor", c.ShrinkFactor)
	}
	if c.Interval <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "sample interval must be positive").
			WithComponent("pressure")
	}
	return nil
}

// Controller applies pressure samples to a Target
type Controller struct {
	config  Config
	target  Target
	logger  *utils.StructuredLogger
	metrics types.MetricsRecorder

	mu          sync.Mutex
	state       types.PressureState
	lastRatio   float64
	transitions uint64

	runMu  sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewController creates a controller in the Normal state
func NewController(target Target, config Config) (*Controller, error) {
	if target == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "pressure controller requires a target").
			WithComponent("pressure")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = utils.NewDefaultLogger()
	}
	if config.Metrics == nil {
		config.Metrics = types.NopRecorder{}
	}

	c := &Controller{
		config:  config,
		target:  target,
		logger:  config.Logger.WithComponent("pressure"),
		metrics: config.Metrics,
	}
	c.metrics.SetPressureState(types.PressureNormal)
	return c, nil
}

// Observe applies one usage sample and returns the resulting state
func (c *Controller) Observe(ratio float64) types.PressureState {
	c.mu.Lock()
	from := c.state
	c.lastRatio = ratio
	to := c.next(ratio)
	if to == from {
		c.mu.Unlock()
		return to
	}

	switch to {
	case types.PressureElevated:
		c.target.ShrinkAll(c.config.ShrinkFactor)
		c.logger.Info("memory pressure elevated, shrinking tiers", map[string]interface{}{
			"ratio":         ratio,
			"shrink_factor": c.config.ShrinkFactor,
		})
	case types.PressureCritical:
		c.target.ShrinkAll(0)
		c.logger.Warn("memory pressure critical, evicting all tiers", map[string]interface{}{
			"ratio":     ratio,
			"threshold": c.config.High,
		})
		if c.config.FreeOSMemory {
			debug.FreeOSMemory()
		}
	case types.PressureNormal:
		c.target.RestoreAll()
		c.logger.Info("memory pressure normal, restoring tiers", map[string]interface{}{
			"ratio": ratio,
		})
	}

	c.state = to
	c.transitions++
	c.metrics.SetPressureState(to)
	c.metrics.RecordPressureTransition(from, to)
	callback := c.config.OnTransition
	c.mu.Unlock()

	if callback != nil {
		callback(from, to)
	}
	return to
}

// next must be called with mu held
func (c *Controller) next(ratio float64) types.PressureState {
	switch {
	case ratio >= c.config.High:
		return types.PressureCritical
	case ratio < c.config.Warning:
		return types.PressureNormal
	case c.state == types.PressureCritical:
		return types.PressureCritical
	default:
		return types.PressureElevated
	}
}

// State returns the current state
func (c *Controller) State() types.PressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastRatio returns the most recent sample
func (c *Controller) LastRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRatio
}

// Transitions returns the number of state changes so far
func (c *Controller) Transitions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitions
}

// Start samples on every Interval until ctx is done or Stop is called
func (c *Controller) Start(ctx context.Context) error {
	if c.config.Sampler == nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "pressure controller has no sampler").
			WithComponent("pressure")
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !atomic.CompareAndSwapInt32(&c.active, 0, 1) {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "pressure controller already running").
			WithComponent("pressure")
	}
	c.stopCh = make(chan struct{})

	c.logger.Info("starting pressure controller", map[string]interface{}{
		"interval": c.config.Interval.String(),
		"warning":  c.config.Warning,
		"high":     c.config.High,
	})

	c.wg.Add(1)
	go c.loop(ctx, c.stopCh)
	return nil
}

// Stop ends the sampling loop
func (c *Controller) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !atomic.CompareAndSwapInt32(&c.active, 1, 0) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	return nil
}

func (c *Controller) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Controller) sample() {
	ratio, err := c.config.Sampler.Sample()
	if err != nil {
		c.logger.Debug("pressure sample failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	c.Observe(ratio)
}
