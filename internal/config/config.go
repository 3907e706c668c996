package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	gap "github.com/muesli/go-app-paths"
	"gopkg.in/yaml.v2"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "THUMBCACHE_"

// AppName names the per-user config and cache directories
const AppName = "thumbcache"

// Configuration represents the complete application configuration
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	Pressure PressureConfig `yaml:"pressure"`
	Preload  PreloadConfig  `yaml:"preload"`
	Assets   AssetsConfig   `yaml:"assets"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"`
	MetricsPort int    `yaml:"metrics_port" env:"METRICS_PORT"`
}

// CacheConfig represents memory and disk cache settings
type CacheConfig struct {
	Directory    string                `yaml:"directory" env:"CACHE_DIR"`
	MaxEntryCost string                `yaml:"max_entry_cost" env:"MAX_ENTRY_COST"`
	Tiers        map[string]TierConfig `yaml:"tiers"`
	Disk         DiskConfig            `yaml:"disk"`
	Circuit      CircuitBreakerConfig  `yaml:"circuit"`
}

// TierConfig represents one memory tier. MaxCost is a byte size such as
// "64MiB".
type TierConfig struct {
	MaxCost    string `yaml:"max_cost"`
	MaxEntries int    `yaml:"max_entries"`
}

// DiskConfig represents disk cache settings
type DiskConfig struct {
	Enabled     bool `yaml:"enabled" env:"DISK_ENABLED"`
	Compression bool `yaml:"compression" env:"DISK_COMPRESSION"`
	WriteQueue  int  `yaml:"write_queue" env:"DISK_WRITE_QUEUE"`
	Writers     int  `yaml:"writers" env:"DISK_WRITERS"`
}

// CircuitBreakerConfig represents the disk circuit breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" env:"CIRCUIT_FAILURE_THRESHOLD"`
	Timeout          time.Duration `yaml:"timeout" env:"CIRCUIT_TIMEOUT"`
}

// RenderConfig represents render pipeline settings
type RenderConfig struct {
	Background     string `yaml:"background" env:"RENDER_BACKGROUND"`
	Interpolation  string `yaml:"interpolation" env:"RENDER_INTERPOLATION"`
	MaxConcurrency int    `yaml:"max_concurrency" env:"RENDER_CONCURRENCY"`
	MaxTargetSize  int    `yaml:"max_target_size" env:"RENDER_MAX_TARGET_SIZE"`
}

// PressureConfig represents memory pressure controller settings
type PressureConfig struct {
	Enabled      bool          `yaml:"enabled" env:"PRESSURE_ENABLED"`
	Interval     time.Duration `yaml:"interval" env:"PRESSURE_INTERVAL"`
	Warning      float64       `yaml:"warning" env:"PRESSURE_WARNING"`
	High         float64       `yaml:"high" env:"PRESSURE_HIGH"`
	ShrinkFactor float64       `yaml:"shrink_factor" env:"PRESSURE_SHRINK_FACTOR"`
	FreeOSMemory bool          `yaml:"free_os_memory" env:"PRESSURE_FREE_OS_MEMORY"`
}

// PreloadConfig represents preload scheduler settings
type PreloadConfig struct {
	MaxConcurrent int     `yaml:"max_concurrent" env:"PRELOAD_CONCURRENCY"`
	QueueSize     int     `yaml:"queue_size" env:"PRELOAD_QUEUE_SIZE"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"PRELOAD_RATE"`
}

// AssetsConfig represents the directory asset store
type AssetsConfig struct {
	Root  string `yaml:"root" env:"ASSETS_ROOT"`
	Watch bool   `yaml:"watch" env:"ASSETS_WATCH"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "text",
			MetricsPort: 9090,
		},
		Cache: CacheConfig{
			Directory:    DefaultCacheDir(),
			MaxEntryCost: "16MiB",
			Tiers: map[string]TierConfig{
				"display":   {MaxCost: "128MiB", MaxEntries: 64},
				"thumbnail": {MaxCost: "64MiB", MaxEntries: 1000},
				"original":  {MaxCost: "256MiB", MaxEntries: 16},
				"overlay":   {MaxCost: "16MiB", MaxEntries: 32},
			},
			Disk: DiskConfig{
				Enabled:     true,
				Compression: true,
				WriteQueue:  64,
				Writers:     2,
			},
			Circuit: CircuitBreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Render: RenderConfig{
			Background:     "#ffffff",
			Interpolation:  "bilinear",
			MaxConcurrency: 8,
			MaxTargetSize:  4096,
		},
		Pressure: PressureConfig{
			Enabled:      true,
			Interval:     5 * time.Second,
			Warning:      0.75,
			High:         0.90,
			ShrinkFactor: 0.5,
			FreeOSMemory: true,
		},
		Preload: PreloadConfig{
			MaxConcurrent: 5,
			QueueSize:     1000,
			RatePerSecond: 0,
		},
		Assets: AssetsConfig{
			Root:  ".",
			Watch: false,
		},
	}
}

// DefaultCacheDir returns the per-user cache directory for thumbnails
func DefaultCacheDir() string {
	dir, err := gap.NewScope(gap.User, AppName).CacheDir()
	if err != nil || dir == "" {
		return filepath.Join(os.TempDir(), AppName)
	}
	return filepath.Join(dir, "thumbs")
}

// DefaultConfigPath returns the per-user config file location
func DefaultConfigPath() (string, error) {
	path, err := gap.NewScope(gap.User, AppName).ConfigPath(AppName + ".yaml")
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to locate config directory").
			WithComponent("config")
	}
	return path, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithDetail("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithDetail("file", filename)
	}

	return nil
}

// LoadFromEnv overlays THUMBCACHE_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse environment").
			WithComponent("config")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return invalid("global.log_level", err.Error())
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return invalid("global.log_format", err.Error())
	}
	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return invalid("global.metrics_port", "must be between 0 and 65535")
	}

	if _, err := c.MaxEntryCostBytes(); err != nil {
		return invalid("cache.max_entry_cost", err.Error())
	}
	if len(c.Cache.Tiers) == 0 {
		return invalid("cache.tiers", "at least one tier is required")
	}
	if _, ok := c.Cache.Tiers["thumbnail"]; !ok {
		return invalid("cache.tiers", "the thumbnail tier is required")
	}
	for _, name := range c.TierNames() {
		tier := c.Cache.Tiers[name]
		if _, err := ParseSize(tier.MaxCost); err != nil {
			return invalid("cache.tiers."+name+".max_cost", err.Error())
		}
		if tier.MaxEntries <= 0 {
			return invalid("cache.tiers."+name+".max_entries", "must be greater than 0")
		}
	}
	if c.Cache.Disk.Enabled && c.Cache.Directory == "" {
		return invalid("cache.directory", "required when the disk cache is enabled")
	}
	if c.Cache.Disk.WriteQueue < 0 || c.Cache.Disk.Writers < 0 {
		return invalid("cache.disk", "write_queue and writers must not be negative")
	}

	if c.Render.MaxConcurrency <= 0 {
		return invalid("render.max_concurrency", "must be greater than 0")
	}
	if c.Render.MaxTargetSize <= 0 {
		return invalid("render.max_target_size", "must be greater than 0")
	}

	if c.Pressure.Enabled {
		if c.Pressure.Warning <= 0 || c.Pressure.High > 1 || c.Pressure.Warning >= c.Pressure.High {
			return invalid("pressure", "thresholds must satisfy 0 < warning < high <= 1")
		}
		if c.Pressure.ShrinkFactor < 0 || c.Pressure.ShrinkFactor > 1 {
			return invalid("pressure.shrink_factor", "must be between 0 and 1")
		}
		if c.Pressure.Interval <= 0 {
			return invalid("pressure.interval", "must be positive")
		}
	}

	if c.Preload.MaxConcurrent <= 0 {
		return invalid("preload.max_concurrent", "must be greater than 0")
	}
	if c.Preload.MaxConcurrent >= c.Render.MaxConcurrency {
		return invalid("preload.max_concurrent", "must be below render.max_concurrency")
	}
	if c.Preload.QueueSize <= 0 {
		return invalid("preload.queue_size", "must be greater than 0")
	}
	if c.Preload.RatePerSecond < 0 {
		return invalid("preload.rate_per_second", "must not be negative")
	}

	return nil
}

// MaxEntryCostBytes parses cache.max_entry_cost. An empty value disables
// the ceiling.
func (c *Configuration) MaxEntryCostBytes() (int64, error) {
	if strings.TrimSpace(c.Cache.MaxEntryCost) == "" {
		return 0, nil
	}
	return ParseSize(c.Cache.MaxEntryCost)
}

// TierNames returns the configured tier names in sorted order
func (c *Configuration) TierNames() []string {
	names := make([]string, 0, len(c.Cache.Tiers))
	for name := range c.Cache.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseSize parses a human byte size such as "64MiB" or "1.5GB"
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}

func invalid(field, reason string) error {
	return errors.NewError(errors.ErrCodeConfigValidation, fmt.Sprintf("invalid %s: %s", field, reason)).
		WithComponent("config").
		WithDetail("field", field)
}
