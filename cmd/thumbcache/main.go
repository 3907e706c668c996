package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/thumbcache/internal/config"
	"github.com/scttfrdmn/thumbcache/internal/service"
	"github.com/scttfrdmn/thumbcache/pkg/types"
)

var (
	// Version as provided by goreleaser.
	Version = ""

	configFile string
	logLevel   string
	assetsRoot string
	cacheDir   string

	rootCmd = &cobra.Command{
		Use:           "thumbcache",
		Short:         "Render and cache image thumbnails",
		Long:          "thumbcache renders cropped and scaled thumbnails of image assets and keeps them in tiered memory and disk caches.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

// loadConfig applies defaults, the config file, the environment and then the
// command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Configuration, error) {
	cfg := config.NewDefault()

	path := configFile
	if path == "" {
		if p, err := config.DefaultConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Global.LogLevel = logLevel
	}
	if flags.Changed("assets") {
		cfg.Assets.Root = assetsRoot
	}
	if flags.Changed("cache-dir") {
		cfg.Cache.Directory = cacheDir
	}
	return cfg, cfg.Validate()
}

func newService(cmd *cobra.Command, opts service.Options) (*service.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return service.New(cfg, opts)
}

// parseSelection reads a polygon written as "x,y;x,y;x,y"
func parseSelection(s string) ([]types.Point, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var points []types.Point
	for _, pair := range strings.Split(s, ";") {
		xy := strings.Split(strings.TrimSpace(pair), ",")
		if len(xy) != 2 {
			return nil, fmt.Errorf("invalid selection point %q: want x,y", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid selection point %q: %w", pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid selection point %q: %w", pair, err)
		}
		points = append(points, types.Point{X: x, Y: y})
	}
	return points, nil
}

// renderFlags are shared by render and warm
type renderFlags struct {
	size      int
	scale     float64
	offsetX   float64
	offsetY   float64
	selection string
	class     string
}

func (f *renderFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.size, "size", "s", 256, "edge length of the square output in pixels")
	cmd.Flags().Float64Var(&f.scale, "scale", 1, "zoom factor applied on top of fit scaling")
	cmd.Flags().Float64Var(&f.offsetX, "offset-x", 0, "horizontal content offset in pixels")
	cmd.Flags().Float64Var(&f.offsetY, "offset-y", 0, "vertical content offset in pixels")
	cmd.Flags().StringVar(&f.selection, "select", "", `crop polygon as "x,y;x,y;x,y"`)
	cmd.Flags().StringVarP(&f.class, "class", "c", string(types.ClassThumbnail), "memory tier the result is cached in")
}

func (f *renderFlags) params() (types.RenderParams, error) {
	selection, err := parseSelection(f.selection)
	if err != nil {
		return types.RenderParams{}, err
	}
	return types.RenderParams{
		TargetSize: f.size,
		Scale:      f.scale,
		OffsetX:    f.offsetX,
		OffsetY:    f.offsetY,
		Selection:  selection,
		Class:      types.AssetClass(f.class),
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	if len(Version) == 0 {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is the per-user thumbcache.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&assetsRoot, "assets", ".", "directory holding the source images")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "disk cache directory")

	rootCmd.AddCommand(renderCmd, warmCmd, clearCmd, serveCmd, configCmd)
}
