// Package render turns a base image and RenderParams into a square RGBA
// thumbnail: optional polygon crop, fit or fill scaling, clamped offset and
// composition onto an opaque background.
package render

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"golang.org/x/sync/semaphore"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// maxEdgeFactor bounds the scaled content edge as a multiple of the largest
// accepted target size
const maxEdgeFactor = 16

// Config represents render pipeline configuration
type Config struct {
	Background     string `yaml:"background"`
	Interpolation  string `yaml:"interpolation"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxTargetSize  int    `yaml:"max_target_size"`

	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics types.MetricsRecorder   `yaml:"-"`
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() *Config {
	return &Config{
		Background:     "#ffffff",
		Interpolation:  "bilinear",
		MaxConcurrency: 8,
		MaxTargetSize:  4096,
	}
}

// Result is delivered by RenderAsync
type Result struct {
	Bitmap *types.Bitmap
	Err    error
}

// Pipeline renders thumbnails with bounded concurrency
type Pipeline struct {
	background   color.RGBA
	interpolator draw.Interpolator
	maxTarget    int
	concurrency  int
	sem          *semaphore.Weighted
	logger       *utils.StructuredLogger
	metrics      types.MetricsRecorder
}

// NewPipeline creates a pipeline. A nil config uses DefaultConfig.
func NewPipeline(config *Config) (*Pipeline, error) {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Background == "" {
		config.Background = defaults.Background
	}
	if config.Interpolation == "" {
		config.Interpolation = defaults.Interpolation
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.MaxTargetSize <= 0 {
		config.MaxTargetSize = defaults.MaxTargetSize
	}

	bg, err := ParseColor(config.Background)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid render background").
			WithComponent("render")
	}
	interp, err := ParseInterpolation(config.Interpolation)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid render interpolation").
			WithComponent("render")
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.NewDefaultLogger()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = types.NopRecorder{}
	}

	return &Pipeline{
		background:   bg,
		interpolator: interp,
		maxTarget:    config.MaxTargetSize,
		concurrency:  config.MaxConcurrency,
		sem:          semaphore.NewWeighted(int64(config.MaxConcurrency)),
		logger:       logger.WithComponent("render"),
		metrics:      metrics,
	}, nil
}

// Concurrency returns the maximum number of simultaneous renders
func (p *Pipeline) Concurrency() int {
	return p.concurrency
}

// Background returns the canvas colour
func (p *Pipeline) Background() color.RGBA {
	return p.background
}

// Render produces the thumbnail for base. It blocks while the pipeline is at
// capacity; ctx cancels both the wait and the work between steps.
func (p *Pipeline) Render(ctx context.Context, base image.Image, params types.RenderParams) (*types.Bitmap, error) {
	start := time.Now()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, canceled(err)
	}
	defer p.sem.Release(1)

	bm, err := p.render(ctx, base, params)
	cost := int64(0)
	if bm != nil {
		cost = bm.Cost()
	}
	p.metrics.RecordRender(time.Since(start), cost, err == nil)

	if err != nil {
		p.logger.Debug("render failed", map[string]interface{}{
			"target_size": params.TargetSize,
			"error":       err.Error(),
		})
		return nil, err
	}
	return bm, nil
}

// RenderAsync runs Render on its own goroutine. The channel receives exactly
// one Result and is then closed.
func (p *Pipeline) RenderAsync(ctx context.Context, base image.Image, params types.RenderParams) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		bm, err := p.Render(ctx, base, params)
		out <- Result{Bitmap: bm, Err: err}
	}()
	return out
}

func (p *Pipeline) render(ctx context.Context, base image.Image, params types.RenderParams) (*types.Bitmap, error) {
	if base == nil || base.Bounds().Empty() {
		return nil, errors.NewError(errors.ErrCodeRenderFailed, "missing or empty base asset").
			WithComponent("render")
	}
	if params.TargetSize <= 0 || params.TargetSize > p.maxTarget {
		return nil, errors.NewError(errors.ErrCodeDegenerateGeometry, "target size out of range").
			WithComponent("render").
			WithDetail("target_size", params.TargetSize).
			WithDetail("max_target_size", p.maxTarget)
	}

	content, err := p.crop(base, params.Selection)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}

	cb := content.Bounds()
	scale := scaleFactor(cb.Dx(), cb.Dy(), params.TargetSize, params.HasSelection(), params.EffectiveScale())
	limit := float64(p.maxTarget) * maxEdgeFactor
	if math.IsNaN(scale) || float64(cb.Dx())*scale > limit || float64(cb.Dy())*scale > limit {
		return nil, errors.NewError(errors.ErrCodeDegenerateGeometry, "scaled content too large").
			WithComponent("render").
			WithDetail("scale", params.EffectiveScale()).
			WithDetail("max_edge", int(limit))
	}
	dst := layout(cb.Dx(), cb.Dy(), params)

	canvas := image.NewRGBA(image.Rect(0, 0, params.TargetSize, params.TargetSize))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: p.background}, image.Point{}, draw.Src)
	p.composite(canvas, dst, content, cb)

	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	return &types.Bitmap{Width: params.TargetSize, Height: params.TargetSize, Pix: canvas.Pix}, nil
}

// composite draws content scaled into dst. Content that overhangs the canvas
// goes through an affine transform clipped to the canvas, so work and memory
// follow the canvas size rather than the zoomed content size.
func (p *Pipeline) composite(canvas *image.RGBA, dst image.Rectangle, content image.Image, cb image.Rectangle) {
	if dst.In(canvas.Bounds()) {
		p.interpolator.Scale(canvas, dst, content, cb, draw.Over, nil)
		return
	}
	if dst.Dx() == cb.Dx() && dst.Dy() == cb.Dy() {
		draw.Draw(canvas, dst, content, cb.Min, draw.Over)
		return
	}
	kx := float64(dst.Dx()) / float64(cb.Dx())
	ky := float64(dst.Dy()) / float64(cb.Dy())
	s2d := f64.Aff3{
		kx, 0, float64(dst.Min.X) - kx*float64(cb.Min.X),
		0, ky, float64(dst.Min.Y) - ky*float64(cb.Min.Y),
	}
	p.interpolator.Transform(canvas, s2d, content, cb, draw.Over, nil)
}

// crop returns base unchanged without a selection. Otherwise it returns the
// selection's bounding box with pixels outside the polygon painted in the
// background colour.
func (p *Pipeline) crop(base image.Image, selection []types.Point) (image.Image, error) {
	if len(selection) == 0 {
		return base, nil
	}
	if len(selection) < 3 {
		return nil, errors.NewError(errors.ErrCodeDegenerateGeometry, "selection needs at least three points").
			WithComponent("render").
			WithDetail("points", len(selection))
	}

	box := selectionBounds(selection)
	if box.Empty() {
		return nil, errors.NewError(errors.ErrCodeDegenerateGeometry, "selection has an empty bounding box").
			WithComponent("render")
	}
	region := box.Intersect(base.Bounds())
	if region.Empty() {
		return nil, errors.NewError(errors.ErrCodeDegenerateGeometry, "selection lies outside the asset").
			WithComponent("render").
			WithDetail("selection", box.String()).
			WithDetail("asset", base.Bounds().String())
	}

	mask := polygonMask(selection, region)
	out := image.NewRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: p.background}, image.Point{}, draw.Src)
	draw.DrawMask(out, out.Bounds(), base, region.Min, mask, region.Min, draw.Over)
	return out, nil
}

// ParseColor parses #rgb or #rrggbb. The result is always opaque.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("color %q must be #rgb or #rrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// ParseInterpolation maps a name to an x/image interpolator
func ParseInterpolation(name string) (draw.Interpolator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest":
		return draw.NearestNeighbor, nil
	case "approx", "approxbilinear":
		return draw.ApproxBiLinear, nil
	case "bilinear", "":
		return draw.BiLinear, nil
	case "catmullrom":
		return draw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown interpolation %q", name)
	}
}

func canceled(err error) error {
	return errors.Wrap(err, errors.ErrCodeOperationCanceled, "render canceled").
		WithComponent("render")
}
