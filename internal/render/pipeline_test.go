package render

import (
	"context"
	"image"
	"image/color"
	"math"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

var (
	red   = color.RGBA{R: 0xff, A: 0xff}
	white = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func newTestPipeline(t *testing.T, interpolation string) *Pipeline {
	t.Helper()
	p, err := NewPipeline(&Config{
		Background:     "#ffffff",
		Interpolation:  interpolation,
		MaxConcurrency: 2,
		Logger:         utils.NewNopLogger(),
	})
	require.NoError(t, err)
	return p
}

func pixel(bm *types.Bitmap, x, y int) color.RGBA {
	return bm.Image().RGBAAt(x, y)
}

func TestRender_FitCentresContent(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, "nearest")
	bm, err := p.Render(context.Background(), solid(200, 100, red), types.RenderParams{TargetSize: 80})
	require.NoError(t, err)

	assert.Equal(t, 80, bm.Width)
	assert.Equal(t, 80, bm.Height)
	assert.Equal(t, int64(80*80*4), bm.Cost())

	// 200x100 fitted into 80 is 80x40, centred vertically at y=20
	assert.Equal(t, white, pixel(bm, 40, 5))
	assert.Equal(t, red, pixel(bm, 40, 40))
	assert.Equal(t, white, pixel(bm, 40, 75))
	assert.Equal(t, red, pixel(bm, 0, 20))
	assert.Equal(t, red, pixel(bm, 79, 59))
}

func TestRender_SelectionFillsCanvas(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, "nearest")
	sel := []types.Point{{X: 10, Y: 10}, {X: 60, Y: 10}, {X: 60, Y: 30}, {X: 10, Y: 30}}
	bm, err := p.Render(context.Background(), solid(100, 100, red), types.RenderParams{TargetSize: 40, Selection: sel})
	require.NoError(t, err)

	// 50x20 filled into 40 is 100x40; every canvas pixel is covered
	for _, pt := range []image.Point{{0, 0}, {39, 0}, {0, 39}, {39, 39}, {20, 20}} {
		assert.Equal(t, red, pixel(bm, pt.X, pt.Y), "pixel %v", pt)
	}
}

func TestRender_PolygonOutsideIsBackground(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, "nearest")
	tri := []types.Point{{X: 0, Y: 0}, {X: 0, Y: 40}, {X: 40, Y: 40}}
	bm, err := p.Render(context.Background(), solid(40, 40, red), types.RenderParams{TargetSize: 40, Selection: tri})
	require.NoError(t, err)

	assert.Equal(t, red, pixel(bm, 2, 38), "inside the triangle")
	assert.Equal(t, white, pixel(bm, 38, 2), "outside the triangle")
}

func TestRender_TransparentContentOverBackground(t *testing.T) {
	t.Parallel()

	p, err := NewPipeline(&Config{Background: "#000", Interpolation: "nearest", Logger: utils.NewNopLogger()})
	require.NoError(t, err)

	bm, err := p.Render(context.Background(), solid(10, 10, color.RGBA{}), types.RenderParams{TargetSize: 10})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{A: 0xff}, pixel(bm, 5, 5), "canvas stays opaque")
}

func TestRender_Failures(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, "bilinear")
	base := solid(50, 50, red)

	tests := []struct {
		name string
		base image.Image
		p    types.RenderParams
		code errors.ErrorCode
	}{
		{"nil base", nil, types.RenderParams{TargetSize: 10}, errors.ErrCodeRenderFailed},
		{"empty base", image.NewRGBA(image.Rect(0, 0, 0, 0)), types.RenderParams{TargetSize: 10}, errors.ErrCodeRenderFailed},
		{"zero target", base, types.RenderParams{}, errors.ErrCodeDegenerateGeometry},
		{"huge target", base, types.RenderParams{TargetSize: 1 << 20}, errors.ErrCodeDegenerateGeometry},
		{"two points", base, types.RenderParams{TargetSize: 10, Selection: []types.Point{{X: 1, Y: 1}, {X: 5, Y: 5}}}, errors.ErrCodeDegenerateGeometry},
		{"collinear", base, types.RenderParams{TargetSize: 10, Selection: []types.Point{{X: 1, Y: 1}, {X: 5, Y: 1}, {X: 9, Y: 1}}}, errors.ErrCodeDegenerateGeometry},
		{"runaway zoom", base, types.RenderParams{TargetSize: 10, Scale: 1e9}, errors.ErrCodeDegenerateGeometry},
		{"NaN zoom", base, types.RenderParams{TargetSize: 10, Scale: math.NaN()}, errors.ErrCodeDegenerateGeometry},
		{"outside asset", base, types.RenderParams{TargetSize: 10, Selection: []types.Point{{X: 100, Y: 100}, {X: 120, Y: 100}, {X: 120, Y: 120}}}, errors.ErrCodeDegenerateGeometry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bm, err := p.Render(context.Background(), tt.base, tt.p)
			assert.Nil(t, bm)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestRender_ZoomShowsVisibleRegion(t *testing.T) {
	t.Parallel()

	blue := color.RGBA{B: 0xff, A: 0xff}
	base := solid(80, 80, red)
	for y := 0; y < 80; y++ {
		for x := 40; x < 80; x++ {
			base.SetRGBA(x, y, blue)
		}
	}

	tests := []struct {
		name    string
		interp  string
		offsetX float64
		want    color.RGBA
	}{
		{"left edge nearest", "nearest", 1000, red},
		{"right edge nearest", "nearest", -1000, blue},
		{"left edge bilinear", "bilinear", 1000, red},
		{"right edge catmullrom", "catmullrom", -1000, blue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, tt.interp)
			bm, err := p.Render(context.Background(), base, types.RenderParams{TargetSize: 80, Scale: 2, OffsetX: tt.offsetX})
			require.NoError(t, err)
			// points clear of the colour boundary by more than the kernel support
			for _, pt := range []image.Point{{5, 0}, {20, 40}, {60, 40}, {70, 79}} {
				got := pixel(bm, pt.X, pt.Y)
				assert.InDelta(t, tt.want.R, got.R, 2, "red at %v", pt)
				assert.InDelta(t, tt.want.B, got.B, 2, "blue at %v", pt)
				assert.Equal(t, uint8(0xff), got.A, "alpha at %v", pt)
			}
		})
	}
}

func TestRender_ZoomMemoryFollowsCanvas(t *testing.T) {
	p := newTestPipeline(t, "bilinear")
	base := solid(64, 64, red)
	params := types.RenderParams{TargetSize: 64, Scale: 500}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	bm, err := p.Render(context.Background(), base, params)
	runtime.ReadMemStats(&after)

	require.NoError(t, err)
	assert.InDelta(t, red.R, pixel(bm, 32, 32).R, 2)
	// the zoomed content is 32000px wide; only the 64px canvas is sampled
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(4<<20))
}

func TestRender_Canceled(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, "bilinear")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Render(ctx, solid(10, 10, red), types.RenderParams{TargetSize: 10})
	assert.True(t, errors.Is(err, errors.ErrCodeOperationCanceled), "got %v", err)
}

func TestRenderAsync(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, "catmullrom")
	results := make([]<-chan Result, 5)
	for i := range results {
		results[i] = p.RenderAsync(context.Background(), solid(64, 32, red), types.RenderParams{TargetSize: 16})
	}
	for _, ch := range results {
		res := <-ch
		require.NoError(t, res.Err)
		assert.Equal(t, 16, res.Bitmap.Width)
		_, open := <-ch
		assert.False(t, open, "channel is closed after the result")
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		w, h int
		p    types.RenderParams
		want image.Rectangle
	}{
		{"fit landscape", 200, 100, types.RenderParams{TargetSize: 80}, image.Rect(0, 20, 80, 60)},
		{"fit portrait", 50, 100, types.RenderParams{TargetSize: 80}, image.Rect(20, 0, 60, 80)},
		{"small content ignores offset", 200, 100, types.RenderParams{TargetSize: 80, OffsetY: 30}, image.Rect(0, 20, 80, 60)},
		{"zoomed offset within range", 80, 80, types.RenderParams{TargetSize: 80, Scale: 2, OffsetX: 10}, image.Rect(-30, -40, 130, 120)},
		{"zoomed offset clamped high", 80, 80, types.RenderParams{TargetSize: 80, Scale: 2, OffsetX: 1000}, image.Rect(0, -40, 160, 120)},
		{"zoomed offset clamped low", 80, 80, types.RenderParams{TargetSize: 80, Scale: 2, OffsetY: -1000}, image.Rect(-40, -80, 120, 80)},
		{"fill with selection", 50, 20, types.RenderParams{TargetSize: 40, Selection: make([]types.Point, 3)}, image.Rect(-30, 0, 70, 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := layout(tt.w, tt.h, tt.p)
			assert.Equal(t, tt.want, got)
			if got.Dx() >= tt.p.TargetSize {
				assert.LessOrEqual(t, got.Min.X, 0)
				assert.GreaterOrEqual(t, got.Max.X, tt.p.TargetSize)
			}
		})
	}
}

func TestInsidePolygon_EvenOdd(t *testing.T) {
	t.Parallel()

	// pentagram: the centre pentagon is covered twice and is outside under even-odd
	var star []types.Point
	for i := 0; i < 5; i++ {
		a := float64(i*2%5)*2*math.Pi/5 - math.Pi/2
		star = append(star, types.Point{X: 100 * math.Cos(a), Y: 100 * math.Sin(a)})
	}

	assert.False(t, insidePolygon(star, 0, 0), "centre")
	assert.True(t, insidePolygon(star, 0, -80), "top point")
	assert.False(t, insidePolygon(star, 200, 200), "far outside")

	square := []types.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	assert.True(t, insidePolygon(square, 5, 5))
	assert.False(t, insidePolygon(square, 15, 5))
}

func TestParseColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{"#ffffff", white, false},
		{"#000", color.RGBA{A: 0xff}, false},
		{"336699", color.RGBA{R: 0x33, G: 0x66, B: 0x99, A: 0xff}, false},
		{"#12345", color.RGBA{}, true},
		{"#zzzzzz", color.RGBA{}, true},
	}
	for _, tt := range tests {
		got, err := ParseColor(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewPipeline_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := NewPipeline(&Config{Background: "blue"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConfig))

	_, err = NewPipeline(&Config{Interpolation: "lanczos"})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConfig))

	p, err := NewPipeline(nil)
	require.NoError(t, err)
	assert.Equal(t, 8, p.Concurrency())
	assert.Equal(t, white, p.Background())
}
