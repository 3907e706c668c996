package service

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/thumbcache/internal/assets"
	"github.com/scttfrdmn/thumbcache/internal/config"
	"github.com/scttfrdmn/thumbcache/internal/orchestrator"
	"github.com/scttfrdmn/thumbcache/internal/preload"
	"github.com/scttfrdmn/thumbcache/internal/pressure"
	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/health"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func testConfig(t *testing.T, cacheDir, assetsRoot string) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Cache.Directory = cacheDir
	cfg.Assets.Root = assetsRoot
	cfg.Assets.Watch = false
	cfg.Pressure.Interval = 10 * time.Millisecond
	cfg.Pressure.FreeOSMemory = false
	cfg.Render.MaxConcurrency = 4
	cfg.Preload.MaxConcurrent = 2
	return cfg
}

func newService(t *testing.T, cfg *config.Configuration, sampler pressure.Sampler) *Service {
	t.Helper()
	s, err := New(cfg, Options{Sampler: sampler, Logger: utils.NewNopLogger()})
	require.NoError(t, err)
	return s
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, t.TempDir(), t.TempDir())
	cfg.Pressure.Warning = 0.95
	cfg.Pressure.High = 0.9
	_, err := New(cfg, Options{Logger: utils.NewNopLogger()})
	assert.True(t, errors.Is(err, errors.ErrCodeConfigValidation), "got %v", err)

	cfg = testConfig(t, t.TempDir(), filepath.Join(t.TempDir(), "missing"))
	_, err = New(cfg, Options{Logger: utils.NewNopLogger()})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConfig), "got %v", err)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(config.GlobalConfig{LogLevel: "debug", LogFormat: "json"})
	require.NoError(t, err)
	assert.Equal(t, utils.DEBUG, logger.GetLevel())

	_, err = NewLogger(config.GlobalConfig{LogLevel: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(config.GlobalConfig{LogFormat: "xml"})
	assert.Error(t, err)
}

func TestService_RestartServesFromDisk(t *testing.T) {
	t.Parallel()

	cacheDir, root := t.TempDir(), t.TempDir()
	writePNG(t, filepath.Join(root, "a.png"), 64, 32, color.RGBA{R: 0xff, A: 0xff})
	params := types.RenderParams{TargetSize: 32}
	ctx := context.Background()

	s := newService(t, testConfig(t, cacheDir, root), pressure.NewStaticSampler(0.1))
	require.NoError(t, s.Start(ctx))

	res, err := s.Orchestrator().Request(ctx, "a.png", params)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.MissRendered, res.Outcome)

	res, err = s.Orchestrator().Request(ctx, "a.png", params)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HitMemory, res.Outcome)
	stop(t, s)

	s = newService(t, testConfig(t, cacheDir, root), pressure.NewStaticSampler(0.1))
	defer stop(t, s)
	require.NoError(t, s.Start(ctx))

	res, err = s.Orchestrator().Request(ctx, "a.png", params)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HitDisk, res.Outcome)

	res, err = s.Orchestrator().Request(ctx, "a.png", params)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HitMemory, res.Outcome)
}

func TestService_PressureShrinksTiers(t *testing.T) {
	t.Parallel()

	store := assets.NewMemoryStore()
	store.Put("a", image.NewRGBA(image.Rect(0, 0, 16, 16)))
	sampler := pressure.NewStaticSampler(0.1)

	cfg := testConfig(t, t.TempDir(), t.TempDir())
	cfg.Cache.Disk.Enabled = false
	s, err := New(cfg, Options{Store: store, Sampler: sampler, Logger: utils.NewNopLogger()})
	require.NoError(t, err)
	defer stop(t, s)
	require.NoError(t, s.Start(context.Background()))

	_, err = s.Orchestrator().Request(context.Background(), "a", types.RenderParams{TargetSize: 16})
	require.NoError(t, err)

	thumbs, ok := s.Memory().Tier("thumbnail")
	require.True(t, ok)
	baseCost, baseCount := thumbs.Limits()
	assert.Equal(t, 1, thumbs.Len())

	sampler.Set(0.95)
	assert.Eventually(t, func() bool {
		cost, count := thumbs.Limits()
		return cost == 0 && count == 0 && thumbs.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.PressureCritical, s.Pressure().State())
	assert.InDelta(t, 0.95, s.Stats().Memory, 1e-9)

	sampler.Set(0.1)
	assert.Eventually(t, func() bool {
		cost, count := thumbs.Limits()
		return cost == baseCost && count == baseCount
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_WatchInvalidates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "a.png")
	writePNG(t, path, 20, 20, color.RGBA{G: 0xff, A: 0xff})

	cfg := testConfig(t, t.TempDir(), root)
	cfg.Assets.Watch = true
	s := newService(t, cfg, pressure.NewStaticSampler(0.1))
	defer stop(t, s)
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Orchestrator().Request(context.Background(), "a.png", types.RenderParams{TargetSize: 10})
	require.NoError(t, err)
	thumbs, _ := s.Memory().Tier("thumbnail")
	require.Equal(t, 1, thumbs.Len())

	assert.Eventually(t, func() bool {
		writePNG(t, path, 20, 20, color.RGBA{B: 0xff, A: 0xff})
		return thumbs.Len() == 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Positive(t, s.Orchestrator().Stats().Invalidations)
}

func TestService_PreloadWarmsCache(t *testing.T) {
	t.Parallel()

	store := assets.NewMemoryStore()
	for _, id := range []types.AssetID{"a", "b", "c"} {
		store.Put(id, image.NewRGBA(image.Rect(0, 0, 8, 8)))
	}
	s, err := New(testConfig(t, t.TempDir(), t.TempDir()), Options{Store: store, Sampler: pressure.NewStaticSampler(0), Logger: utils.NewNopLogger()})
	require.NoError(t, err)
	defer stop(t, s)

	items := []preload.Item{
		{Asset: "a", Params: types.RenderParams{TargetSize: 8}},
		{Asset: "b", Params: types.RenderParams{TargetSize: 8}},
		{Asset: "c", Params: types.RenderParams{TargetSize: 8}},
	}
	assert.Equal(t, 3, s.Preload().Schedule(items, preload.PriorityNormal))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Preload().Wait(ctx))

	for _, it := range items {
		assert.True(t, s.Orchestrator().Contains(ctx, it.Asset, it.Params), "asset %s", it.Asset)
	}
	assert.Equal(t, uint64(3), s.Stats().Preload.Rendered)
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	s := newService(t, testConfig(t, t.TempDir(), t.TempDir()), pressure.NewStaticSampler(0))
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, errors.Is(s.Start(ctx), errors.ErrCodeAlreadyStarted))

	stop(t, s)
	stop(t, s)
	assert.True(t, errors.Is(s.Start(ctx), errors.ErrCodeComponentStopped))
}

func TestService_StopWithoutStart(t *testing.T) {
	t.Parallel()

	s := newService(t, testConfig(t, t.TempDir(), t.TempDir()), nil)
	stop(t, s)
}

func TestService_StatsEndpoint(t *testing.T) {
	t.Parallel()

	store := assets.NewMemoryStore()
	store.Put("a", image.NewRGBA(image.Rect(0, 0, 8, 8)))
	s, err := New(testConfig(t, t.TempDir(), t.TempDir()), Options{Store: store, Sampler: pressure.NewStaticSampler(0), Logger: utils.NewNopLogger()})
	require.NoError(t, err)
	defer stop(t, s)

	_, err = s.Orchestrator().Request(context.Background(), "a", types.RenderParams{TargetSize: 8})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Metrics().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, uint64(1), stats.Requests.MissRendered)
	assert.Equal(t, "normal", stats.Pressure)
	require.NotNil(t, stats.Disk)
	assert.Equal(t, "CLOSED", stats.Disk.CircuitState)
	assert.Len(t, stats.Tiers, 4)
}

func TestService_HealthEndpoint(t *testing.T) {
	t.Parallel()

	s := newService(t, testConfig(t, t.TempDir(), t.TempDir()), pressure.NewStaticSampler(0))
	defer stop(t, s)

	rec := httptest.NewRecorder()
	s.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, health.StateHealthy, report.State)
	assert.Len(t, report.Components, 3)

	for i := 0; i < 10; i++ {
		s.Health().RecordError(health.ComponentRender, nil)
	}
	rec = httptest.NewRecorder()
	s.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
