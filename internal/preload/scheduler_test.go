package preload

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/thumbcache/internal/cache"
	"github.com/scttfrdmn/thumbcache/internal/orchestrator"
	"github.com/scttfrdmn/thumbcache/internal/render"
	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// fakeWarmer records the order of warmed assets and can block on gate
type fakeWarmer struct {
	mu      sync.Mutex
	order   []types.AssetID
	started chan types.AssetID
	gate    chan struct{}
	outcome orchestrator.Outcome
	err     error
}

func (w *fakeWarmer) Warm(ctx context.Context, id types.AssetID, _ types.RenderParams) (orchestrator.Outcome, error) {
	if w.started != nil {
		w.started <- id
	}
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return orchestrator.MissFailed, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "canceled")
		}
	}
	w.mu.Lock()
	w.order = append(w.order, id)
	w.mu.Unlock()
	return w.outcome, w.err
}

func (w *fakeWarmer) warmed() []types.AssetID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]types.AssetID(nil), w.order...)
}

func newScheduler(t *testing.T, w Warmer, config Config) *Scheduler {
	t.Helper()
	config.Logger = utils.NewNopLogger()
	s, err := NewScheduler(w, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func items(ids ...types.AssetID) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{Asset: id, Params: types.RenderParams{TargetSize: 64}}
	}
	return out
}

func TestSchedule_PriorityOrder(t *testing.T) {
	t.Parallel()

	w := &fakeWarmer{started: make(chan types.AssetID, 16), gate: make(chan struct{}), outcome: orchestrator.MissRendered}
	s := newScheduler(t, w, Config{MaxConcurrent: 1})

	require.Equal(t, 1, s.Schedule(items("blocker"), PriorityLow))
	assert.Equal(t, types.AssetID("blocker"), <-w.started)

	s.Schedule(items("low-1", "low-2"), PriorityLow)
	s.Schedule(items("normal-1"), PriorityNormal)
	s.Schedule(items("high-1", "high-2"), PriorityHigh)
	close(w.gate)

	waitIdle(t, s)
	assert.Equal(t, []types.AssetID{"blocker", "high-1", "high-2", "normal-1", "low-1", "low-2"}, w.warmed())
}

func TestSchedule_DuplicatesCoalesced(t *testing.T) {
	t.Parallel()

	w := &fakeWarmer{started: make(chan types.AssetID, 16), gate: make(chan struct{}), outcome: orchestrator.MissRendered}
	s := newScheduler(t, w, Config{MaxConcurrent: 1})

	assert.Equal(t, 1, s.Schedule(items("a", "a", "a"), PriorityNormal))
	<-w.started

	// in flight: still coalesced
	assert.Equal(t, 0, s.Schedule(items("a"), PriorityHigh))

	// quantization collapses near-identical params
	near := []Item{{Asset: "a", Params: types.RenderParams{TargetSize: 64, OffsetX: 0.2}}}
	assert.Equal(t, 0, s.Schedule(near, PriorityNormal))

	// another tier is a different item
	display := []Item{{Asset: "a", Params: types.RenderParams{TargetSize: 64, Class: types.ClassDisplay}}}
	assert.Equal(t, 1, s.Schedule(display, PriorityNormal))

	close(w.gate)
	waitIdle(t, s)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Scheduled)
	assert.Equal(t, uint64(4), stats.Coalesced)
	assert.Equal(t, uint64(2), stats.Rendered)

	// finished items can be scheduled again
	assert.Equal(t, 1, s.Schedule(items("a"), PriorityNormal))
	waitIdle(t, s)
}

func TestSchedule_QueueFullDrops(t *testing.T) {
	t.Parallel()

	w := &fakeWarmer{started: make(chan types.AssetID, 16), gate: make(chan struct{})}
	s := newScheduler(t, w, Config{MaxConcurrent: 1, QueueSize: 2})

	s.Schedule(items("running"), PriorityNormal)
	<-w.started

	assert.Equal(t, 2, s.Schedule(items("a", "b", "c", "d"), PriorityNormal))
	assert.Equal(t, uint64(2), s.Stats().Dropped)

	close(w.gate)
	waitIdle(t, s)
}

func TestClose_CancelsQueuedAndInFlight(t *testing.T) {
	t.Parallel()

	w := &fakeWarmer{started: make(chan types.AssetID, 16), gate: make(chan struct{})}
	s := newScheduler(t, w, Config{MaxConcurrent: 1})

	s.Schedule(items("running", "queued-1", "queued-2"), PriorityNormal)
	<-w.started

	require.NoError(t, s.Close())

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Canceled)
	assert.Zero(t, stats.Queued)
	assert.Zero(t, stats.InFlight)
	assert.Empty(t, w.warmed())

	assert.Equal(t, 0, s.Schedule(items("late"), PriorityHigh), "closed scheduler accepts nothing")
	waitIdle(t, s)
	require.NoError(t, s.Close())
}

func TestWait_Canceled(t *testing.T) {
	t.Parallel()

	w := &fakeWarmer{started: make(chan types.AssetID, 1), gate: make(chan struct{})}
	s := newScheduler(t, w, Config{MaxConcurrent: 1})

	s.Schedule(items("slow"), PriorityNormal)
	<-w.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	assert.True(t, errors.Is(err, errors.ErrCodeOperationCanceled))

	close(w.gate)
	waitIdle(t, s)
}

func TestSchedule_OutcomesCounted(t *testing.T) {
	t.Parallel()

	hit := &fakeWarmer{outcome: orchestrator.HitMemory}
	s := newScheduler(t, hit, Config{MaxConcurrent: 2})
	s.Schedule(items("a", "b"), PriorityNormal)
	waitIdle(t, s)
	assert.Equal(t, uint64(2), s.Stats().Hits)

	failing := &fakeWarmer{err: errors.NewError(errors.ErrCodeAssetNotFound, "gone")}
	s = newScheduler(t, failing, Config{MaxConcurrent: 2})
	s.Schedule(items("a"), PriorityNormal)
	waitIdle(t, s)
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestSchedule_RateLimited(t *testing.T) {
	t.Parallel()

	w := &fakeWarmer{outcome: orchestrator.MissRendered}
	s := newScheduler(t, w, Config{MaxConcurrent: 2, RatePerSecond: 20})

	start := time.Now()
	s.Schedule(items("a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m", "n", "o", "p", "q", "r", "s", "t", "u", "v"), PriorityNormal)
	waitIdle(t, s)

	// burst of 20 then one token every 50ms
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, w.warmed(), 22)
}

func TestNewScheduler_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler(nil, Config{})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConfig))

	_, err = NewScheduler(&fakeWarmer{}, Config{MaxConcurrent: 8, RenderConcurrency: 8, Logger: utils.NewNopLogger()})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConfig))

	_, err = NewScheduler(&fakeWarmer{}, Config{RatePerSecond: -1, Logger: utils.NewNopLogger()})
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConfig))

	s := newScheduler(t, &fakeWarmer{}, Config{RenderConcurrency: 8})
	assert.Equal(t, 5, s.config.MaxConcurrent)
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

type countingStore struct {
	resolves atomic.Int32
}

func (s *countingStore) Resolve(context.Context, types.AssetID) (image.Image, types.Fingerprint, error) {
	s.resolves.Add(1)
	return image.NewRGBA(image.Rect(0, 0, 32, 32)), "fp", nil
}

func (s *countingStore) Fingerprint(context.Context, types.AssetID) (types.Fingerprint, error) {
	return "fp", nil
}

func TestScheduler_WithOrchestrator(t *testing.T) {
	t.Parallel()

	pipeline, err := render.NewPipeline(&render.Config{MaxConcurrency: 4, Logger: utils.NewNopLogger()})
	require.NoError(t, err)
	store := &countingStore{}
	orch, err := orchestrator.New(orchestrator.Config{
		Store:    store,
		Renderer: pipeline,
		Memory:   cache.NewTieredCache(nil),
		Logger:   utils.NewNopLogger(),
	})
	require.NoError(t, err)

	s := newScheduler(t, orch, Config{MaxConcurrent: 3, RenderConcurrency: pipeline.Concurrency()})

	s.Schedule(items("a", "a", "a"), PriorityHigh)
	waitIdle(t, s)
	assert.Equal(t, int32(1), store.resolves.Load(), "duplicate preloads render once")
	assert.Equal(t, uint64(1), s.Stats().Rendered)

	s.Schedule(items("a"), PriorityNormal)
	waitIdle(t, s)
	assert.Equal(t, int32(1), store.resolves.Load())
	assert.Equal(t, uint64(1), s.Stats().Hits, "warming a cached item is a no-op")

	res, err := orch.Request(context.Background(), "a", types.RenderParams{TargetSize: 64})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HitMemory, res.Outcome)
}
