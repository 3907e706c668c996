package cache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
)

func testKey(i int) CacheKey {
	return DeriveKey(types.AssetID(fmt.Sprintf("asset-%d", i)), types.RenderParams{TargetSize: 80}, "fp")
}

func testBitmap(w, h int) *types.Bitmap {
	return &types.Bitmap{Width: w, Height: h, Pix: make([]byte, w*h*types.BytesPerPixel)}
}

func TestTier_GetSet(t *testing.T) {
	t.Parallel()

	tier := NewTier("thumbnail", TierConfig{MaxCost: 1000, MaxEntries: 10})
	bm := testBitmap(2, 2)

	_, ok := tier.Get(testKey(1))
	assert.False(t, ok)

	assert.True(t, tier.Set(testKey(1), bm, bm.Cost()))
	got, ok := tier.Get(testKey(1))
	require.True(t, ok)
	assert.Same(t, bm, got)

	stats := tier.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, int64(16), stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestTier_OverwriteReplacesCost(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 100, MaxEntries: 10})
	tier.Set(testKey(1), testBitmap(1, 1), 60)
	tier.Set(testKey(1), testBitmap(1, 1), 30)

	assert.Equal(t, int64(30), tier.Cost())
	assert.Equal(t, 1, tier.Len())
}

func TestTier_EvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 30, MaxEntries: 10})
	tier.Set(testKey(1), testBitmap(1, 1), 10)
	tier.Set(testKey(2), testBitmap(1, 1), 10)
	tier.Set(testKey(3), testBitmap(1, 1), 10)

	// touch 1 so 2 becomes the oldest
	_, _ = tier.Get(testKey(1))
	tier.Set(testKey(4), testBitmap(1, 1), 10)

	assert.True(t, tier.Contains(testKey(1)))
	assert.False(t, tier.Contains(testKey(2)))
	assert.True(t, tier.Contains(testKey(3)))
	assert.True(t, tier.Contains(testKey(4)))
	assert.Equal(t, uint64(1), tier.Stats().Evictions)
}

func TestTier_GetSharesReadLock(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 100, MaxEntries: 10})
	tier.Set(testKey(1), testBitmap(1, 1), 10)

	// a reader already inside the tier must not hold up Get
	tier.mu.RLock()
	defer tier.mu.RUnlock()

	done := make(chan bool, 1)
	go func() {
		_, ok := tier.Get(testKey(1))
		done <- ok
	}()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Get blocked behind a concurrent reader")
	}
}

func TestTier_ReadEntriesSurviveEviction(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 1 << 20, MaxEntries: 3})
	for i := 1; i <= 3; i++ {
		tier.Set(testKey(i), testBitmap(1, 1), 1)
	}
	_, _ = tier.Get(testKey(1))
	_, _ = tier.Get(testKey(2))
	tier.Set(testKey(4), testBitmap(1, 1), 1)

	assert.False(t, tier.Contains(testKey(3)), "the only unread entry goes first")
	for _, i := range []int{1, 2, 4} {
		assert.True(t, tier.Contains(testKey(i)), "key %d", i)
	}
	assert.Equal(t, uint64(1), tier.Stats().Evictions)
}

func TestTier_CountLimit(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 1 << 20, MaxEntries: 2})
	for i := 0; i < 5; i++ {
		tier.Set(testKey(i), testBitmap(1, 1), 4)
	}
	assert.Equal(t, 2, tier.Len())
	assert.True(t, tier.Contains(testKey(3)))
	assert.True(t, tier.Contains(testKey(4)))
}

func TestTier_OversizedEntryNotStored(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 10, MaxEntries: 10})
	tier.Set(testKey(1), testBitmap(1, 1), 5)

	assert.False(t, tier.Set(testKey(2), testBitmap(1, 1), 11))
	assert.False(t, tier.Contains(testKey(2)))
	assert.True(t, tier.Contains(testKey(1)), "oversized insert must not evict existing entries")
}

func TestTier_CapacityInvariant(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	tier := NewTier("t", TierConfig{MaxCost: 500, MaxEntries: 20})

	for i := 0; i < 2000; i++ {
		switch rng.Intn(10) {
		case 0:
			tier.Shrink(rng.Float64())
		case 1:
			tier.Restore()
		case 2:
			tier.Remove(testKey(rng.Intn(50)))
		default:
			tier.Set(testKey(rng.Intn(50)), testBitmap(1, 1), int64(rng.Intn(120)))
		}

		costLimit, countLimit := tier.Limits()
		require.LessOrEqual(t, tier.Cost(), costLimit, "step %d", i)
		require.LessOrEqual(t, tier.Len(), countLimit, "step %d", i)
	}
}

func TestTier_ShrinkAndRestore(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 100, MaxEntries: 10})
	for i := 0; i < 10; i++ {
		tier.Set(testKey(i), testBitmap(1, 1), 10)
	}

	tier.Shrink(0.5)
	costLimit, countLimit := tier.Limits()
	assert.Equal(t, int64(50), costLimit)
	assert.Equal(t, 5, countLimit)
	assert.Equal(t, 5, tier.Len())

	tier.Shrink(0)
	costLimit, countLimit = tier.Limits()
	assert.Zero(t, costLimit)
	assert.Zero(t, countLimit)
	assert.Zero(t, tier.Len())
	assert.False(t, tier.Set(testKey(1), testBitmap(1, 1), 1), "an emptied tier holds nothing")

	tier.Restore()
	costLimit, countLimit = tier.Limits()
	assert.Equal(t, int64(100), costLimit)
	assert.Equal(t, 10, countLimit)
	assert.True(t, tier.Set(testKey(1), testBitmap(1, 1), 10))
}

func TestTier_RemovePrefixAndClear(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 1000, MaxEntries: 100})
	p := types.RenderParams{TargetSize: 80}
	a1 := DeriveKey("A", p, "1")
	a2 := DeriveKey("A", types.RenderParams{TargetSize: 160}, "1")
	b1 := DeriveKey("B", p, "1")
	for _, k := range []CacheKey{a1, a2, b1} {
		tier.Set(k, testBitmap(1, 1), 4)
	}

	assert.Equal(t, 2, tier.RemovePrefix(AssetTag("A")))
	assert.False(t, tier.Contains(a1))
	assert.False(t, tier.Contains(a2))
	assert.True(t, tier.Contains(b1))
	assert.Equal(t, int64(4), tier.Cost())

	tier.Clear()
	assert.Zero(t, tier.Len())
	assert.Zero(t, tier.Cost())
}

func TestTier_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	tier := NewTier("t", TierConfig{MaxCost: 400, MaxEntries: 50})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := testKey((g*31 + i) % 64)
				switch i % 4 {
				case 0:
					tier.Set(k, testBitmap(1, 1), 8)
				case 1:
					tier.Get(k)
				case 2:
					if g == 0 {
						tier.Clear()
					}
				default:
					tier.Contains(k)
				}
			}
		}(g)
	}
	wg.Wait()

	costLimit, countLimit := tier.Limits()
	assert.LessOrEqual(t, tier.Cost(), costLimit)
	assert.LessOrEqual(t, tier.Len(), countLimit)
}

func TestTieredCache(t *testing.T) {
	t.Parallel()

	c := NewTieredCache(nil)
	assert.Equal(t, []string{"display", "original", "overlay", "thumbnail"}, c.Names())

	bm := testBitmap(4, 4)
	stored, err := c.Set("thumbnail", testKey(1), bm, bm.Cost())
	require.NoError(t, err)
	assert.True(t, stored)

	got, ok := c.Get("thumbnail", testKey(1))
	require.True(t, ok)
	assert.Same(t, bm, got)

	_, ok = c.Get("display", testKey(1))
	assert.False(t, ok, "tiers are independent")

	_, ok = c.Get("missing", testKey(1))
	assert.False(t, ok)

	_, err = c.Set("missing", testKey(1), bm, 1)
	assert.True(t, errors.Is(err, errors.ErrCodeTierNotFound))
	assert.True(t, errors.Is(c.Shrink("missing", 0.5), errors.ErrCodeTierNotFound))
	assert.True(t, errors.Is(c.Restore("missing"), errors.ErrCodeTierNotFound))
	assert.True(t, errors.Is(c.Clear("missing"), errors.ErrCodeTierNotFound))
	assert.True(t, errors.Is(c.Remove("missing", testKey(1)), errors.ErrCodeTierNotFound))

	require.NoError(t, c.Remove("thumbnail", testKey(1)))
	_, ok = c.Get("thumbnail", testKey(1))
	assert.False(t, ok)
}

func TestTieredCache_ShrinkAllRestoreAll(t *testing.T) {
	t.Parallel()

	configs := map[string]TierConfig{
		"a": {MaxCost: 100, MaxEntries: 10},
		"b": {MaxCost: 40, MaxEntries: 4},
	}
	c := NewTieredCache(configs)

	c.ShrinkAll(0.5)
	for _, s := range c.Stats() {
		assert.Equal(t, configs[s.Name].MaxCost/2, s.CostLimit, s.Name)
		assert.Equal(t, configs[s.Name].MaxEntries/2, s.CountLimit, s.Name)
	}

	c.ShrinkAll(0)
	for _, s := range c.Stats() {
		assert.Zero(t, s.CostLimit, s.Name)
		assert.Zero(t, s.Count, s.Name)
	}

	c.RestoreAll()
	for _, s := range c.Stats() {
		assert.Equal(t, configs[s.Name].MaxCost, s.CostLimit, s.Name)
	}
}

func TestTieredCache_RemovePrefixAndClearAll(t *testing.T) {
	t.Parallel()

	c := NewTieredCache(nil)
	k := DeriveKey("A", types.RenderParams{TargetSize: 80}, "")
	_, _ = c.Set("display", k, testBitmap(1, 1), 4)
	_, _ = c.Set("overlay", k, testBitmap(1, 1), 4)
	_, _ = c.Set("overlay", testKey(9), testBitmap(1, 1), 4)

	assert.Equal(t, 2, c.RemovePrefix(k.AssetTag()))

	c.ClearAll()
	for _, s := range c.Stats() {
		assert.Zero(t, s.Count, s.Name)
	}
}
