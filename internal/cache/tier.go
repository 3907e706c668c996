package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/scttfrdmn/thumbcache/pkg/types"
)

// TierConfig is the baseline capacity of one tier
type TierConfig struct {
	MaxCost    int64 `yaml:"max_cost"`
	MaxEntries int   `yaml:"max_entries"`
}

// Tier is a cost and count bounded LRU cache of bitmaps for one asset class.
// After every mutation cost <= costLimit and count <= countLimit.
//
// Get holds only the read lock. It stamps the entry from an atomic clock and
// eviction gives stamped entries a second chance at the front of the list,
// so readers never contend with each other.
type Tier struct {
	mu        sync.RWMutex
	name      string
	baseline  TierConfig
	costLimit int64
	maxCount  int
	cost      int64
	items     map[CacheKey]*list.Element
	evictList *list.List

	clock     atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions uint64
}

// tierEntry is the value stored in each list element
type tierEntry struct {
	key     CacheKey
	value   *types.Bitmap
	cost    int64
	listed  uint64
	lastUse atomic.Uint64
}

// NewTier creates a tier with the given baseline
func NewTier(name string, config TierConfig) *Tier {
	if config.MaxCost < 0 {
		config.MaxCost = 0
	}
	if config.MaxEntries < 0 {
		config.MaxEntries = 0
	}
	return &Tier{
		name:      name,
		baseline:  config,
		costLimit: config.MaxCost,
		maxCount:  config.MaxEntries,
		items:     make(map[CacheKey]*list.Element),
		evictList: list.New(),
	}
}

// Name returns the tier name
func (t *Tier) Name() string {
	return t.name
}

// Get returns the bitmap stored under key and marks it most recently used
func (t *Tier) Get(key CacheKey) (*types.Bitmap, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	elem, ok := t.items[key]
	if !ok {
		t.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*tierEntry)
	entry.lastUse.Store(t.clock.Add(1))
	t.hits.Add(1)
	return entry.value, true
}

// Contains reports presence without touching recency or statistics
func (t *Tier) Contains(key CacheKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.items[key]
	return ok
}

// Set stores value under key and evicts least recently used entries until the
// limits hold again. It reports whether the value was stored; a value whose
// cost alone exceeds the cost limit is not.
func (t *Tier) Set(key CacheKey, value *types.Bitmap, cost int64) bool {
	if cost < 0 {
		cost = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.items[key]; ok {
		t.removeElement(elem)
	}

	if cost > t.costLimit || t.maxCount == 0 {
		return false
	}

	entry := &tierEntry{key: key, value: value, cost: cost, listed: t.clock.Add(1)}
	entry.lastUse.Store(entry.listed)
	elem := t.evictList.PushFront(entry)
	t.items[key] = elem
	t.cost += cost

	t.evictIfNeeded()
	return true
}

// Remove deletes key and reports whether it was present
func (t *Tier) Remove(key CacheKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		return false
	}
	t.removeElement(elem)
	return true
}

// RemovePrefix deletes every key starting with prefix and returns the count
func (t *Tier) RemovePrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, elem := range t.items {
		if strings.HasPrefix(string(key), prefix) {
			t.removeElement(elem)
			removed++
		}
	}
	return removed
}

// Clear removes all entries. Limits are unchanged.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictions += uint64(len(t.items))
	t.items = make(map[CacheKey]*list.Element)
	t.evictList.Init()
	t.cost = 0
}

// Shrink scales both limits of the baseline by factor and evicts immediately.
// Factor is clamped to [0, 1]; a factor of 0 empties the tier.
func (t *Tier) Shrink(factor float64) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1 {
		factor = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.costLimit = int64(float64(t.baseline.MaxCost) * factor)
	t.maxCount = int(float64(t.baseline.MaxEntries) * factor)
	t.evictIfNeeded()
}

// Restore resets the limits to the baseline
func (t *Tier) Restore() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.costLimit = t.baseline.MaxCost
	t.maxCount = t.baseline.MaxEntries
}

// Limits returns the current cost and count limits
func (t *Tier) Limits() (costLimit int64, countLimit int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.costLimit, t.maxCount
}

// Len returns the number of entries
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Cost returns the summed cost of all entries
func (t *Tier) Cost() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cost
}

// Stats returns tier statistics
func (t *Tier) Stats() types.TierStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hits, misses := t.hits.Load(), t.misses.Load()
	stats := types.TierStats{
		CacheStats: types.CacheStats{Hits: hits, Misses: misses, Evictions: t.evictions},
		Name:       t.name,
		Count:      len(t.items),
		CountLimit: t.maxCount,
		CostLimit:  t.costLimit,
	}
	stats.Size = t.cost
	stats.Capacity = t.costLimit
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	if t.costLimit > 0 {
		stats.Utilization = float64(t.cost) / float64(t.costLimit)
	}
	return stats
}

// Helper methods

func (t *Tier) removeElement(elem *list.Element) {
	entry := elem.Value.(*tierEntry)
	t.evictList.Remove(elem)
	delete(t.items, entry.key)
	t.cost -= entry.cost
}

func (t *Tier) evictIfNeeded() {
	// Evict by cost
	for t.cost > t.costLimit && t.evictList.Len() > 0 {
		t.evictOldest()
	}

	// Evict by count
	for len(t.items) > t.maxCount && t.evictList.Len() > 0 {
		t.evictOldest()
	}
}

// evictOldest removes the least recently used entry. Entries read since they
// were listed move back to the front instead; each does so at most once per
// read, so the loop ends.
func (t *Tier) evictOldest() {
	for {
		elem := t.evictList.Back()
		if elem == nil {
			return
		}
		entry := elem.Value.(*tierEntry)
		if used := entry.lastUse.Load(); used > entry.listed {
			entry.listed = used
			t.evictList.MoveToFront(elem)
			continue
		}
		t.removeElement(elem)
		t.evictions++
		return
	}
}
