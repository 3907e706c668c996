package cache

import (
	"fmt"
	"sort"

	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
)

// TieredCache holds one independent Tier per asset class
type TieredCache struct {
	tiers map[string]*Tier
	order []string
}

// DefaultTierConfigs returns the baseline capacity of each asset class.
// Originals are few and large, thumbnails many and small.
func DefaultTierConfigs() map[string]TierConfig {
	return map[string]TierConfig{
		string(types.ClassDisplay):   {MaxCost: 128 << 20, MaxEntries: 64},
		string(types.ClassThumbnail): {MaxCost: 64 << 20, MaxEntries: 1000},
		string(types.ClassOriginal):  {MaxCost: 256 << 20, MaxEntries: 16},
		string(types.ClassOverlay):   {MaxCost: 16 << 20, MaxEntries: 32},
	}
}

// NewTieredCache creates one tier per entry of configs. A nil or empty map
// uses DefaultTierConfigs.
func NewTieredCache(configs map[string]TierConfig) *TieredCache {
	if len(configs) == 0 {
		configs = DefaultTierConfigs()
	}

	c := &TieredCache{tiers: make(map[string]*Tier, len(configs))}
	for name, cfg := range configs {
		c.tiers[name] = NewTier(name, cfg)
		c.order = append(c.order, name)
	}
	sort.Strings(c.order)
	return c
}

// Tier returns the named tier
func (c *TieredCache) Tier(name string) (*Tier, bool) {
	t, ok := c.tiers[name]
	return t, ok
}

// Names returns the tier names in a stable order
func (c *TieredCache) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Get looks key up in the named tier. Unknown tiers miss.
func (c *TieredCache) Get(tier string, key CacheKey) (*types.Bitmap, bool) {
	t, ok := c.tiers[tier]
	if !ok {
		return nil, false
	}
	return t.Get(key)
}

// Set stores value in the named tier and reports whether it was kept
func (c *TieredCache) Set(tier string, key CacheKey, value *types.Bitmap, cost int64) (bool, error) {
	t, err := c.lookup(tier, "set")
	if err != nil {
		return false, err
	}
	return t.Set(key, value, cost), nil
}

// Remove deletes key from the named tier
func (c *TieredCache) Remove(tier string, key CacheKey) error {
	t, err := c.lookup(tier, "remove")
	if err != nil {
		return err
	}
	t.Remove(key)
	return nil
}

// RemovePrefix deletes matching keys from every tier
func (c *TieredCache) RemovePrefix(prefix string) int {
	removed := 0
	for _, name := range c.order {
		removed += c.tiers[name].RemovePrefix(prefix)
	}
	return removed
}

// Clear empties the named tier
func (c *TieredCache) Clear(tier string) error {
	t, err := c.lookup(tier, "clear")
	if err != nil {
		return err
	}
	t.Clear()
	return nil
}

// ClearAll empties every tier, taking each tier lock in turn
func (c *TieredCache) ClearAll() {
	for _, name := range c.order {
		c.tiers[name].Clear()
	}
}

// Shrink scales the named tier's limits by factor
func (c *TieredCache) Shrink(tier string, factor float64) error {
	t, err := c.lookup(tier, "shrink")
	if err != nil {
		return err
	}
	t.Shrink(factor)
	return nil
}

// Restore resets the named tier to its baseline
func (c *TieredCache) Restore(tier string) error {
	t, err := c.lookup(tier, "restore")
	if err != nil {
		return err
	}
	t.Restore()
	return nil
}

// ShrinkAll scales every tier by factor
func (c *TieredCache) ShrinkAll(factor float64) {
	for _, name := range c.order {
		c.tiers[name].Shrink(factor)
	}
}

// RestoreAll resets every tier to its baseline
func (c *TieredCache) RestoreAll() {
	for _, name := range c.order {
		c.tiers[name].Restore()
	}
}

// Stats returns per tier statistics in name order
func (c *TieredCache) Stats() []types.TierStats {
	out := make([]types.TierStats, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tiers[name].Stats())
	}
	return out
}

func (c *TieredCache) lookup(tier, op string) (*Tier, error) {
	t, ok := c.tiers[tier]
	if !ok {
		return nil, errors.NewError(errors.ErrCodeTierNotFound, fmt.Sprintf("unknown tier %q", tier)).
			WithComponent("cache").
			WithOperation(op).
			WithDetail("tier", tier)
	}
	return t, nil
}
