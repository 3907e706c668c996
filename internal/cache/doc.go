/*
Package cache provides the storage layers of thumbcache: content derived keys,
cost bounded memory tiers and the persistent disk cache.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│             Orchestrator                    │
	└─────────────────────────────────────────────┘
	                      │ CacheKey
	┌─────────────────────────────────────────────┐
	│            TieredCache                      │  ← This Package
	│  display │ thumbnail │ original │ overlay   │
	│   (one cost and count bounded LRU each)     │
	└─────────────────────────────────────────────┘
	                      │ miss
	┌─────────────────────────────────────────────┐
	│             DiskCache                       │  ← This Package
	│   <dir>/<asset tag>/<digest>.tcb            │
	│   atomic write, optional zstd, async queue  │
	└─────────────────────────────────────────────┘

# Keys

DeriveKey hashes the asset ID, the quantized RenderParams and the content
fingerprint with sha256. Scale is rounded to two decimals and offsets and
selection points to whole pixels first, so requests that differ only by
sub-pixel noise share a key. The key starts with a 16 character tag derived
from the asset ID alone, which lets both layers drop every variant of an
asset without keeping an index:

	key := cache.DeriveKey("poster.png", params, fp)
	tiers.RemovePrefix(key.AssetTag())
	disk.RemoveAsset(key.AssetTag())

# Tiers

Each Tier enforces cost <= costLimit and count <= countLimit after every Set
by evicting least recently used entries. Shrink scales both limits of the
baseline (Shrink(0) empties the tier) and Restore returns to the baseline.
An entry whose cost alone exceeds the cost limit is not stored.

# Disk

DiskCache files start with a one byte codec (0 raw, 1 zstd). Payloads are
compressed only when compression is enabled, the payload is larger than
1 KiB and compression actually helps. Reads and writes go through a circuit
breaker; while it is open every read is a miss and writes are skipped.
*/
package cache
