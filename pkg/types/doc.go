/*
Package types provides the shared data structures of thumbcache.

Everything that crosses a package boundary lives here: the asset identity
(AssetID, Fingerprint), the transform request (RenderParams and its selection
Points), the rendered Bitmap with its cost model, cache statistics and the
process wide PressureState.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│                 Caller                      │
	│       (cmd/thumbcache, embedding app)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│            Cache Orchestrator               │
	│         (internal/orchestrator)             │
	└─────────────────────────────────────────────┘
	      │             │              │
	┌─────┴─────┐ ┌─────┴─────┐ ┌──────┴──────┐
	│  Memory   │ │   Disk    │ │   Render    │
	│  tiers    │ │   cache   │ │  pipeline   │
	└───────────┘ └───────────┘ └─────────────┘
	      ▲                            ▲
	┌─────┴─────────┐        ┌─────────┴───────┐
	│   Pressure    │        │    Preload      │
	│  controller   │        │   scheduler     │
	└───────────────┘        └─────────────────┘

# Bitmaps

Bitmap holds tightly packed RGBA pixels. Its Cost is Width*Height*4 bytes and
is the unit every memory tier budgets in. MarshalBinary produces the record
stored by the disk cache:

	"TCB1" | uint32 width | uint32 height | pixels

# Metrics

MetricsRecorder decouples the cache components from prometheus. Components
accept a recorder and default to NopRecorder.
*/
package types
