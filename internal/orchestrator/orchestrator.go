// Package orchestrator is the request facade of thumbcache. A request probes
// the memory tier, then the disk cache, then renders; results are written back
// to both layers.
package orchestrator

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/scttfrdmn/thumbcache/internal/cache"
	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// AssetStore supplies base images and their content fingerprints. Resolve
// returns the fingerprint of the exact content it decoded.
type AssetStore interface {
	Resolve(ctx context.Context, id types.AssetID) (image.Image, types.Fingerprint, error)
	Fingerprint(ctx context.Context, id types.AssetID) (types.Fingerprint, error)
}

// Renderer produces a bitmap from a base image
type Renderer interface {
	Render(ctx context.Context, base image.Image, p types.RenderParams) (*types.Bitmap, error)
}

// DiskStore is the persistent layer. *cache.DiskCache implements it.
type DiskStore interface {
	ReadIfExists(ctx context.Context, key cache.CacheKey) ([]byte, bool)
	WriteAsync(key cache.CacheKey, data []byte)
	Remove(key cache.CacheKey) error
	RemoveAsset(tag string) error
}

// Outcome is the terminal state of a request
type Outcome int

const (
	MissFailed Outcome = iota
	HitMemory
	HitDisk
	MissRendered
)

// String returns the outcome name used in logs and metrics
func (o Outcome) String() string {
	switch o {
	case HitMemory:
		return "hit_memory"
	case HitDisk:
		return "hit_disk"
	case MissRendered:
		return "miss_rendered"
	case MissFailed:
		return "miss_failed"
	default:
		return "unknown"
	}
}

// Hit reports whether the bitmap came from a cache layer
func (o Outcome) Hit() bool {
	return o == HitMemory || o == HitDisk
}

// Result of a request. Bitmap is nil when Outcome is MissFailed.
type Result struct {
	Key     cache.CacheKey
	Bitmap  *types.Bitmap
	Outcome Outcome
}

// AsyncResult is delivered by RequestAsync
type AsyncResult struct {
	Result
	Err error
}

// Config wires the orchestrator's collaborators
type Config struct {
	Store    AssetStore
	Renderer Renderer
	Memory   *cache.TieredCache
	// Disk may be nil to run memory only
	Disk DiskStore

	// MaxEntryCost is the largest bitmap cost inserted into memory.
	// Larger renders are returned and persisted to disk only. Zero disables
	// the ceiling.
	MaxEntryCost int64

	Logger  *utils.StructuredLogger
	Metrics types.MetricsRecorder
}

// Stats counts request outcomes since creation
type Stats struct {
	HitMemory      uint64 `json:"hit_memory"`
	HitDisk        uint64 `json:"hit_disk"`
	MissRendered   uint64 `json:"miss_rendered"`
	MissFailed     uint64 `json:"miss_failed"`
	Renders        uint64 `json:"renders"`
	Coalesced      uint64 `json:"coalesced"`
	OversizeSkips  uint64 `json:"oversize_skips"`
	Invalidations  uint64 `json:"invalidations"`
	DiskDecodeErrs uint64 `json:"disk_decode_errors"`
	AssetChanged   uint64 `json:"asset_changed"`
}

// Orchestrator serves render requests through the cache layers
type Orchestrator struct {
	store        AssetStore
	renderer     Renderer
	memory       *cache.TieredCache
	disk         DiskStore
	maxEntryCost int64
	logger       *utils.StructuredLogger
	metrics      types.MetricsRecorder

	group singleflight.Group

	hitMemory, hitDisk, missRendered, missFailed atomic.Uint64
	renders, coalesced, oversize, invalidations  atomic.Uint64
	diskDecodeErrs, assetChanged                 atomic.Uint64
}

// New creates an orchestrator. Store, Renderer and Memory are required.
func New(config Config) (*Orchestrator, error) {
	if config.Store == nil || config.Renderer == nil || config.Memory == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "orchestrator requires a store, a renderer and a memory cache").
			WithComponent("orchestrator")
	}
	if config.MaxEntryCost < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "max entry cost must not be negative").
			WithComponent("orchestrator")
	}
	if config.Logger == nil {
		config.Logger = utils.NewDefaultLogger()
	}
	if config.Metrics == nil {
		config.Metrics = types.NopRecorder{}
	}

	return &Orchestrator{
		store:        config.Store,
		renderer:     config.Renderer,
		memory:       config.Memory,
		disk:         config.Disk,
		maxEntryCost: config.MaxEntryCost,
		logger:       config.Logger.WithComponent("orchestrator"),
		metrics:      config.Metrics,
	}, nil
}

// Request returns the bitmap for (id, p). A render that has started is not
// canceled when ctx is; the caller stops waiting but the result is still
// cached for the next request.
func (o *Orchestrator) Request(ctx context.Context, id types.AssetID, p types.RenderParams) (Result, error) {
	return o.request(ctx, id, p, true)
}

// RequestAsync runs Request on its own goroutine. The channel receives
// exactly one AsyncResult and is then closed.
func (o *Orchestrator) RequestAsync(ctx context.Context, id types.AssetID, p types.RenderParams) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		res, err := o.Request(ctx, id, p)
		out <- AsyncResult{Result: res, Err: err}
	}()
	return out
}

// Warm runs the request path for background preloading. Unlike Request, ctx
// cancels the render itself.
func (o *Orchestrator) Warm(ctx context.Context, id types.AssetID, p types.RenderParams) (Outcome, error) {
	res, err := o.request(ctx, id, p, false)
	return res.Outcome, err
}

// Contains reports whether the memory tier already holds the request
func (o *Orchestrator) Contains(ctx context.Context, id types.AssetID, p types.RenderParams) bool {
	fp, err := o.store.Fingerprint(ctx, id)
	if err != nil {
		return false
	}
	t, ok := o.memory.Tier(p.TierName())
	return ok && t.Contains(cache.DeriveKey(id, p, fp))
}

// Invalidate drops every cached variant of an asset from memory and disk
func (o *Orchestrator) Invalidate(id types.AssetID) error {
	tag := cache.AssetTag(id)
	removed := o.memory.RemovePrefix(tag)
	o.invalidations.Add(1)

	o.logger.Info("invalidated asset", map[string]interface{}{
		"asset":          string(id),
		"memory_entries": removed,
	})

	if o.disk == nil {
		return nil
	}
	return o.disk.RemoveAsset(tag)
}

// Stats returns outcome counters
func (o *Orchestrator) Stats() Stats {
	return Stats{
		HitMemory:      o.hitMemory.Load(),
		HitDisk:        o.hitDisk.Load(),
		MissRendered:   o.missRendered.Load(),
		MissFailed:     o.missFailed.Load(),
		Renders:        o.renders.Load(),
		Coalesced:      o.coalesced.Load(),
		OversizeSkips:  o.oversize.Load(),
		Invalidations:  o.invalidations.Load(),
		DiskDecodeErrs: o.diskDecodeErrs.Load(),
		AssetChanged:   o.assetChanged.Load(),
	}
}

// Memory returns the tiered memory cache
func (o *Orchestrator) Memory() *cache.TieredCache {
	return o.memory
}

func (o *Orchestrator) request(ctx context.Context, id types.AssetID, p types.RenderParams, foreground bool) (res Result, err error) {
	start := time.Now()
	tier := p.TierName()
	defer func() {
		o.record(res.Outcome)
		o.metrics.RecordRequest(tier, res.Outcome.String(), time.Since(start))
	}()

	if _, ok := o.memory.Tier(tier); !ok {
		return Result{Outcome: MissFailed}, errors.NewError(errors.ErrCodeTierNotFound, fmt.Sprintf("unknown tier %q", tier)).
			WithComponent("orchestrator").
			WithDetail("asset", string(id))
	}

	fp, err := o.store.Fingerprint(ctx, id)
	if err != nil {
		return Result{Outcome: MissFailed}, assetError(err, id, "fingerprint")
	}
	key := cache.DeriveKey(id, p, fp)

	if bm, ok := o.memory.Get(tier, key); ok {
		return Result{Key: key, Bitmap: bm, Outcome: HitMemory}, nil
	}

	if bm, ok := o.readDisk(ctx, key); ok {
		o.insert(tier, key, bm, id)
		return Result{Key: key, Bitmap: bm, Outcome: HitDisk}, nil
	}

	rendered, err := o.render(ctx, id, key, p, foreground)
	if err != nil {
		o.logger.Warn("render request failed", map[string]interface{}{
			"asset": string(id),
			"key":   string(key),
			"error": err.Error(),
		})
		return Result{Key: key, Outcome: MissFailed}, err
	}

	// The render already populated the initiator's tier
	if rendered.tier != tier {
		o.insert(tier, rendered.key, rendered.bitmap, id)
	}
	return Result{Key: rendered.key, Bitmap: rendered.bitmap, Outcome: MissRendered}, nil
}

// renderOutcome is the value shared by coalesced callers. key differs from
// the requested key when the asset changed between fingerprint and resolve.
type renderOutcome struct {
	key    cache.CacheKey
	bitmap *types.Bitmap
	tier   string
}

// render coalesces concurrent renders of one key. Foreground callers detach
// the shared render from their own cancellation and wait until either it
// finishes or ctx is done.
func (o *Orchestrator) render(ctx context.Context, id types.AssetID, key cache.CacheKey, p types.RenderParams, foreground bool) (*renderOutcome, error) {
	renderCtx := ctx
	if foreground {
		renderCtx = context.WithoutCancel(ctx)
	}

	for attempt := 0; ; attempt++ {
		ch := o.group.DoChan(string(key), func() (interface{}, error) {
			return o.renderAndPersist(renderCtx, id, key, p)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "request canceled while rendering").
				WithComponent("orchestrator").
				WithDetail("key", string(key))
		}

		if res.Shared {
			o.coalesced.Add(1)
		}
		if res.Err == nil {
			return res.Val.(*renderOutcome), nil
		}

		// A joined background render was canceled; a foreground caller
		// starts its own once.
		if foreground && attempt == 0 && errors.Is(res.Err, errors.ErrCodeOperationCanceled) && ctx.Err() == nil {
			continue
		}
		return nil, res.Err
	}
}

func (o *Orchestrator) renderAndPersist(ctx context.Context, id types.AssetID, key cache.CacheKey, p types.RenderParams) (*renderOutcome, error) {
	base, fp, err := o.store.Resolve(ctx, id)
	if err != nil {
		return nil, assetError(err, id, "resolve")
	}
	if actual := cache.DeriveKey(id, p, fp); actual != key {
		o.assetChanged.Add(1)
		o.logger.Info("asset changed before render, keying by resolved content", map[string]interface{}{
			"asset":       string(id),
			"key":         string(key),
			"resolved":    string(actual),
			"fingerprint": string(fp),
		})
		key = actual
	}

	rp := cache.Quantize(p)
	rp.Class = p.Class

	o.renders.Add(1)
	bm, err := o.renderer.Render(ctx, base, rp)
	if err != nil {
		return nil, err
	}
	if bm == nil {
		return nil, errors.NewError(errors.ErrCodeRenderFailed, "renderer returned no bitmap").
			WithComponent("orchestrator")
	}

	if o.disk != nil {
		data, merr := bm.MarshalBinary()
		if merr != nil {
			o.logger.Warn("failed to encode bitmap for disk", map[string]interface{}{
				"key":   string(key),
				"error": merr.Error(),
			})
		} else {
			o.disk.WriteAsync(key, data)
		}
	}

	tier := p.TierName()
	o.insert(tier, key, bm, id)
	return &renderOutcome{key: key, bitmap: bm, tier: tier}, nil
}

func (o *Orchestrator) readDisk(ctx context.Context, key cache.CacheKey) (*types.Bitmap, bool) {
	if o.disk == nil {
		return nil, false
	}
	data, ok := o.disk.ReadIfExists(ctx, key)
	if !ok {
		return nil, false
	}

	bm := &types.Bitmap{}
	if err := bm.UnmarshalBinary(data); err != nil {
		o.diskDecodeErrs.Add(1)
		o.logger.Warn("discarding undecodable disk entry", map[string]interface{}{
			"key":   string(key),
			"error": err.Error(),
		})
		_ = o.disk.Remove(key)
		return nil, false
	}
	return bm, true
}

// insert stores bm in memory unless it exceeds the entry cost ceiling
func (o *Orchestrator) insert(tier string, key cache.CacheKey, bm *types.Bitmap, id types.AssetID) {
	cost := bm.Cost()
	if o.maxEntryCost > 0 && cost > o.maxEntryCost {
		o.oversize.Add(1)
		o.logger.Info("render exceeds entry cost ceiling, skipping memory tier", map[string]interface{}{
			"asset":   string(id),
			"tier":    tier,
			"cost":    humanize.IBytes(uint64(cost)),
			"ceiling": humanize.IBytes(uint64(o.maxEntryCost)),
		})
		return
	}

	stored, err := o.memory.Set(tier, key, bm, cost)
	if err != nil {
		o.logger.Warn("memory tier insert failed", map[string]interface{}{
			"tier":  tier,
			"error": err.Error(),
		})
		return
	}
	if !stored {
		o.logger.Debug("memory tier declined entry", map[string]interface{}{
			"tier": tier,
			"cost": cost,
		})
	}
	if t, ok := o.memory.Tier(tier); ok {
		o.metrics.UpdateTier(t.Stats())
	}
}

func (o *Orchestrator) record(outcome Outcome) {
	switch outcome {
	case HitMemory:
		o.hitMemory.Add(1)
	case HitDisk:
		o.hitDisk.Add(1)
	case MissRendered:
		o.missRendered.Add(1)
	default:
		o.missFailed.Add(1)
	}
}

// assetError gives uncoded store errors the ASSET_NOT_FOUND code
func assetError(err error, id types.AssetID, op string) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeAssetNotFound, "asset store failed").
		WithComponent("orchestrator").
		WithOperation(op).
		WithDetail("asset", string(id))
}
