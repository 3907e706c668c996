// Package preload warms the cache ahead of demand. Items are queued by
// priority and drained by a fixed pool of workers that call the
// orchestrator's warm path, optionally rate limited.
package preload

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/scttfrdmn/thumbcache/internal/cache"
	"github.com/scttfrdmn/thumbcache/internal/orchestrator"
	"github.com/scttfrdmn/thumbcache/pkg/errors"
	"github.com/scttfrdmn/thumbcache/pkg/types"
	"github.com/scttfrdmn/thumbcache/pkg/utils"
)

// Priority orders queued items. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps a name to a Priority
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, errors.NewError(errors.ErrCodeValidationFailed, "unknown priority "+s).
			WithComponent("preload")
	}
}

// Item is one asset variant to warm
type Item struct {
	Asset  types.AssetID
	Params types.RenderParams
}

// Warmer runs the cache request path without returning the bitmap.
// *orchestrator.Orchestrator implements it.
type Warmer interface {
	Warm(ctx context.Context, id types.AssetID, p types.RenderParams) (orchestrator.Outcome, error)
}

// Config configures a Scheduler
type Config struct {
	MaxConcurrent int     `yaml:"max_concurrent"`
	QueueSize     int     `yaml:"queue_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`

	// RenderConcurrency is the render pipeline limit; MaxConcurrent must stay
	// below it so foreground requests always find a free render slot.
	// Zero skips the check.
	RenderConcurrency int `yaml:"-"`

	Logger  *utils.StructuredLogger `yaml:"-"`
	Metrics types.MetricsRecorder   `yaml:"-"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		QueueSize:     1000,
	}
}

// Stats counts scheduler activity
type Stats struct {
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
	Scheduled uint64 `json:"scheduled"`
	Coalesced uint64 `json:"coalesced"`
	Dropped   uint64 `json:"dropped"`
	Hits      uint64 `json:"hits"`
	Rendered  uint64 `json:"rendered"`
	Failed    uint64 `json:"failed"`
	Canceled  uint64 `json:"canceled"`
}

type task struct {
	item     Item
	priority Priority
	seq      uint64
	batch    string
	dedupe   string
}

// taskQueue is a max-heap on priority, FIFO within a priority
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x interface{}) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Scheduler drains a priority queue of preload items
type Scheduler struct {
	warmer  Warmer
	config  Config
	limiter *rate.Limiter
	logger  *utils.StructuredLogger
	metrics types.MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskQueue
	pending  map[string]struct{}
	inFlight int
	seq      uint64
	closed   bool
	idle     chan struct{}

	wg sync.WaitGroup

	scheduled, coalesced, dropped   atomic.Uint64
	hits, rendered, failed, cancels atomic.Uint64
}

// NewScheduler starts MaxConcurrent workers
func NewScheduler(warmer Warmer, config Config) (*Scheduler, error) {
	if warmer == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "preload scheduler requires a warmer").
			WithComponent("preload")
	}
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.RatePerSecond < 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "preload rate must not be negative").
			WithComponent("preload")
	}
	if config.RenderConcurrency > 0 && config.MaxConcurrent >= config.RenderConcurrency {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "preload concurrency must be below render concurrency").
			WithComponent("preload").
			WithDetail("max_concurrent", config.MaxConcurrent).
			WithDetail("render_concurrency", config.RenderConcurrency)
	}
	if config.Logger == nil {
		config.Logger = utils.NewDefaultLogger()
	}
	if config.Metrics == nil {
		config.Metrics = types.NopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		warmer:  warmer,
		config:  config,
		logger:  config.Logger.WithComponent("preload"),
		metrics: config.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]struct{}),
		idle:    make(chan struct{}),
	}
	close(s.idle)
	s.cond = sync.NewCond(&s.mu)

	if config.RatePerSecond > 0 {
		burst := int(config.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	for i := 0; i < config.MaxConcurrent; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Schedule queues items at priority and returns how many were accepted.
// Items already queued or in flight are coalesced and not counted; items
// beyond the queue capacity are dropped.
func (s *Scheduler) Schedule(items []Item, priority Priority) int {
	batch := uuid.NewString()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}

	accepted, coalesced, dropped := 0, 0, 0
	for _, item := range items {
		dedupe := dedupeKey(item)
		if _, ok := s.pending[dedupe]; ok {
			coalesced++
			continue
		}
		if len(s.queue) >= s.config.QueueSize {
			dropped++
			continue
		}
		s.seq++
		heap.Push(&s.queue, &task{item: item, priority: priority, seq: s.seq, batch: batch, dedupe: dedupe})
		s.pending[dedupe] = struct{}{}
		accepted++
	}
	if accepted > 0 {
		s.markBusy()
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	s.scheduled.Add(uint64(accepted))
	s.coalesced.Add(uint64(coalesced))
	s.dropped.Add(uint64(dropped))
	for i := 0; i < coalesced; i++ {
		s.metrics.RecordPreload("coalesced")
	}
	for i := 0; i < dropped; i++ {
		s.metrics.RecordPreload("dropped")
	}

	s.logger.Debug("preload batch scheduled", map[string]interface{}{
		"batch":     batch,
		"priority":  priority.String(),
		"accepted":  accepted,
		"coalesced": coalesced,
		"dropped":   dropped,
	})
	return accepted
}

// Wait blocks until nothing is queued or in flight, or ctx is done
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "wait for preload canceled").
			WithComponent("preload")
	}
}

// Close discards queued items, cancels in-flight warms and stops the workers
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	discarded := len(s.queue)
	for _, t := range s.queue {
		delete(s.pending, t.dedupe)
	}
	s.queue = nil
	s.cancel()
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancels.Add(uint64(discarded))
	s.wg.Wait()

	s.mu.Lock()
	s.markIdleIfDone()
	s.mu.Unlock()

	s.logger.Info("preload scheduler closed", map[string]interface{}{
		"discarded": discarded,
	})
	return nil
}

// Stats returns a snapshot of scheduler counters
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	queued, inFlight := len(s.queue), s.inFlight
	s.mu.Unlock()

	return Stats{
		Queued:    queued,
		InFlight:  inFlight,
		Scheduled: s.scheduled.Load(),
		Coalesced: s.coalesced.Load(),
		Dropped:   s.dropped.Load(),
		Hits:      s.hits.Load(),
		Rendered:  s.rendered.Load(),
		Failed:    s.failed.Load(),
		Canceled:  s.cancels.Load(),
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*task)
		s.inFlight++
		s.mu.Unlock()

		s.run(t)

		s.mu.Lock()
		s.inFlight--
		delete(s.pending, t.dedupe)
		s.markIdleIfDone()
		s.mu.Unlock()
	}
}

func (s *Scheduler) run(t *task) {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			s.finish(t, "canceled", err)
			return
		}
	}

	outcome, err := s.warmer.Warm(s.ctx, t.item.Asset, t.item.Params)
	switch {
	case err != nil && (s.ctx.Err() != nil || errors.Is(err, errors.ErrCodeOperationCanceled)):
		s.finish(t, "canceled", err)
	case err != nil:
		s.finish(t, "failed", err)
	case outcome.Hit():
		s.finish(t, "hit", nil)
	default:
		s.finish(t, "rendered", nil)
	}
}

func (s *Scheduler) finish(t *task, result string, err error) {
	switch result {
	case "hit":
		s.hits.Add(1)
	case "rendered":
		s.rendered.Add(1)
	case "failed":
		s.failed.Add(1)
	case "canceled":
		s.cancels.Add(1)
	}
	s.metrics.RecordPreload(result)

	if err != nil && result == "failed" {
		s.logger.Warn("preload failed", map[string]interface{}{
			"batch": t.batch,
			"asset": string(t.item.Asset),
			"error": err.Error(),
		})
	}
}

// markBusy must be called with mu held
func (s *Scheduler) markBusy() {
	select {
	case <-s.idle:
		s.idle = make(chan struct{})
	default:
	}
}

// markIdleIfDone must be called with mu held
func (s *Scheduler) markIdleIfDone() {
	if len(s.queue) > 0 || s.inFlight > 0 {
		return
	}
	select {
	case <-s.idle:
	default:
		close(s.idle)
	}
}

// dedupeKey identifies an item by asset, quantized parameters and target tier
func dedupeKey(item Item) string {
	return string(cache.DeriveKey(item.Asset, item.Params, "")) + "/" + item.Params.TierName()
}
