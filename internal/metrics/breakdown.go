package metrics

import (
	"sort"
	"sync"
	"time"
)

// OutcomeMetrics summarizes requests that ended in one outcome
type OutcomeMetrics struct {
	Count          int64         `json:"count"`
	TotalLatency   time.Duration `json:"total_latency"`
	MinLatency     time.Duration `json:"min_latency"`
	MaxLatency     time.Duration `json:"max_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	RecentLatency  time.Duration `json:"recent_latency"`
}

// TierBreakdown tracks request outcomes for one tier
type TierBreakdown struct {
	Tier          string                     `json:"tier"`
	TotalRequests int64                      `json:"total_requests"`
	Hits          int64                      `json:"hits"`
	HitRate       float64                    `json:"hit_rate"`
	Outcomes      map[string]*OutcomeMetrics `json:"outcomes"`
	LastRequest   time.Time                  `json:"last_request"`
}

// BreakdownSnapshot is a point in time copy of a RequestBreakdown
type BreakdownSnapshot struct {
	StartTime     time.Time        `json:"start_time"`
	TotalRequests int64            `json:"total_requests"`
	HitRate       float64          `json:"hit_rate"`
	Tiers         []*TierBreakdown `json:"tiers"`
}

// RequestBreakdown aggregates request latency by tier and outcome for the
// debug endpoint. Prometheus histograms carry the same data in buckets.
type RequestBreakdown struct {
	mu        sync.RWMutex
	tiers     map[string]*TierBreakdown
	startTime time.Time
}

// NewRequestBreakdown creates an empty breakdown
func NewRequestBreakdown() *RequestBreakdown {
	return &RequestBreakdown{
		tiers:     make(map[string]*TierBreakdown),
		startTime: time.Now(),
	}
}

func isHit(outcome string) bool {
	return outcome == "hit_memory" || outcome == "hit_disk"
}

// Record adds one request
func (rb *RequestBreakdown) Record(tier, outcome string, latency time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	tb := rb.tiers[tier]
	if tb == nil {
		tb = &TierBreakdown{Tier: tier, Outcomes: make(map[string]*OutcomeMetrics)}
		rb.tiers[tier] = tb
	}
	tb.TotalRequests++
	tb.LastRequest = time.Now()
	if isHit(outcome) {
		tb.Hits++
	}
	tb.HitRate = float64(tb.Hits) / float64(tb.TotalRequests)

	om := tb.Outcomes[outcome]
	if om == nil {
		om = &OutcomeMetrics{MinLatency: latency, RecentLatency: latency}
		tb.Outcomes[outcome] = om
	}
	om.Count++
	om.TotalLatency += latency
	if latency < om.MinLatency {
		om.MinLatency = latency
	}
	if latency > om.MaxLatency {
		om.MaxLatency = latency
	}
	om.AverageLatency = time.Duration(int64(om.TotalLatency) / om.Count)

	// rolling average weighted toward recent requests
	om.RecentLatency = time.Duration((int64(om.RecentLatency)*9 + int64(latency)) / 10)
}

// Snapshot copies the current state, tiers sorted by name
func (rb *RequestBreakdown) Snapshot() BreakdownSnapshot {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	snap := BreakdownSnapshot{StartTime: rb.startTime}
	var hits int64
	for _, tb := range rb.tiers {
		cp := *tb
		cp.Outcomes = make(map[string]*OutcomeMetrics, len(tb.Outcomes))
		for k, v := range tb.Outcomes {
			om := *v
			cp.Outcomes[k] = &om
		}
		snap.Tiers = append(snap.Tiers, &cp)
		snap.TotalRequests += tb.TotalRequests
		hits += tb.Hits
	}
	sort.Slice(snap.Tiers, func(i, j int) bool { return snap.Tiers[i].Tier < snap.Tiers[j].Tier })
	if snap.TotalRequests > 0 {
		snap.HitRate = float64(hits) / float64(snap.TotalRequests)
	}
	return snap
}

// Reset clears all recorded requests
func (rb *RequestBreakdown) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.tiers = make(map[string]*TierBreakdown)
	rb.startTime = time.Now()
}
