package types

import (
	"time"
)

// MetricsRecorder receives cache subsystem events. Implemented by the
// prometheus collector in internal/metrics.
type MetricsRecorder interface {
	RecordRequest(tier, outcome string, duration time.Duration)
	RecordRender(duration time.Duration, cost int64, success bool)
	RecordDiskOperation(operation string, success bool)
	UpdateTier(stats TierStats)
	SetPressureState(state PressureState)
	RecordPressureTransition(from, to PressureState)
	RecordPreload(result string)
}

// NopRecorder discards every event
type NopRecorder struct{}

func (NopRecorder) RecordRequest(string, string, time.Duration)           {}
func (NopRecorder) RecordRender(time.Duration, int64, bool)               {}
func (NopRecorder) RecordDiskOperation(string, bool)                      {}
func (NopRecorder) UpdateTier(TierStats)                                  {}
func (NopRecorder) SetPressureState(PressureState)                        {}
func (NopRecorder) RecordPressureTransition(PressureState, PressureState) {}
func (NopRecorder) RecordPreload(string)                                  {}
