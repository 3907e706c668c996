package health

import (
	"fmt"
	"time"

	"github.com/scttfrdmn/thumbcache/pkg/types"
)

// Component names fed by Recorder
const (
	ComponentDisk   = "disk"
	ComponentRender = "render"
	ComponentMemory = "memory"
)

// Recorder forwards cache events to another MetricsRecorder and derives
// component health from them. Disk write failures make the disk read-only,
// failed renders degrade the render component and Critical memory pressure
// degrades memory until pressure returns to Normal.
type Recorder struct {
	types.MetricsRecorder
	tracker *Tracker
}

// NewRecorder wraps next, registering the tracked components. A nil next
// discards events.
func NewRecorder(next types.MetricsRecorder, tracker *Tracker) *Recorder {
	if next == nil {
		next = types.NopRecorder{}
	}
	for _, c := range []string{ComponentDisk, ComponentRender, ComponentMemory} {
		tracker.RegisterComponent(c)
	}
	return &Recorder{MetricsRecorder: next, tracker: tracker}
}

// Tracker returns the underlying tracker
func (r *Recorder) Tracker() *Tracker {
	return r.tracker
}

// RecordRender implements types.MetricsRecorder
func (r *Recorder) RecordRender(duration time.Duration, cost int64, success bool) {
	r.MetricsRecorder.RecordRender(duration, cost, success)
	if success {
		r.tracker.RecordSuccess(ComponentRender)
	} else {
		r.tracker.RecordError(ComponentRender, nil)
	}
}

// RecordDiskOperation implements types.MetricsRecorder
func (r *Recorder) RecordDiskOperation(operation string, success bool) {
	r.MetricsRecorder.RecordDiskOperation(operation, success)
	switch {
	case success:
		r.tracker.RecordSuccess(ComponentDisk)
	case operation == "write" || operation == "drop":
		r.tracker.RecordWriteError(ComponentDisk, fmt.Errorf("disk %s failed", operation))
	default:
		r.tracker.RecordError(ComponentDisk, fmt.Errorf("disk %s failed", operation))
	}
}

// SetPressureState implements types.MetricsRecorder
func (r *Recorder) SetPressureState(state types.PressureState) {
	r.MetricsRecorder.SetPressureState(state)
	switch state {
	case types.PressureCritical:
		r.tracker.SetState(ComponentMemory, StateDegraded, "critical memory pressure")
	case types.PressureNormal:
		r.tracker.SetState(ComponentMemory, StateHealthy, "")
	}
}
