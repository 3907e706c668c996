// Package health tracks component health and graceful degradation for thumbcache
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component works with reduced capacity
	StateDegraded

	// StateReadOnly indicates reads succeed while writes fail
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *HealthState) UnmarshalText(text []byte) error {
	for _, candidate := range []HealthState{StateHealthy, StateDegraded, StateReadOnly, StateUnavailable} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown health state %q", text)
}

// ComponentHealth tracks the health of one component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastCheck         time.Time   `json:"last_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// Report is the overall health document
type Report struct {
	State      HealthState       `json:"state"`
	Components []ComponentHealth `json:"components"`
}

// StateChangeCallback is called after a component changes state
type StateChangeCallback func(component string, oldState, newState HealthState, reason string)

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// Tracker tracks the health of multiple components. Overall health is the
// worst component state.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a new component as healthy
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}
	}
}

// RecordSuccess records a successful operation. Each success pays back one
// error; a component recovers once the error count reaches zero.
func (t *Tracker) RecordSuccess(component string) {
	t.update(component, func(h *ComponentHealth) (HealthState, string) {
		if h.ConsecutiveErrors > 0 {
			h.ConsecutiveErrors--
		}
		if h.ConsecutiveErrors == 0 {
			return StateHealthy, ""
		}
		return h.State, ""
	})
}

// RecordError records a failed operation
func (t *Tracker) RecordError(component string, err error) {
	t.recordError(component, err, false)
}

// RecordWriteError records a failed write. Past the error threshold the
// component becomes read-only rather than degraded.
func (t *Tracker) RecordWriteError(component string, err error) {
	t.recordError(component, err, true)
}

func (t *Tracker) recordError(component string, err error, write bool) {
	t.update(component, func(h *ComponentHealth) (HealthState, string) {
		h.ConsecutiveErrors++
		msg := "operation failed"
		if err != nil {
			msg = err.Error()
		}
		h.LastErrorMessage = msg

		switch {
		case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
			return StateUnavailable, msg
		case h.ConsecutiveErrors >= t.config.ErrorThreshold && write:
			return StateReadOnly, msg
		case h.ConsecutiveErrors >= t.config.ErrorThreshold:
			return StateDegraded, msg
		default:
			return h.State, msg
		}
	})
}

// SetState forces a component state, used for conditions that are observed
// rather than counted
func (t *Tracker) SetState(component string, state HealthState, reason string) {
	t.update(component, func(h *ComponentHealth) (HealthState, string) {
		if state == StateHealthy {
			h.ConsecutiveErrors = 0
		}
		h.LastErrorMessage = reason
		return state, reason
	})
}

func (t *Tracker) update(component string, fn func(h *ComponentHealth) (HealthState, string)) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}
	h.LastCheck = time.Now()
	oldState := h.State
	newState, reason := fn(h)
	if newState != oldState {
		h.State = newState
		h.LastStateChange = h.LastCheck
		if newState == StateHealthy {
			h.LastErrorMessage = ""
		}
	}
	callbacks := t.callbacks
	t.mu.Unlock()

	if newState != oldState {
		for _, cb := range callbacks {
			cb(component, oldState, newState, reason)
		}
	}
}

// GetState returns the current state of a component. Unregistered components
// are unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// Overall returns the worst component state
func (t *Tracker) Overall() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// Report returns copies of every component, sorted by name
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Report{State: StateHealthy, Components: make([]ComponentHealth, 0, len(t.components))}
	for _, h := range t.components {
		r.Components = append(r.Components, *h)
		if h.State > r.State {
			r.State = h.State
		}
	}
	sort.Slice(r.Components, func(i, j int) bool { return r.Components[i].Name < r.Components[j].Name })
	return r
}

// CanWrite returns true if the component accepts writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// AddStateChangeCallback registers a callback run after every state change
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, callback)
}
