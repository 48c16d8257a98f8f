package services

import (
	"sync"
	"time"

	"github.com/tickforge/tickforge/internal/models"
)

// ThresholdStore holds the process-wide DynamicThresholdSet. The outcome
// validator is the single writer; every other component reads an immutable
// snapshot per evaluation cycle. Updates are always clamped to the configured
// bounds before they become visible.
type ThresholdStore struct {
	mu     sync.RWMutex
	cur    models.DynamicThresholdSet
	bounds models.ThresholdBounds
}

// NewThresholdStore seeds the store from static defaults.
func NewThresholdStore(initial models.DynamicThresholdSet, bounds models.ThresholdBounds) *ThresholdStore {
	initial = initial.Clamped(bounds)
	initial.Version = 1
	if initial.LastUpdated.IsZero() {
		initial.LastUpdated = time.Now()
	}
	if initial.AdjustmentReason == "" {
		initial.AdjustmentReason = "initial defaults"
	}
	return &ThresholdStore{cur: initial, bounds: bounds}
}

// Snapshot returns the current threshold set by value.
func (s *ThresholdStore) Snapshot() models.DynamicThresholdSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Bounds returns the configured per-field bounds.
func (s *ThresholdStore) Bounds() models.ThresholdBounds {
	return s.bounds
}

// Update installs a new threshold set with the given reason. The set is
// clamped and versioned; the applied set is returned for persistence.
func (s *ThresholdStore) Update(next models.DynamicThresholdSet, reason string) models.DynamicThresholdSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	next = next.Clamped(s.bounds)
	next.Version = s.cur.Version + 1
	next.LastUpdated = time.Now()
	next.AdjustmentReason = reason
	s.cur = next
	return next
}

// EmergencyStop halts high-priority classification when the validator detects
// a win-rate collapse. It latches until cleared, and always carries an
// explicit reason.
type EmergencyStop struct {
	mu      sync.RWMutex
	stopped bool
	reason  string
	since   time.Time
}

func NewEmergencyStop() *EmergencyStop {
	return &EmergencyStop{}
}

// Trigger engages the stop. A later trigger overwrites the reason.
func (e *EmergencyStop) Trigger(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.reason = reason
	e.since = time.Now()
}

// Clear releases the stop.
func (e *EmergencyStop) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = false
	e.reason = ""
}

// Active reports the stop state and its reason.
func (e *EmergencyStop) Active() (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stopped, e.reason
}
