// Package status tracks the worker's degraded-mode state: three independent
// sub-states (database, broker, subscription) plus bounded per-category
// error rings. The mode is derived on every read, never cached, and it is
// strictly observational — the ingestion path never branches on it.
package status

import (
	"sync"
	"time"
)

// Mode is the overall service state derived from the three sub-states.
type Mode string

const (
	ModeOK       Mode = "OK"
	ModeDegraded Mode = "DEGRADED"
	ModeFailed   Mode = "FAILED"
)

// ringSize bounds the per-category error history.
const ringSize = 5

// ErrorEntry is one recorded error.
type ErrorEntry struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is a copy of the monitor state, safe to hand to HTTP handlers.
type Snapshot struct {
	Mode               Mode                    `json:"mode"`
	DBActive           bool                    `json:"db_active"`
	BrokerActive       bool                    `json:"broker_active"`
	SubscriptionActive bool                    `json:"subscription_active"`
	Errors             map[string][]ErrorEntry `json:"errors"`
	UptimeSeconds      int64                   `json:"uptime_seconds"`
}

// Monitor is the process-wide service-status state. Zero sub-states at
// start; the startup sequence flips them as each dependency comes up.
type Monitor struct {
	mu sync.Mutex

	dbActive           bool
	brokerActive       bool
	subscriptionActive bool
	errors             map[string][]ErrorEntry
	startedAt          time.Time
}

// NewMonitor creates a Monitor with all sub-states inactive.
func NewMonitor() *Monitor {
	return &Monitor{
		errors:    make(map[string][]ErrorEntry),
		startedAt: time.Now(),
	}
}

// SetDBActive flips the database sub-state.
func (m *Monitor) SetDBActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbActive = active
}

// SetBrokerActive flips the broker sub-state.
func (m *Monitor) SetBrokerActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokerActive = active
}

// SetSubscriptionActive flips the subscription sub-state.
func (m *Monitor) SetSubscriptionActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptionActive = active
}

// RecordError appends to the category's ring, evicting the oldest entry
// past five.
func (m *Monitor) RecordError(category, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ring := append(m.errors[category], ErrorEntry{Message: message, At: time.Now()})
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
	m.errors[category] = ring
}

// Mode derives the overall state: OK when all three sub-states are healthy,
// FAILED when none are, DEGRADED otherwise.
func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deriveLocked()
}

func (m *Monitor) deriveLocked() Mode {
	switch {
	case m.dbActive && m.brokerActive && m.subscriptionActive:
		return ModeOK
	case !m.dbActive && !m.brokerActive && !m.subscriptionActive:
		return ModeFailed
	default:
		return ModeDegraded
	}
}

// Snapshot copies the state under the lock; callers can hold the copy as
// long as they like.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make(map[string][]ErrorEntry, len(m.errors))
	for category, ring := range m.errors {
		errs[category] = append([]ErrorEntry(nil), ring...)
	}

	return Snapshot{
		Mode:               m.deriveLocked(),
		DBActive:           m.dbActive,
		BrokerActive:       m.brokerActive,
		SubscriptionActive: m.subscriptionActive,
		Errors:             errs,
		UptimeSeconds:      int64(time.Since(m.startedAt).Seconds()),
	}
}
