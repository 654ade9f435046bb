// Package health aggregates per-component health for the live loop.
package health

import (
	"sync"

	"basis_engine/internal/core"
)

// Monitor tracks registered health checks plus explicit critical marks set
// by components (e.g. a SystemFailure in the tight loop).
type Monitor struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
	crits  map[string]string
}

// NewMonitor creates a health monitor.
func NewMonitor(logger core.ILogger) *Monitor {
	m := &Monitor{
		checks: make(map[string]func() error),
		crits:  make(map[string]string),
	}
	if logger != nil {
		m.logger = logger.WithField("component", "health_monitor")
	}
	return m
}

// Register adds a health check for a component.
func (m *Monitor) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// SetCritical marks a component unhealthy until the run ends.
func (m *Monitor) SetCritical(component string, reason string) {
	m.mu.Lock()
	m.crits[component] = reason
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Error("Component marked critical", "critical_component", component, "reason", reason)
	}
}

// IsHealthy reports whether every component is healthy and none is marked
// critical.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.crits) > 0 {
		return false
	}
	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Status returns the current status of all known components.
func (m *Monitor) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks)+len(m.crits))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	for component, reason := range m.crits {
		status[component] = "Critical: " + reason
	}
	return status
}

var _ core.IHealthMonitor = (*Monitor)(nil)
