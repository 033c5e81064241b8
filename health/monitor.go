package health

import (
	"context"
	"sync"
	"time"
)

// Check probes one dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) Status
}

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
	}
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get retrieves the last recorded status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}

// Run probes every check in order, records each result and returns the
// aggregate for systemName. Sub-statuses keep the order of checks.
func (m *Monitor) Run(ctx context.Context, systemName string, checks []Check) Status {
	subs := make([]Status, 0, len(checks))
	for _, c := range checks {
		status := c.Probe(ctx)
		m.Update(c.Name, status)
		status, _ = m.Get(c.Name)
		subs = append(subs, status)
	}
	return Aggregate(systemName, subs)
}
