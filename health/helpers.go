package health

import "time"

// Status values.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports a working component.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy reports a component that cannot serve.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded reports a component that serves with reduced capacity, such as
// a full pipeline queue.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// Aggregate rolls sub-statuses into one: unhealthy wins over degraded, which
// wins over healthy. No sub-statuses means healthy.
func Aggregate(component string, subStatuses []Status) Status {
	worst := StateHealthy
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			worst = StateUnhealthy
		case sub.IsDegraded() && worst == StateHealthy:
			worst = StateDegraded
		}
	}

	var msg string
	switch {
	case len(subStatuses) == 0:
		msg = "no checks registered"
	case worst == StateUnhealthy:
		msg = "one or more dependencies are unhealthy"
	case worst == StateDegraded:
		msg = "one or more dependencies are degraded"
	default:
		msg = "all dependencies are healthy"
	}

	status := newStatus(component, worst, msg)
	if len(subStatuses) > 0 {
		status.SubStatuses = append([]Status(nil), subStatuses...)
	}
	return status
}
