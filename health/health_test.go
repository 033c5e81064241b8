package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"Unix file path", "failed to open /var/lib/triage/triage.db", "failed to open [PATH]"},
		{"HTTP URL", "connection failed to https://predict.example.com/v1/predict", "connection failed to [URL]"},
		{"NATS URL", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"IP address", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"Port number", "failed to bind to :8080", "failed to bind to [PORT]"},
		{"Credentials in error", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
		{"Mixed", "failed to connect to https://192.168.1.1:8080/api with token=abc123def", "failed to connect to [URL] with [REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	ok := FromError("store", nil)
	assert.True(t, ok.IsHealthy())
	assert.True(t, ok.Healthy)

	bad := FromError("nats", errors.New("dial nats://10.0.0.5:4222 refused"))
	assert.True(t, bad.IsUnhealthy())
	assert.NotContains(t, bad.Message, "10.0.0.5")
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("triage", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == "healthy", got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_Run(t *testing.T) {
	m := NewMonitor()
	queue := 0
	checks := []Check{
		{Name: "pipeline", Probe: func(context.Context) Status {
			if queue > 10 {
				return NewDegraded("", "queue full").WithMetrics(&Metrics{QueueDepth: queue})
			}
			return NewHealthy("", "ok")
		}},
		{Name: "store", Probe: func(context.Context) Status { return FromError("store", nil) }},
	}

	status := m.Run(context.Background(), "triage", checks)
	assert.True(t, status.IsHealthy())
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, "pipeline", status.SubStatuses[0].Component)
	assert.Equal(t, "store", status.SubStatuses[1].Component)
	assert.Equal(t, 2, m.Count())

	queue = 11
	status = m.Run(context.Background(), "triage", checks)
	assert.True(t, status.IsDegraded())

	last, ok := m.Get("pipeline")
	require.True(t, ok)
	assert.Equal(t, 11, last.Metrics.QueueDepth)
	assert.False(t, last.Timestamp.IsZero())
}
