package natsclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/triage/errors"
	"github.com/c360/triage/metric"
)

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTimeout(0))
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	assert.Error(t, err)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithMetrics(metric.NewMetricsRegistry()))
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "x", []byte("y")), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "x", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.IsHealthy())
	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx))
}

func TestClient_CircuitOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(2),
		WithTimeout(50*time.Millisecond),
		WithMaxBackoff(time.Minute),
	)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, c.Connect(ctx))
	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.ErrorIs(t, c.Connect(ctx), ErrCircuitOpen)
	assert.Equal(t, 2*time.Second, c.Backoff())
}

func TestKVErrorClassification(t *testing.T) {
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("wrapped: %w", ErrKVKeyNotFound)))
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.True(t, IsKVConflictError(errors.New("nats: wrong last sequence: 4")))
	assert.False(t, IsKVConflictError(errors.New("boom")))

	assert.True(t, isAlreadyExistsError(jetstream.ErrBucketExists))
}

func TestNewClient_TuningOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithDrainTimeout(3*time.Second),
		WithCircuitBreakerThreshold(7),
		WithMaxBackoff(30*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, c.drainTimeout)
	assert.Equal(t, int32(7), c.circuitThreshold)
	assert.Equal(t, 30*time.Second, c.maxBackoff)
	assert.Equal(t, time.Second, c.Backoff())
}
