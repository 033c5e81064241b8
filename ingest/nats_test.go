package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/errors"
)

type captureSubscriber struct {
	subject string
	handler func(context.Context, []byte)
	err     error
}

func (c *captureSubscriber) Subscribe(_ context.Context, subject string, handler func(context.Context, []byte)) error {
	c.subject, c.handler = subject, handler
	return c.err
}

func TestNATSConsumer(t *testing.T) {
	proc := &recordingProcessor{}
	svc := newService(t, proc)
	sub := &captureSubscriber{}

	c := NewNATSConsumer(sub, svc, "", nil)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, DefaultSubject, sub.subject)

	sub.handler(context.Background(), []byte(`{"testClass":"A","testMethod":"m","status":"FAILED"}`))
	sub.handler(context.Background(), []byte(`{"testClass":"A"}`))
	sub.handler(context.Background(), []byte(`garbage`))

	assert.Equal(t, int64(1), c.Accepted())
	assert.Equal(t, int64(2), c.Rejected())
	assert.Len(t, proc.received(), 1)
}

func TestNATSConsumer_SubscribeError(t *testing.T) {
	svc := newService(t, &recordingProcessor{})
	sub := &captureSubscriber{err: errors.ErrNoConnection}

	err := NewNATSConsumer(sub, svc, "custom.subject", nil).Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.Equal(t, "custom.subject", sub.subject)
}
