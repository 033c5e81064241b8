package ingest

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/triage/errors"
)

// DefaultSubject carries FailureEvent JSON payloads.
const DefaultSubject = "triage.events.ingest"

// Subscriber is the part of natsclient.Client the consumer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// NATSConsumer feeds events published on a NATS subject into a Service.
// Messages have no reply path, so rejections are only logged and counted.
type NATSConsumer struct {
	sub     Subscriber
	svc     *Service
	subject string
	logger  *slog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

// NewNATSConsumer returns a consumer for subject, or DefaultSubject when empty.
func NewNATSConsumer(sub Subscriber, svc *Service, subject string, logger *slog.Logger) *NATSConsumer {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSConsumer{sub: sub, svc: svc, subject: subject, logger: logger}
}

// Start subscribes. Messages are handled until ctx is done or the
// connection closes.
func (c *NATSConsumer) Start(ctx context.Context) error {
	if err := c.sub.Subscribe(ctx, c.subject, c.handle); err != nil {
		return errors.Wrap(err, "NATSConsumer", "Start", "subscribe "+c.subject)
	}
	c.logger.Info("NATS ingestion started", "subject", c.subject)
	return nil
}

func (c *NATSConsumer) handle(ctx context.Context, data []byte) {
	receipt, err := c.svc.SubmitJSON(WithSource(ctx, "nats"), data)
	if err != nil {
		c.rejected.Add(1)
		c.logger.Warn("NATS event rejected", "subject", c.subject, "error", err)
		return
	}
	c.accepted.Add(1)
	c.logger.Debug("NATS event accepted", "run_id", receipt.RunID)
}

// Accepted is the number of messages accepted so far.
func (c *NATSConsumer) Accepted() int64 { return c.accepted.Load() }

// Rejected is the number of messages rejected so far.
func (c *NATSConsumer) Rejected() int64 { return c.rejected.Load() }
