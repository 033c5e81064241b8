package fanout

import (
	"context"
	"log/slog"
)

// SubjectPrefix maps hub topics onto NATS subjects.
const SubjectPrefix = "triage."

// Bus is the subset of the NATS client the bridge needs.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Subject returns the NATS subject for a hub topic.
func Subject(topic string) string { return SubjectPrefix + topic }

// NATSBridge publishes to NATS and feeds what arrives on the subject into
// the local hub, so every instance behind the same server fans out every
// run regardless of which instance processed it.
type NATSBridge struct {
	bus    Bus
	hub    *Hub
	logger *slog.Logger
}

var _ Publisher = (*NATSBridge)(nil)

// NewNATSBridge connects hub to bus.
func NewNATSBridge(bus Bus, hub *Hub, logger *slog.Logger) *NATSBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBridge{bus: bus, hub: hub, logger: logger.With("component", "fanout-bridge")}
}

// Start subscribes to the subjects of topics.
func (b *NATSBridge) Start(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		err := b.bus.Subscribe(ctx, Subject(topic), func(ctx context.Context, data []byte) {
			_ = b.hub.Publish(ctx, topic, data)
		})
		if err != nil {
			return err
		}
		b.logger.Info("bridging nats subject", "subject", Subject(topic), "topic", topic)
	}
	return nil
}

// Publish sends payload on the topic's subject. Delivery to the local hub
// happens when the message comes back through the subscription.
func (b *NATSBridge) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.bus.Publish(ctx, Subject(topic), payload)
}
