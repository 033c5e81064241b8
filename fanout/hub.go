// Package fanout delivers completed-run notifications to live subscribers.
//
// The Hub is an in-process topic broadcaster. Publish never blocks: every
// subscriber owns a bounded buffer, and a message that does not fit is
// dropped for that subscriber only. Subscribers may come and go at any
// time and see only messages published while they were subscribed.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/triage/metric"
)

// TopicRunsCompleted carries rendered run details.
const TopicRunsCompleted = "runs.completed"

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 64

// Publisher is what the pipeline publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Hub is a non-blocking topic broadcaster.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool

	logger  *slog.Logger
	metrics *metric.Core
}

var _ Publisher = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics exports subscriber counts and drops.
func WithMetrics(reg *metric.MetricsRegistry) HubOption {
	return func(h *Hub) { h.metrics = reg.Core() }
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		topics: make(map[string]map[*Subscription]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "fanout")
	return h
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	hub     *Hub
	topic   string
	ch      chan []byte
	dropped atomic.Uint64
	once    sync.Once
}

// C delivers messages in publish order. It is closed by Close or when the
// hub shuts down.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Dropped counts messages lost because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Subscribe registers a subscriber with a buffer of the given size.
func (h *Hub) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{hub: h, topic: topic, ch: make(chan []byte, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	h.metrics.RecordSubscribers(topic, len(subs))
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[s.topic]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	close(s.ch)
	h.metrics.RecordSubscribers(s.topic, len(subs))
	if len(subs) == 0 {
		delete(h.topics, s.topic)
	}
}

// Subscribers returns the current subscriber count for topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish offers payload to every subscriber of topic without blocking.
// Subscribers share the payload slice and must not modify it.
func (h *Hub) Publish(_ context.Context, topic string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.topics[topic] {
		select {
		case s.ch <- payload:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				h.logger.Warn("slow subscriber, dropping messages", "topic", topic, "dropped", n)
			}
			h.metrics.RecordFanoutDrop(topic)
		}
	}
	return nil
}

// Close ends every subscription. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.topics {
		for s := range subs {
			close(s.ch)
		}
		h.metrics.RecordSubscribers(topic, 0)
	}
	h.topics = make(map[string]map[*Subscription]struct{})
}
