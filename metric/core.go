package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Core contains the pipeline-wide series shared across packages.
type Core struct {
	EventsReceived   *prometheus.CounterVec
	EventsProcessed  *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	Diagnoses        *prometheus.CounterVec
	ConfigConflicts  prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	StatsRecomputes  prometheus.Counter
	StatsGeneration  prometheus.Gauge
	FanoutSubscribed *prometheus.GaugeVec
	FanoutDropped    *prometheus.CounterVec
	NATSConnected    prometheus.Gauge
}

// NewCore builds the core metrics without registering them.
func NewCore() *Core {
	return &Core{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "received_total",
			Help:      "Failure events accepted at an ingestion boundary",
		}, []string{"source"}),

		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Events that finished the pipeline, by outcome",
		}, []string{"status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of each pipeline step",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"step", "status"}),

		Diagnoses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rca",
			Name:      "diagnoses_total",
			Help:      "Diagnoses produced, by rule",
		}, []string{"rule"}),

		ConfigConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runconfig",
			Name:      "create_conflicts_total",
			Help:      "Configuration creates that lost a uniqueness race",
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		StatsRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "stats",
			Name:      "recomputes_total",
			Help:      "Statistics snapshots rebuilt after invalidation",
		}),

		StatsGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "stats",
			Name:      "generation",
			Help:      "Current statistics cache generation",
		}),

		FanoutSubscribed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "fanout",
			Name:      "subscribers",
			Help:      "Live subscribers per topic",
		}, []string{"topic"}),

		FanoutDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fanout",
			Name:      "dropped_total",
			Help:      "Messages dropped for slow subscribers",
		}, []string{"topic"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
	}
}

func (c *Core) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.EventsReceived, c.EventsProcessed, c.StepDuration, c.Diagnoses,
		c.ConfigConflicts, c.ErrorsTotal, c.StatsRecomputes, c.StatsGeneration,
		c.FanoutSubscribed, c.FanoutDropped, c.NATSConnected,
	}
}

// The Record helpers accept a nil receiver so components can run without
// a registry in tests.

// RecordEventReceived counts an accepted event.
func (c *Core) RecordEventReceived(source string) {
	if c != nil {
		c.EventsReceived.WithLabelValues(source).Inc()
	}
}

// RecordEventProcessed counts a finished pipeline run.
func (c *Core) RecordEventProcessed(status string) {
	if c != nil {
		c.EventsProcessed.WithLabelValues(status).Inc()
	}
}

// RecordStep observes one pipeline step.
func (c *Core) RecordStep(step string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.StepDuration.WithLabelValues(step, status).Observe(d.Seconds())
}

// RecordDiagnosis counts a diagnosis by producing rule.
func (c *Core) RecordDiagnosis(rule string) {
	if c != nil {
		c.Diagnoses.WithLabelValues(rule).Inc()
	}
}

// RecordConfigConflict counts a lost create race.
func (c *Core) RecordConfigConflict() {
	if c != nil {
		c.ConfigConflicts.Inc()
	}
}

// RecordError counts an error for a component.
func (c *Core) RecordError(component, class string) {
	if c != nil {
		c.ErrorsTotal.WithLabelValues(component, class).Inc()
	}
}

// RecordStatsRecompute counts a snapshot rebuild.
func (c *Core) RecordStatsRecompute(generation uint64) {
	if c != nil {
		c.StatsRecomputes.Inc()
		c.StatsGeneration.Set(float64(generation))
	}
}

// RecordSubscribers sets the subscriber count for a topic.
func (c *Core) RecordSubscribers(topic string, n int) {
	if c != nil {
		c.FanoutSubscribed.WithLabelValues(topic).Set(float64(n))
	}
}

// RecordFanoutDrop counts a message dropped for a slow subscriber.
func (c *Core) RecordFanoutDrop(topic string) {
	if c != nil {
		c.FanoutDropped.WithLabelValues(topic).Inc()
	}
}

// RecordNATSStatus updates NATS connection status
func (c *Core) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}
