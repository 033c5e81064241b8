// Package pipeline runs each accepted event through configuration
// resolution, analysis, persistence and notification as one unit of work.
//
// Events are processed asynchronously on a bounded worker pool. Process
// returns a Future right away; rejection (full queue, stopped pipeline) is
// the only synchronous error. Within one event the steps run strictly in
// order and the first failure ends that event: nothing is retried and
// completed steps are not rolled back.
package pipeline

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/fanout"
	"github.com/c360/triage/metric"
	"github.com/c360/triage/notify"
	"github.com/c360/triage/pkg/worker"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

// Step names, in execution order.
const (
	StepResolve    = "resolve"
	StepMap        = "map"
	StepAnalyze    = "analyze"
	StepPersist    = "persist"
	StepPublish    = "publish"
	StepNotify     = "notify"
	StepInvalidate = "invalidate"
)

// Defaults for Config.
const (
	DefaultQueueSize     = 512
	DefaultShutdownGrace = 30 * time.Second
)

// DefaultWorkers is twice the CPU count.
func DefaultWorkers() int { return runtime.NumCPU() * 2 }

// ConfigResolver returns the deduplicated configuration for an event.
type ConfigResolver interface {
	Resolve(ctx context.Context, ev *types.FailureEvent) (*types.RunConfiguration, error)
}

// Analyzer produces the diagnoses for an event.
type Analyzer interface {
	Analyze(ctx context.Context, ev *types.FailureEvent) []types.Diagnosis
}

// Invalidator marks cached statistics stale.
type Invalidator interface {
	Invalidate()
}

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Resolver  ConfigResolver
	Analyzer  Analyzer
	Runs      storage.RunStore
	Publisher fanout.Publisher
	Notifier  notify.Notifier // optional, defaults to a log notifier
	Stats     Invalidator
	Logger    *slog.Logger
	Metrics   *metric.MetricsRegistry
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	Topic     string
}

type task struct {
	event    types.FailureEvent
	future   *worker.Future[*types.RunRecord]
	accepted time.Time
}

// Orchestrator owns the worker pool and the per-event step sequence.
type Orchestrator struct {
	resolver  ConfigResolver
	analyzer  Analyzer
	runs      storage.RunStore
	publisher fanout.Publisher
	notifier  notify.Notifier
	stats     Invalidator
	topic     string

	pool    *worker.Pool[*task]
	logger  *slog.Logger
	metrics *metric.Core
	now     func() time.Time
}

// New validates deps and builds an orchestrator. Call Start before Process.
func New(deps Dependencies, cfg Config) (*Orchestrator, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "resolver is required")
	case deps.Analyzer == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "analyzer is required")
	case deps.Runs == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "run store is required")
	case deps.Publisher == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "publisher is required")
	case deps.Stats == nil:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "New", "statistics invalidator is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Topic == "" {
		cfg.Topic = fanout.TopicRunsCompleted
	}

	o := &Orchestrator{
		resolver:  deps.Resolver,
		analyzer:  deps.Analyzer,
		runs:      deps.Runs,
		publisher: deps.Publisher,
		notifier:  notifier,
		stats:     deps.Stats,
		topic:     cfg.Topic,
		logger:    logger.With("component", "pipeline"),
		metrics:   deps.Metrics.Core(),
		now:       time.Now,
	}
	o.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, o.process,
		worker.WithMetricsRegistry[*task](deps.Metrics, "pipeline_pool"),
		worker.WithDropHandler(o.abandon),
	)
	return o, nil
}

// Start launches the workers. Cancelling ctx does not stop them; only Stop
// does, and in-flight events keep a live context until its grace runs out.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Orchestrator", "Start", "start worker pool")
	}
	o.logger.Info("pipeline started", "workers", o.pool.Stats().Workers, "queue_size", o.pool.Stats().QueueSize)
	return nil
}

// Stop stops accepting events and waits up to grace for queued ones.
// Events still queued after that fail with errors.ErrShuttingDown.
func (o *Orchestrator) Stop(grace time.Duration) error {
	err := o.pool.Stop(grace)
	stats := o.pool.Stats()
	o.logger.Info("pipeline stopped", "processed", stats.Processed, "failed", stats.Failed, "abandoned", stats.Abandoned)
	if err != nil {
		return errors.WrapTransient(err, "Orchestrator", "Stop", "drain queue")
	}
	return nil
}

// Stats reports pool counters.
func (o *Orchestrator) Stats() worker.PoolStats { return o.pool.Stats() }

// Process enqueues ev and returns a future for its run record. The event
// is copied; later changes by the caller are not seen.
func (o *Orchestrator) Process(ev *types.FailureEvent) (*worker.Future[*types.RunRecord], error) {
	if ev == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidEvent, "Orchestrator", "Process", "nil event")
	}
	t := &task{event: *ev, future: worker.NewFuture[*types.RunRecord](), accepted: o.now()}

	err := o.pool.Submit(t)
	switch {
	case err == nil:
		return t.future, nil
	case stderrors.Is(err, worker.ErrQueueFull):
		return nil, errors.WrapTransient(err, "Orchestrator", "Process", "enqueue "+ev.RunID)
	case stderrors.Is(err, worker.ErrPoolStopped):
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "Orchestrator", "Process", "enqueue "+ev.RunID)
	default:
		return nil, errors.WrapFatal(errors.ErrNotStarted, "Orchestrator", "Process", "enqueue "+ev.RunID)
	}
}

func (o *Orchestrator) abandon(t *task) {
	t.future.Fail(errors.Wrap(errors.ErrShuttingDown, "Orchestrator", "Stop", "abandon "+t.event.RunID))
	o.metrics.RecordEventProcessed("abandoned")
}

// step times fn and wraps its error with the step name.
func (o *Orchestrator) step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	o.metrics.RecordStep(name, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("pipeline: step %s failed: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) process(ctx context.Context, t *task) error {
	rec, err := o.run(ctx, &t.event)
	if err != nil {
		class := errors.Classify(err)
		o.logger.Error("event processing failed",
			"run_id", t.event.RunID,
			"test", t.event.TestKey(),
			"class", class.String(),
			"error", err)
		o.metrics.RecordError("pipeline", class.String())
		o.metrics.RecordEventProcessed("failed")
		t.future.Fail(err)
		return err
	}

	o.metrics.RecordEventProcessed("completed")
	o.logger.Debug("event processed",
		"run_id", rec.RunID,
		"status", rec.Status,
		"analysis_type", rec.PrimaryDiagnosis().AnalysisType,
		"latency", time.Since(t.accepted))
	t.future.Complete(rec)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, ev *types.FailureEvent) (*types.RunRecord, error) {
	var (
		cfg *types.RunConfiguration
		rec *types.RunRecord
	)

	if err := o.step(StepResolve, func() (err error) {
		cfg, err = o.resolver.Resolve(ctx, ev)
		return err
	}); err != nil {
		return nil, err
	}

	if err := o.step(StepMap, func() error {
		rec = &types.RunRecord{
			FailureEvent:    *ev,
			ConfigurationID: cfg.ID,
			CompletedAt:     o.now().UTC(),
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := o.step(StepAnalyze, func() error {
		rec.Diagnoses = o.analyzer.Analyze(ctx, ev)
		if len(rec.Diagnoses) == 0 {
			return errors.WrapFatal(errors.ErrInvalidData, "Orchestrator", "analyze", "analyzer returned no diagnosis")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := o.step(StepPersist, func() error {
		return o.runs.SaveRun(ctx, rec)
	}); err != nil {
		return nil, err
	}

	if err := o.deliver(ctx, rec, cfg); err != nil {
		return nil, err
	}
	if err := o.step(StepInvalidate, func() error {
		o.stats.Invalidate()
		return nil
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// deliver publishes the run detail and, for failures, notifies.
func (o *Orchestrator) deliver(ctx context.Context, rec *types.RunRecord, cfg *types.RunConfiguration) error {
	detail := &types.RunDetail{Run: rec, Configuration: cfg}
	if err := o.step(StepPublish, func() error {
		payload, err := json.Marshal(detail)
		if err != nil {
			return errors.WrapInvalid(err, "Orchestrator", "publish", "render run detail")
		}
		return o.publisher.Publish(ctx, o.topic, payload)
	}); err != nil {
		return err
	}

	if rec.Status != types.StatusFailed {
		return nil
	}
	return o.step(StepNotify, func() error {
		return o.notifier.NotifyFailure(ctx, detail)
	})
}
