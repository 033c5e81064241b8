package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/triage/metric"
)

// Pool processes work items of type T on a fixed set of goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onDrop    func(T)

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	runCtx   context.Context

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	abandoned atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	rejected       prometheus.Counter
	abandoned      prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under the given name prefix.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithDropHandler sets a callback for items still queued when Stop gives up.
func WithDropHandler[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) {
		p.onDrop = fn
	}
}

// NewPool creates a pool. Non-positive sizes fall back to defaults.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.initializeMetrics()
	}
	return p
}

func (p *Pool[T]) initializeMetrics() {
	prefix := metric.Namespace + "_" + p.metricsPrefix
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Current worker pool queue depth",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Work items accepted into the queue",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_rejected_total",
			Help: "Work items rejected because the queue was full",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_abandoned_total",
			Help: "Work items abandoned at shutdown",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time spent processing work items",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		}, []string{"status"}),
	}

	const service = "worker_pool"
	reg := p.metricsRegistry
	// Registration conflicts leave the pool running without that series.
	_ = reg.RegisterGauge(service, prefix+"_queue_depth", m.queueDepth)
	_ = reg.RegisterCounter(service, prefix+"_submitted_total", m.submitted)
	_ = reg.RegisterCounter(service, prefix+"_rejected_total", m.rejected)
	_ = reg.RegisterCounter(service, prefix+"_abandoned_total", m.abandoned)
	_ = reg.RegisterHistogramVec(service, prefix+"_processing_duration_seconds", m.processingTime)
	p.metrics = m
}

// Submit enqueues work without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.rejected.Add(1)
		if p.metrics != nil {
			p.metrics.rejected.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. The processor context carries ctx's values
// but not its cancellation: it is cancelled only by Stop, once the grace
// period has run out, so a shutdown signal never cuts a drain short.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to grace for queued and in-flight
// work to finish. On timeout the processor context is cancelled, anything
// still queued goes to the drop handler, and ErrStopTimeout is returned.
func (p *Pool[T]) Stop(grace time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.cancel()
		for work := range p.workChan {
			p.drop(work)
		}
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		Abandoned:  p.abandoned.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
	Abandoned  int64 `json:"abandoned"`
}

func (p *Pool[T]) drop(work T) {
	p.abandoned.Add(1)
	if p.metrics != nil {
		p.metrics.abandoned.Inc()
	}
	if p.onDrop != nil {
		p.onDrop(work)
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for work := range p.workChan {
		// Only Stop cancels runCtx, after the grace period.
		if p.runCtx.Err() != nil {
			p.drop(work)
			continue
		}

		start := time.Now()
		err := p.processor(p.runCtx, work)
		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
		}

		if p.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			p.metrics.processingTime.WithLabelValues(status).Observe(time.Since(start).Seconds())
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
	}
}
