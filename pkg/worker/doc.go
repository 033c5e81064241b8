// Package worker provides a bounded, generic worker pool and a Future type
// for handing results of asynchronous work back to callers.
//
// A Pool owns a fixed number of goroutines reading from a bounded queue.
// Submit never blocks: when the queue is full it returns ErrQueueFull so the
// caller can apply backpressure upstream. Stop closes the queue, waits up to
// a grace period for in-flight and queued work, then cancels the context
// handed to the processor and passes anything still queued to the drop
// handler registered with WithDropHandler.
//
//	pool := worker.NewPool(8, 512, process,
//	    worker.WithMetricsRegistry[*task](registry, "pipeline_pool"),
//	    worker.WithDropHandler(func(t *task) { t.future.Fail(errs.ErrShuttingDown) }),
//	)
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(10 * time.Second)
package worker
