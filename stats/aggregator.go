// Package stats computes dashboard statistics over all run records.
//
// Snapshots are cached and tagged with the generation they were computed
// at. Invalidate bumps the generation; the next Query notices the mismatch
// and recomputes. Concurrent misses share one recomputation. Readers only
// ever see complete snapshots, and writers never wait on readers.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/metric"
	"github.com/c360/triage/storage"
	"github.com/c360/triage/types"
)

// Defaults for snapshot shape.
const (
	DefaultTrendDays  = 30
	TopFailingLimit   = 10
	SlowestTestsLimit = 5
	dateLayout        = "2006-01-02"
)

type cached struct {
	generation uint64
	snapshot   *types.StatisticsSnapshot
}

// Aggregator answers statistics queries from a generation-checked cache.
type Aggregator struct {
	runs       storage.RunStore
	generation atomic.Uint64
	current    atomic.Pointer[cached]
	group      singleflight.Group

	trendDays int
	location  *time.Location
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metric.Core
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock that anchors the trend window.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLocation sets the time zone calendar days are counted in.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.location = loc
		}
	}
}

// WithTrendDays sets the trend window length.
func WithTrendDays(days int) Option {
	return func(a *Aggregator) {
		if days > 0 {
			a.trendDays = days
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics counts recomputations.
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(a *Aggregator) { a.metrics = reg.Core() }
}

// NewAggregator builds an aggregator reading from runs.
func NewAggregator(runs storage.RunStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		runs:      runs,
		trendDays: DefaultTrendDays,
		location:  time.UTC,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "stats")
	return a
}

// Invalidate marks the cached snapshot stale. It never blocks.
func (a *Aggregator) Invalidate() {
	a.generation.Add(1)
}

// Generation returns the current generation.
func (a *Aggregator) Generation() uint64 { return a.generation.Load() }

// Query returns a snapshot at least as fresh as the last Invalidate that
// happened before the call.
func (a *Aggregator) Query(ctx context.Context) (*types.StatisticsSnapshot, error) {
	gen := a.generation.Load()
	if c := a.current.Load(); c != nil && c.generation == gen {
		return c.snapshot, nil
	}

	// Waiters share the recompute, so one caller's cancellation must not
	// fail the others.
	shared := context.WithoutCancel(ctx)
	v, err, _ := a.group.Do(fmt.Sprint(gen), func() (any, error) {
		snap, err := a.compute(shared, gen)
		if err != nil {
			return nil, err
		}
		a.store(&cached{generation: gen, snapshot: snap})
		return snap, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Aggregator", "Query", "recompute statistics")
	}
	return v.(*types.StatisticsSnapshot), nil
}

// store installs c unless a newer generation is already cached.
func (a *Aggregator) store(c *cached) {
	for {
		old := a.current.Load()
		if old != nil && old.generation >= c.generation {
			return
		}
		if a.current.CompareAndSwap(old, c) {
			return
		}
	}
}

// percent returns part/total on a 0-100 scale.
func percent(part, total int) float64 {
	return float64(part) * 100 / float64(total)
}

type testAgg struct {
	class, method string
	failures      int
	runs          int
	totalMs       int64
	firstSeen     int
}

func (a *Aggregator) compute(ctx context.Context, gen uint64) (*types.StatisticsSnapshot, error) {
	start := time.Now()
	now := a.now().In(a.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.location)
	first := today.AddDate(0, 0, -(a.trendDays - 1))

	trend := make([]types.DailyPassRate, a.trendDays)
	passedByDay := make([]int, a.trendDays)
	index := make(map[string]int, a.trendDays)
	for i := range trend {
		d := first.AddDate(0, 0, i).Format(dateLayout)
		trend[i].Date = d
		index[d] = i
	}

	snap := &types.StatisticsSnapshot{Generation: gen}
	tests := make(map[string]*testAgg)
	var order int

	err := a.runs.ScanRuns(ctx, func(r *types.RunRecord) error {
		snap.TotalRuns++
		switch r.Status {
		case types.StatusPassed:
			snap.Passed++
		case types.StatusFailed:
			snap.Failed++
		}

		key := r.TestKey()
		t, ok := tests[key]
		if !ok {
			t = &testAgg{class: r.TestClass, method: r.TestMethod, firstSeen: order}
			order++
			tests[key] = t
		}
		t.runs++
		t.totalMs += r.DurationMs
		if r.Status == types.StatusFailed {
			t.failures++
		}

		if ts := r.CompletionTime(); !ts.IsZero() {
			if i, ok := index[ts.In(a.location).Format(dateLayout)]; ok {
				trend[i].Runs++
				if r.Status == types.StatusPassed {
					passedByDay[i]++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap.Skipped = snap.TotalRuns - snap.Passed - snap.Failed
	if snap.TotalRuns > 0 {
		snap.PassRate = percent(snap.Passed, snap.TotalRuns)
	}
	for i := range trend {
		if trend[i].Runs > 0 {
			trend[i].PassRate = percent(passedByDay[i], trend[i].Runs)
		}
	}
	snap.DailyTrend = trend

	all := make([]*testAgg, 0, len(tests))
	for _, t := range tests {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].firstSeen < all[j].firstSeen })

	failing := make([]*testAgg, 0, len(all))
	for _, t := range all {
		if t.failures > 0 {
			failing = append(failing, t)
		}
	}
	sort.SliceStable(failing, func(i, j int) bool { return failing[i].failures > failing[j].failures })
	snap.TopFailingTests = make([]types.TestFailures, 0, TopFailingLimit)
	for _, t := range failing[:min(len(failing), TopFailingLimit)] {
		snap.TopFailingTests = append(snap.TopFailingTests, types.TestFailures{
			TestClass: t.class, TestMethod: t.method, Failures: t.failures,
		})
	}

	slow := make([]types.TestDuration, 0, len(all))
	for _, t := range all {
		slow = append(slow, types.TestDuration{
			TestClass:      t.class,
			TestMethod:     t.method,
			MeanDurationMs: float64(t.totalMs) / float64(t.runs),
			Runs:           t.runs,
		})
	}
	sort.SliceStable(slow, func(i, j int) bool { return slow[i].MeanDurationMs > slow[j].MeanDurationMs })
	snap.SlowestTests = slow[:min(len(slow), SlowestTestsLimit)]

	snap.GeneratedAt = a.now().UTC()
	a.metrics.RecordStatsRecompute(gen)
	a.logger.Debug("statistics recomputed", "generation", gen, "runs", snap.TotalRuns, "elapsed", time.Since(start))
	return snap, nil
}
