package rca

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/c360/triage/metric"
	"github.com/c360/triage/types"
)

// Outcomes produced by the engine itself rather than a rule.
const (
	RulePassed   = "passed"
	RuleFallback = "fallback"
	RuleSkipped  = "skipped"

	PassedConfidence   = 0.99
	FallbackConfidence = 0.40
)

// Engine evaluates an ordered rule chain.
type Engine struct {
	rules   []Rule
	logger  *slog.Logger
	metrics *metric.Core
	now     func() time.Time
	newID   func() string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics counts matches per rule.
func WithMetrics(reg *metric.MetricsRegistry) EngineOption {
	return func(e *Engine) { e.metrics = reg.Core() }
}

// WithClock overrides the diagnosis timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine orders rules by priority. Rules with equal priority keep their
// relative order.
func NewEngine(rules []Rule, opts ...EngineOption) *Engine {
	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b Rule) int { return a.Priority() - b.Priority() })

	e := &Engine{
		rules:  ordered,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "rca")
	return e
}

// Rules returns the chain in evaluation order.
func (e *Engine) Rules() []Rule { return slices.Clone(e.rules) }

// Analyze returns the diagnoses for ev, highest precedence first. The
// result is never empty.
func (e *Engine) Analyze(ctx context.Context, ev *types.FailureEvent) []types.Diagnosis {
	if ev.Status == types.StatusPassed {
		return e.emit(ev, RulePassed, Finding{
			AnalysisType: "Successful Run",
			Reason:       "The test passed.",
			Solution:     "No action needed.",
			Confidence:   PassedConfidence,
		})
	}

	for _, rule := range e.rules {
		if cr, ok := rule.(ContextRule); ok {
			// Rules that call out need a live context; the pure rules
			// below still run so cancellation never degrades a
			// diagnosis to the fallback.
			if ctx.Err() != nil {
				continue
			}
			if f, matched := cr.Evaluate(ctx, ev); matched {
				return e.emit(ev, rule.Name(), f)
			}
			continue
		}
		if rule.Matches(ev) {
			return e.emit(ev, rule.Name(), rule.Explain(ev))
		}
	}

	if ev.Status == types.StatusSkipped {
		return e.emit(ev, RuleSkipped, Finding{
			AnalysisType: "Skipped Run",
			Reason:       "The test was skipped.",
			Solution:     "Check why the runner skipped it: a disabled test, an unmet assumption or a failed dependency.",
			Confidence:   FallbackConfidence,
		})
	}
	return e.emit(ev, RuleFallback, Finding{
		AnalysisType: "General Failure",
		Reason:       "The test failed without an exception or recorded step that a rule recognises.",
		Solution:     "Review the test logs and artifacts manually.",
		Confidence:   FallbackConfidence,
	})
}

func (e *Engine) emit(ev *types.FailureEvent, rule string, f Finding) []types.Diagnosis {
	e.metrics.RecordDiagnosis(rule)
	e.logger.Debug("diagnosis", "run_id", ev.RunID, "rule", rule, "analysis_type", f.AnalysisType, "confidence", f.Confidence)
	return []types.Diagnosis{{
		ID:                e.newID(),
		RunID:             ev.RunID,
		AnalysisType:      f.AnalysisType,
		SuggestedReason:   f.Reason,
		SuggestedSolution: f.Solution,
		Confidence:        clampConfidence(f.Confidence),
		Explanation:       f.Explanation,
		RawEvidence:       f.RawEvidence,
		RuleName:          rule,
		CreatedAt:         e.now().UTC(),
	}}
}
