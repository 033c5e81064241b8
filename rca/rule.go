package rca

import (
	"context"

	"github.com/c360/triage/types"
)

// Rule is one step of the analysis chain.
type Rule interface {
	Name() string
	// Priority orders the chain; lower runs first.
	Priority() int
	Matches(ev *types.FailureEvent) bool
	// Explain is only called after Matches returned true.
	Explain(ev *types.FailureEvent) Finding
}

// ContextRule is a rule whose evaluation does I/O. The engine calls
// Evaluate instead of Matches/Explain.
type ContextRule interface {
	Rule
	Evaluate(ctx context.Context, ev *types.FailureEvent) (Finding, bool)
}

// Finding is what a rule concludes; the engine turns it into a Diagnosis.
type Finding struct {
	AnalysisType string
	Reason       string
	Solution     string
	Confidence   float64
	Explanation  map[string]any
	RawEvidence  string
}

type baseRule struct {
	name     string
	priority int
}

func (b baseRule) Name() string  { return b.name }
func (b baseRule) Priority() int { return b.priority }

const maxEvidence = 2000

// evidence is the exception text a diagnosis keeps for display.
func evidence(ev *types.FailureEvent) string {
	s := ev.ExceptionType
	if ev.ExceptionMessage != "" {
		s += ": " + ev.ExceptionMessage
	}
	if ev.StackTrace != "" {
		s += "\n" + ev.StackTrace
	}
	if len(s) > maxEvidence {
		s = s[:maxEvidence]
	}
	return s
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
