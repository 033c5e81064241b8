package rca

import (
	"context"
	"log/slog"

	"github.com/c360/triage/types"
)

// RulePrediction is the name of the prediction rule.
const RulePrediction = "prediction"

// Predictor asks an external service for a diagnosis. A nil diagnosis with
// a nil error means the service had no opinion.
type Predictor interface {
	Predict(ctx context.Context, ev *types.FailureEvent) (*types.Diagnosis, error)
}

// PredictionRule delegates to a Predictor. Any failure of the predictor is
// treated as no match so the chain continues.
type PredictionRule struct {
	baseRule
	predictor Predictor
	logger    *slog.Logger
}

// NewPredictionRule wraps predictor.
func NewPredictionRule(priority int, predictor Predictor, logger *slog.Logger) *PredictionRule {
	if logger == nil {
		logger = slog.Default()
	}
	return &PredictionRule{
		baseRule:  baseRule{name: RulePrediction, priority: priority},
		predictor: predictor,
		logger:    logger,
	}
}

// Matches implements Rule. The engine uses Evaluate instead.
func (r *PredictionRule) Matches(*types.FailureEvent) bool { return false }

// Explain implements Rule.
func (r *PredictionRule) Explain(*types.FailureEvent) Finding { return Finding{} }

// Evaluate implements ContextRule.
func (r *PredictionRule) Evaluate(ctx context.Context, ev *types.FailureEvent) (Finding, bool) {
	d, err := r.predictor.Predict(ctx, ev)
	if err != nil {
		r.logger.Debug("prediction unavailable", "run_id", ev.RunID, "error", err)
		return Finding{}, false
	}
	if d == nil || d.AnalysisType == "" {
		return Finding{}, false
	}
	explanation := d.Explanation
	if explanation == nil {
		explanation = map[string]any{}
	}
	explanation["source"] = "prediction-service"
	return Finding{
		AnalysisType: d.AnalysisType,
		Reason:       d.SuggestedReason,
		Solution:     d.SuggestedSolution,
		Confidence:   clampConfidence(d.Confidence),
		Explanation:  explanation,
		RawEvidence:  evidence(ev),
	}, true
}
