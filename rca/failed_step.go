package rca

import (
	"fmt"

	"github.com/c360/triage/types"
)

// RuleFailedStep is the name of the failed-step rule.
const RuleFailedStep = "failed-step"

// stepConfidenceFactor discounts the recorder's own confidence in the step.
const stepConfidenceFactor = 0.9

// FailedStepRule blames the recorded step that failed.
type FailedStepRule struct {
	baseRule
}

// NewFailedStepRule builds the rule at the given priority.
func NewFailedStepRule(priority int) *FailedStepRule {
	return &FailedStepRule{baseRule{name: RuleFailedStep, priority: priority}}
}

// Matches implements Rule.
func (r *FailedStepRule) Matches(ev *types.FailureEvent) bool {
	return ev.FailedStep != nil
}

// Explain implements Rule.
func (r *FailedStepRule) Explain(ev *types.FailureEvent) Finding {
	step := ev.FailedStep
	locator := step.LocatorValue
	if step.LocatorStrategy != "" {
		locator = step.LocatorStrategy + "=" + step.LocatorValue
	}
	return Finding{
		AnalysisType: "Failed Step",
		Reason: fmt.Sprintf("Step %d (%s) failed on locator %s; the recorder was %.0f%% confident in this locator.",
			step.Index, step.Action, locator, step.Confidence*100),
		Solution: fmt.Sprintf("Verify that %s still identifies the intended element for the %s action, "+
			"or switch to a more stable locator.", locator, step.Action),
		Confidence: clampConfidence(step.Confidence * stepConfidenceFactor),
		Explanation: map[string]any{
			"stepIndex":       step.Index,
			"action":          step.Action,
			"locatorStrategy": step.LocatorStrategy,
			"locatorValue":    step.LocatorValue,
			"stepConfidence":  step.Confidence,
		},
		RawEvidence: evidence(ev),
	}
}
