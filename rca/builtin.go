package rca

import (
	"fmt"
	"strings"

	"github.com/c360/triage/types"
)

// Field selectors for ExceptionRule.
const (
	FieldExceptionType    = "exceptionType"
	FieldExceptionMessage = "exceptionMessage"
	FieldStackTrace       = "stackTrace"
)

// ExceptionRule matches a case-sensitive substring of an exception field.
// An empty literal matches any non-blank value.
type ExceptionRule struct {
	baseRule
	field   string
	literal string
	finding Finding
}

// NewExceptionRule builds a substring rule on ExceptionType.
func NewExceptionRule(name string, priority int, literal string, finding Finding) *ExceptionRule {
	return &ExceptionRule{
		baseRule: baseRule{name: name, priority: priority},
		field:    FieldExceptionType,
		literal:  literal,
		finding:  finding,
	}
}

func (r *ExceptionRule) value(ev *types.FailureEvent) string {
	switch r.field {
	case FieldExceptionMessage:
		return ev.ExceptionMessage
	case FieldStackTrace:
		return ev.StackTrace
	default:
		return ev.ExceptionType
	}
}

// Matches implements Rule.
func (r *ExceptionRule) Matches(ev *types.FailureEvent) bool {
	v := r.value(ev)
	if r.literal == "" {
		return strings.TrimSpace(v) != ""
	}
	return strings.Contains(v, r.literal)
}

// Explain implements Rule.
func (r *ExceptionRule) Explain(ev *types.FailureEvent) Finding {
	f := r.finding
	f.Explanation = map[string]any{
		"field":         r.field,
		"exceptionType": ev.ExceptionType,
	}
	if r.literal != "" {
		f.Explanation["matched"] = r.literal
	}
	if f.Reason == "" {
		f.Reason = fmt.Sprintf("The test failed with %s.", ev.ExceptionType)
	}
	f.RawEvidence = evidence(ev)
	return f
}

// Built-in rule names.
const (
	RuleStaleElement     = "stale-element"
	RuleElementNotFound  = "element-not-found"
	RuleTimeout          = "timeout"
	RuleAssertion        = "assertion"
	RuleGenericException = "generic-exception"
)

// DefaultRules returns the built-in exception chain.
func DefaultRules() []Rule {
	return []Rule{
		NewExceptionRule(RuleStaleElement, 10, "StaleElementReferenceException", Finding{
			AnalysisType: "Stale Element Reference",
			Reason:       "The element was found but the page re-rendered before it was used, detaching it from the DOM.",
			Solution:     "Re-locate the element right before interacting with it, or wait for the page to settle after navigation or AJAX updates.",
			Confidence:   0.90,
		}),
		NewExceptionRule(RuleElementNotFound, 20, "NoSuchElementException", Finding{
			AnalysisType: "Element Not Found",
			Reason:       "The locator did not match any element on the page.",
			Solution:     "Check the locator against the current UI, and add an explicit wait if the element appears asynchronously.",
			Confidence:   0.80,
		}),
		NewExceptionRule(RuleTimeout, 30, "TimeoutException", Finding{
			AnalysisType: "Timeout",
			Reason:       "An operation did not finish within its wait time.",
			Solution:     "Look for slow backends or environment load, and raise the wait only if the slowness is expected.",
			Confidence:   0.85,
		}),
		NewExceptionRule(RuleAssertion, 40, "AssertionError", Finding{
			AnalysisType: "Assertion Failure",
			Reason:       "The application state did not match what the test expected.",
			Solution:     "Compare the expected and actual values; either the application regressed or the test expectation is outdated.",
			Confidence:   0.75,
		}),
		NewExceptionRule(RuleGenericException, 100, "", Finding{
			AnalysisType: "Unclassified Exception",
			Solution:     "Inspect the stack trace; add a rule for this exception if it recurs.",
			Confidence:   0.50,
		}),
	}
}
