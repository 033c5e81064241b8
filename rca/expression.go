package rca

import (
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/c360/triage/types"
)

// ExpressionRule matches when a boolean expr-lang condition over the event
// holds. See exprEnv for the variables available to the condition.
type ExpressionRule struct {
	baseRule
	condition string
	program   *vm.Program
	finding   Finding
	logger    *slog.Logger
}

// exprEnv exposes the event to conditions.
func exprEnv(ev *types.FailureEvent) map[string]any {
	env := map[string]any{
		"runId":            ev.RunID,
		"testClass":        ev.TestClass,
		"testMethod":       ev.TestMethod,
		"status":           string(ev.Status),
		"durationMs":       ev.DurationMs,
		"exceptionType":    ev.ExceptionType,
		"exceptionMessage": ev.ExceptionMessage,
		"stackTrace":       ev.StackTrace,
		"appVersion":       ev.AppVersion,
		"testSuite":        ev.TestSuite,
		"environment":      ev.Environment.Name,
		"browser":          ev.Environment.Browser,
		"tags":             ev.Tags,
		"metadata":         ev.Metadata,
		"hasFailedStep":    ev.FailedStep != nil,
		"stepAction":       "",
		"stepConfidence":   0.0,
	}
	if ev.Tags == nil {
		env["tags"] = []string{}
	}
	if ev.Metadata == nil {
		env["metadata"] = map[string]string{}
	}
	if ev.FailedStep != nil {
		env["stepAction"] = ev.FailedStep.Action
		env["stepConfidence"] = ev.FailedStep.Confidence
	}
	return env
}

// NewExpressionRule compiles condition against the event environment.
func NewExpressionRule(name string, priority int, condition string, finding Finding, logger *slog.Logger) (*ExpressionRule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	program, err := expr.Compile(condition, expr.Env(exprEnv(&types.FailureEvent{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	return &ExpressionRule{
		baseRule:  baseRule{name: name, priority: priority},
		condition: condition,
		program:   program,
		finding:   finding,
		logger:    logger,
	}, nil
}

// Matches implements Rule. A runtime evaluation error counts as no match.
func (r *ExpressionRule) Matches(ev *types.FailureEvent) bool {
	out, err := expr.Run(r.program, exprEnv(ev))
	if err != nil {
		r.logger.Debug("rule condition failed", "rule", r.name, "run_id", ev.RunID, "error", err)
		return false
	}
	matched, _ := out.(bool)
	return matched
}

// Explain implements Rule.
func (r *ExpressionRule) Explain(ev *types.FailureEvent) Finding {
	f := r.finding
	f.Explanation = map[string]any{"condition": r.condition}
	f.RawEvidence = evidence(ev)
	return f
}
