package rca

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// RuleDefinition configures one rule built by a factory.
type RuleDefinition struct {
	Name     string `yaml:"name" json:"name"`
	Type     string `yaml:"type" json:"type"`
	Priority int    `yaml:"priority" json:"priority"`
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// exception_contains
	Contains string `yaml:"contains,omitempty" json:"contains,omitempty"`
	Field    string `yaml:"field,omitempty" json:"field,omitempty"`

	// expression
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	AnalysisType string  `yaml:"analysis_type" json:"analysis_type"`
	Reason       string  `yaml:"reason,omitempty" json:"reason,omitempty"`
	Solution     string  `yaml:"solution,omitempty" json:"solution,omitempty"`
	Confidence   float64 `yaml:"confidence" json:"confidence"`
}

// IsEnabled defaults to true when unset.
func (d RuleDefinition) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

func (d RuleDefinition) finding() Finding {
	return Finding{
		AnalysisType: d.AnalysisType,
		Reason:       d.Reason,
		Solution:     d.Solution,
		Confidence:   d.Confidence,
	}
}

// RuleDependencies are handed to factories.
type RuleDependencies struct {
	Predictor Predictor
	Logger    *slog.Logger
}

// RuleFactory creates rules of one type.
type RuleFactory interface {
	Type() string
	Validate(def RuleDefinition) error
	Create(def RuleDefinition, deps RuleDependencies) (Rule, error)
}

// Built-in factory types.
const (
	TypeExceptionContains = "exception_contains"
	TypeExpression        = "expression"
	TypeFailedStep        = "failed_step"
	TypePrediction        = "prediction"
)

var (
	factoryRegistry = make(map[string]RuleFactory)
	factoryMutex    sync.RWMutex
)

func init() {
	for _, f := range []RuleFactory{
		exceptionContainsFactory{},
		expressionFactory{},
		failedStepFactory{},
		predictionFactory{},
	} {
		if err := RegisterRuleFactory(f.Type(), f); err != nil {
			panic(err)
		}
	}
}

// RegisterRuleFactory registers a factory for ruleType.
func RegisterRuleFactory(ruleType string, factory RuleFactory) error {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()

	if _, exists := factoryRegistry[ruleType]; exists {
		return fmt.Errorf("rule factory already registered for type: %s", ruleType)
	}
	factoryRegistry[ruleType] = factory
	return nil
}

// UnregisterRuleFactory removes the factory for ruleType.
func UnregisterRuleFactory(ruleType string) error {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()

	if _, exists := factoryRegistry[ruleType]; !exists {
		return fmt.Errorf("no factory registered for type: %s", ruleType)
	}
	delete(factoryRegistry, ruleType)
	return nil
}

// GetRuleFactory returns the factory for ruleType.
func GetRuleFactory(ruleType string) (RuleFactory, bool) {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()

	factory, exists := factoryRegistry[ruleType]
	return factory, exists
}

// RegisteredRuleTypes lists registered types in sorted order.
func RegisteredRuleTypes() []string {
	factoryMutex.RLock()
	defer factoryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for ruleType := range factoryRegistry {
		types = append(types, ruleType)
	}
	sort.Strings(types)
	return types
}

// CreateRuleFromDefinition validates def and builds it with its factory.
func CreateRuleFromDefinition(def RuleDefinition, deps RuleDependencies) (Rule, error) {
	factory, exists := GetRuleFactory(def.Type)
	if !exists {
		return nil, fmt.Errorf("no factory registered for rule type: %s", def.Type)
	}
	if err := factory.Validate(def); err != nil {
		return nil, fmt.Errorf("rule %s validation failed: %w", def.Name, err)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return factory.Create(def, deps)
}

func validateCommon(def RuleDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if def.Confidence < 0 || def.Confidence > 1 {
		return fmt.Errorf("confidence %.2f outside [0,1]", def.Confidence)
	}
	return nil
}

func validateFinding(def RuleDefinition) error {
	if err := validateCommon(def); err != nil {
		return err
	}
	if strings.TrimSpace(def.AnalysisType) == "" {
		return fmt.Errorf("analysis_type is required")
	}
	return nil
}

type exceptionContainsFactory struct{}

func (exceptionContainsFactory) Type() string { return TypeExceptionContains }

func (exceptionContainsFactory) Validate(def RuleDefinition) error {
	if err := validateFinding(def); err != nil {
		return err
	}
	switch def.Field {
	case "", FieldExceptionType, FieldExceptionMessage, FieldStackTrace:
	default:
		return fmt.Errorf("unknown field %q", def.Field)
	}
	if def.Contains == "" {
		return fmt.Errorf("contains is required")
	}
	return nil
}

func (exceptionContainsFactory) Create(def RuleDefinition, _ RuleDependencies) (Rule, error) {
	r := NewExceptionRule(def.Name, def.Priority, def.Contains, def.finding())
	if def.Field != "" {
		r.field = def.Field
	}
	return r, nil
}

type expressionFactory struct{}

func (expressionFactory) Type() string { return TypeExpression }

func (expressionFactory) Validate(def RuleDefinition) error {
	if err := validateFinding(def); err != nil {
		return err
	}
	if strings.TrimSpace(def.Condition) == "" {
		return fmt.Errorf("condition is required")
	}
	return nil
}

func (expressionFactory) Create(def RuleDefinition, deps RuleDependencies) (Rule, error) {
	return NewExpressionRule(def.Name, def.Priority, def.Condition, def.finding(), deps.Logger)
}

type failedStepFactory struct{}

func (failedStepFactory) Type() string                  { return TypeFailedStep }
func (failedStepFactory) Validate(RuleDefinition) error { return nil }

func (failedStepFactory) Create(def RuleDefinition, _ RuleDependencies) (Rule, error) {
	return NewFailedStepRule(def.Priority), nil
}

type predictionFactory struct{}

func (predictionFactory) Type() string                  { return TypePrediction }
func (predictionFactory) Validate(RuleDefinition) error { return nil }

func (predictionFactory) Create(def RuleDefinition, deps RuleDependencies) (Rule, error) {
	if deps.Predictor == nil {
		return nil, fmt.Errorf("prediction rule needs a predictor")
	}
	return NewPredictionRule(def.Priority, deps.Predictor, deps.Logger), nil
}
