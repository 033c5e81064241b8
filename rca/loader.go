package rca

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RulesFile is the YAML document holding user rules.
type RulesFile struct {
	Rules []RuleDefinition `yaml:"rules"`
}

// ParseRules decodes a rules document. Unknown keys are rejected.
func ParseRules(data []byte) ([]RuleDefinition, error) {
	var f RulesFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return f.Rules, nil
}

// LoadRulesFile reads and parses path.
func LoadRulesFile(path string) ([]RuleDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// Options selects the rules BuildRules assembles.
type Options struct {
	FailedStepEnabled  bool
	FailedStepPriority int
	PredictionEnabled  bool
	PredictionPriority int
	Definitions        []RuleDefinition
}

// BuildRules returns the built-in chain plus the optional and user rules.
func BuildRules(opts Options, deps RuleDependencies) ([]Rule, error) {
	rules := DefaultRules()

	defs := make([]RuleDefinition, 0, len(opts.Definitions)+2)
	if opts.FailedStepEnabled {
		defs = append(defs, RuleDefinition{Name: RuleFailedStep, Type: TypeFailedStep, Priority: opts.FailedStepPriority})
	}
	if opts.PredictionEnabled {
		defs = append(defs, RuleDefinition{Name: RulePrediction, Type: TypePrediction, Priority: opts.PredictionPriority})
	}
	defs = append(defs, opts.Definitions...)

	seen := make(map[string]bool, len(rules)+len(defs))
	for _, r := range rules {
		seen[r.Name()] = true
	}
	for _, def := range defs {
		if !def.IsEnabled() {
			continue
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", def.Name)
		}
		r, err := CreateRuleFromDefinition(def, deps)
		if err != nil {
			return nil, err
		}
		seen[def.Name] = true
		rules = append(rules, r)
	}
	return rules, nil
}
