// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package rules is a small rule set evaluator backing business rule tasks.
// Conditions and outputs are FEEL expressions.
package rules

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/pbinitiative/zenworkflow/pkg/feel"
	"gopkg.in/yaml.v3"
)

var (
	ErrRuleSetNotFound = errors.New("rule set not found")
	ErrNoRuleMatched   = errors.New("no rule matched")
	ErrNotUnique       = errors.New("more than one rule matched")
)

type HitPolicy string

const (
	// HitPolicyFirst returns the outputs of the first matching rule.
	HitPolicyFirst HitPolicy = "FIRST"
	// HitPolicyUnique fails unless exactly one rule matches.
	HitPolicyUnique HitPolicy = "UNIQUE"
	// HitPolicyCollect returns every output as a list of the values of all
	// matching rules in declaration order.
	HitPolicyCollect HitPolicy = "COLLECT"
)

type Rule struct {
	Id string `json:"id" yaml:"id"`
	// When is a FEEL condition, empty matches everything.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
	// Then maps output variable names to FEEL expressions.
	Then map[string]string `json:"then" yaml:"then"`
}

type RuleSet struct {
	Key       string         `json:"key" yaml:"key"`
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	HitPolicy HitPolicy      `json:"hitPolicy,omitempty" yaml:"hitPolicy,omitempty"`
	Rules     []Rule         `json:"rules" yaml:"rules"`
	Defaults  map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

type Engine struct {
	mu       sync.RWMutex
	ruleSets map[string]RuleSet
	feel     *feel.Runtime
}

func NewEngine(runtime *feel.Runtime) *Engine {
	if runtime == nil {
		runtime = feel.NewRuntime()
	}
	return &Engine{
		ruleSets: map[string]RuleSet{},
		feel:     runtime,
	}
}

// Register adds or replaces a rule set.
func (e *Engine) Register(rs RuleSet) error {
	if rs.Key == "" {
		return fmt.Errorf("rule set key is required")
	}
	switch rs.HitPolicy {
	case "":
		rs.HitPolicy = HitPolicyFirst
	case HitPolicyFirst, HitPolicyUnique, HitPolicyCollect:
	default:
		return fmt.Errorf("rule set %s: unknown hit policy %s", rs.Key, rs.HitPolicy)
	}
	for i, r := range rs.Rules {
		if len(r.Then) == 0 {
			return fmt.Errorf("rule set %s: rule %d has no outputs", rs.Key, i)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ruleSets[rs.Key] = rs
	return nil
}

// LoadYAML registers every rule set of a YAML document holding a list of rule sets.
func (e *Engine) LoadYAML(data []byte) error {
	var sets []RuleSet
	if err := yaml.Unmarshal(data, &sets); err != nil {
		return fmt.Errorf("failed to parse rule sets: %w", err)
	}
	var errs []error
	for _, rs := range sets {
		errs = append(errs, e.Register(rs))
	}
	return errors.Join(errs...)
}

func (e *Engine) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.ruleSets))
}

// Evaluate runs the rule set against facts and returns the output variables.
func (e *Engine) Evaluate(ctx context.Context, ruleSetKey string, facts map[string]any) (map[string]any, error) {
	e.mu.RLock()
	rs, ok := e.ruleSets[ruleSetKey]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, ruleSetKey)
	}

	matched := make([]map[string]any, 0, 1)
	for _, r := range rs.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.When != "" {
			ok, err := e.feel.UnaryTest(r.When, facts)
			if err != nil {
				return nil, fmt.Errorf("rule set %s rule %s: %w", rs.Key, r.Id, err)
			}
			if !ok {
				continue
			}
		}
		out, err := e.outputs(r, facts)
		if err != nil {
			return nil, fmt.Errorf("rule set %s rule %s: %w", rs.Key, r.Id, err)
		}
		matched = append(matched, out)
		if rs.HitPolicy == HitPolicyFirst {
			break
		}
	}

	result := maps.Clone(rs.Defaults)
	if result == nil {
		result = map[string]any{}
	}
	switch rs.HitPolicy {
	case HitPolicyFirst:
		if len(matched) == 0 && len(rs.Defaults) == 0 {
			return nil, fmt.Errorf("%w in rule set %s", ErrNoRuleMatched, rs.Key)
		}
		if len(matched) > 0 {
			maps.Copy(result, matched[0])
		}
	case HitPolicyUnique:
		if len(matched) > 1 {
			return nil, fmt.Errorf("%w in rule set %s", ErrNotUnique, rs.Key)
		}
		if len(matched) == 0 && len(rs.Defaults) == 0 {
			return nil, fmt.Errorf("%w in rule set %s", ErrNoRuleMatched, rs.Key)
		}
		if len(matched) == 1 {
			maps.Copy(result, matched[0])
		}
	case HitPolicyCollect:
		for _, out := range matched {
			for k, v := range out {
				list, _ := result[k].([]any)
				result[k] = append(list, v)
			}
		}
	default:
		panic(fmt.Sprintf("[invariant check] unknown hit policy %s", rs.HitPolicy))
	}
	return result, nil
}

func (e *Engine) outputs(r Rule, facts map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(r.Then))
	for name, expression := range r.Then {
		v, err := e.feel.Evaluate(expression, facts)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
