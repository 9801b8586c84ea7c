// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package feel evaluates FEEL expressions used by sequence flow guards,
// message correlation keys and rule sets.
package feel

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/pbinitiative/feel"
)

type Runtime struct{}

func NewRuntime() *Runtime {
	return &Runtime{}
}

// IsExpression reports whether s is written as "=<expression>". Anything else
// is a literal.
func IsExpression(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "=")
}

// Evaluate returns the value of expression in the given variable context.
// A leading "=" is optional. The value is reduced to JSON shaped Go values.
func (r *Runtime) Evaluate(expression string, variables map[string]any) (any, error) {
	expression = strings.TrimPrefix(strings.TrimSpace(expression), "=")
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}
	res, err := feel.EvalStringWithScope(expression, variables)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return toPlain(res)
}

// UnaryTest evaluates expression as a condition. null counts as false, any
// other non boolean result is an error.
func (r *Runtime) UnaryTest(expression string, variables map[string]any) (bool, error) {
	res, err := r.Evaluate(expression, variables)
	if err != nil {
		return false, err
	}
	switch v := res.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("expression %q evaluated to %T, expected boolean", expression, res)
	}
}

// EvaluateString evaluates expression and renders the result as a string,
// literals are returned as is.
func (r *Runtime) EvaluateString(expression string, variables map[string]any) (string, error) {
	if !IsExpression(expression) {
		return expression, nil
	}
	res, err := r.Evaluate(expression, variables)
	if err != nil {
		return "", err
	}
	switch v := res.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// toPlain converts library specific values (numbers, contexts) into the
// json shapes variables are stored in. Numbers become int64 when integral and
// float64 otherwise, at any depth.
func toPlain(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return v, nil
	case *feel.NullValue:
		return nil, nil
	case int:
		return int64(t), nil
	case *feel.Number:
		if t == nil {
			return nil, nil
		}
		return numberValue(*t), nil
	case feel.Number:
		return numberValue(t), nil
	case map[string]any:
		res := make(map[string]any, len(t))
		for k, e := range t {
			pe, err := toPlain(e)
			if err != nil {
				return nil, err
			}
			res[k] = pe
		}
		return res, nil
	case []any:
		res := make([]any, len(t))
		for i, e := range t {
			pe, err := toPlain(e)
			if err != nil {
				return nil, err
			}
			res[i] = pe
		}
		return res, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert FEEL result %T: %w", v, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var res any
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to convert FEEL result %T: %w", v, err)
	}
	return fromNumbers(res), nil
}

func numberValue(n feel.Number) any {
	f := n.Float64()
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return n.Int64()
	}
	return f
}

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

func fromNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = fromNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = fromNumbers(e)
		}
	}
	return v
}
