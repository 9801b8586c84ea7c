package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"

	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

// Variables is a JSON-shaped variable map. Decoding keeps integral numbers as
// int64 so values survive a storage round trip unchanged.
type Variables map[string]any

func (v *Variables) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	*v = normalizeDecoded(raw).(map[string]any)
	return nil
}

// VariableScope resolves variables through a chain of scopes. Writes only
// ever touch the scope they are made on unless propagated to the root.
type VariableScope struct {
	parent    *VariableScope
	variables map[string]any
}

// NewVariableScope creates a scope over variables. The map is owned by the
// scope afterwards.
func NewVariableScope(parent *VariableScope, variables map[string]any) *VariableScope {
	if variables == nil {
		variables = map[string]any{}
	}
	return &VariableScope{
		parent:    parent,
		variables: variables,
	}
}

func (s *VariableScope) Parent() *VariableScope {
	return s.parent
}

func (s *VariableScope) Root() *VariableScope {
	root := s
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// Get resolves key from this scope towards the root, first match wins.
func (s *VariableScope) Get(key string) (any, bool) {
	for scope := s; scope != nil; scope = scope.parent {
		if v, ok := scope.variables[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Local returns the variables of this scope only.
func (s *VariableScope) Local() map[string]any {
	return s.variables
}

// Set writes key into this scope. The parent chain is never mutated.
func (s *VariableScope) Set(key string, value any) error {
	normalized, err := NormalizeValue(value)
	if err != nil {
		return variableTypeError(key, err)
	}
	s.variables[key] = normalized
	return nil
}

// SetAll writes all variables or none of them.
func (s *VariableScope) SetAll(variables map[string]any) error {
	normalized, err := NormalizeVariables(variables)
	if err != nil {
		return err
	}
	maps.Copy(s.variables, normalized)
	return nil
}

// SetPropagate writes key into the root scope.
func (s *VariableScope) SetPropagate(key string, value any) error {
	return s.Root().Set(key, value)
}

func (s *VariableScope) Delete(key string) {
	delete(s.variables, key)
}

// Merge copies the declared output variables of child into s. Variables the
// child did not set locally are skipped.
func (s *VariableScope) Merge(child *VariableScope, outputs []string) {
	for _, key := range outputs {
		if v, ok := child.variables[key]; ok {
			s.variables[key] = v
		}
	}
}

// All flattens the chain, inner scopes shadowing outer ones.
func (s *VariableScope) All() map[string]any {
	var chain []*VariableScope
	for scope := s; scope != nil; scope = scope.parent {
		chain = append(chain, scope)
	}
	all := map[string]any{}
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(all, chain[i].variables)
	}
	return all
}

// NormalizeVariables validates and normalizes every value of variables.
func NormalizeVariables(variables map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(variables))
	for k, v := range variables {
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, variableTypeError(k, err)
		}
		normalized[k] = n
	}
	return normalized, nil
}

// NormalizeValue accepts JSON-serializable values and returns them in the
// shape they have after a JSON round trip: nil, bool, string, int64, float64,
// []any or map[string]any.
func NormalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil, bool, string, int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("unsupported float value %v", v)
		}
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v), nil
		}
		return v, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return normalizeDecoded(decoded), nil
}

func normalizeDecoded(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case map[string]any:
		for k, e := range v {
			v[k] = normalizeDecoded(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = normalizeDecoded(e)
		}
		return v
	default:
		return v
	}
}

func variableTypeError(key string, err error) error {
	return zenerr.ErrInvalidVariableType.With(fmt.Sprintf("variable %q is not JSON serializable", key), "variable", key).Wrap(err)
}
