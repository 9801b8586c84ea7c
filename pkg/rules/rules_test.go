package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const discountRules = `
- key: discount
  hitPolicy: FIRST
  rules:
    - id: vip
      when: customer = "vip"
      then:
        discount: "0.2"
    - id: big
      when: amount > 1000
      then:
        discount: "0.1"
  defaults:
    discount: 0
- key: tags
  hitPolicy: COLLECT
  rules:
    - id: large
      when: amount > 1000
      then:
        tag: '"large"'
    - id: any
      then:
        tag: '"order"'
- key: strict
  hitPolicy: UNIQUE
  rules:
    - id: a
      when: amount > 10
      then:
        level: '"a"'
    - id: b
      when: amount > 100
      then:
        level: '"b"'
`

func newEngine(t *testing.T) *Engine {
	e := NewEngine(nil)
	require.NoError(t, e.LoadYAML([]byte(discountRules)))
	return e
}

func TestFirstHitPolicy(t *testing.T) {
	e := newEngine(t)

	out, err := e.Evaluate(t.Context(), "discount", map[string]any{"customer": "vip", "amount": int64(5000)})
	require.NoError(t, err)
	assert.Equal(t, 0.2, out["discount"])

	out, err = e.Evaluate(t.Context(), "discount", map[string]any{"customer": "regular", "amount": int64(10)})
	require.NoError(t, err)
	assert.Equal(t, 0, out["discount"])
}

func TestCollectHitPolicy(t *testing.T) {
	e := newEngine(t)

	out, err := e.Evaluate(t.Context(), "tags", map[string]any{"amount": int64(5000)})

	require.NoError(t, err)
	assert.Equal(t, []any{"large", "order"}, out["tag"])
}

func TestUniqueHitPolicy(t *testing.T) {
	e := newEngine(t)

	out, err := e.Evaluate(t.Context(), "strict", map[string]any{"amount": int64(50)})
	require.NoError(t, err)
	assert.Equal(t, "a", out["level"])

	_, err = e.Evaluate(t.Context(), "strict", map[string]any{"amount": int64(500)})
	assert.ErrorIs(t, err, ErrNotUnique)

	_, err = e.Evaluate(t.Context(), "strict", map[string]any{"amount": int64(1)})
	assert.ErrorIs(t, err, ErrNoRuleMatched)
}

func TestUnknownRuleSet(t *testing.T) {
	e := newEngine(t)

	_, err := e.Evaluate(t.Context(), "missing", nil)

	assert.ErrorIs(t, err, ErrRuleSetNotFound)
	assert.Equal(t, []string{"discount", "strict", "tags"}, e.Keys())
}

func TestRegisterRejectsBadRuleSets(t *testing.T) {
	e := NewEngine(nil)

	assert.Error(t, e.Register(RuleSet{}))
	assert.Error(t, e.Register(RuleSet{Key: "x", HitPolicy: "ANY"}))
	assert.Error(t, e.Register(RuleSet{Key: "x", Rules: []Rule{{Id: "empty"}}}))
}
