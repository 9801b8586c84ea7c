package runtime

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildScopeShadowsWithoutMutatingParent(t *testing.T) {
	// given
	parent := NewVariableScope(nil, map[string]any{"x": int64(0), "y": "parent"})
	child := NewVariableScope(parent, nil)

	// when
	require.NoError(t, child.Set("x", 1))

	// then
	v, _ := child.Get("x")
	assert.Equal(t, int64(1), v)
	v, _ = parent.Get("x")
	assert.Equal(t, int64(0), v)
	v, ok := child.Get("y")
	assert.True(t, ok)
	assert.Equal(t, "parent", v)
}

func TestChildSetOfUnknownKeyStaysInvisibleToParent(t *testing.T) {
	parent := NewVariableScope(nil, nil)
	child := NewVariableScope(parent, nil)

	require.NoError(t, child.Set("x", 1))

	_, ok := parent.Get("x")
	assert.False(t, ok)
}

func TestMergeCopiesOnlyDeclaredOutputs(t *testing.T) {
	// given
	parent := NewVariableScope(nil, map[string]any{"x": "original"})
	child := NewVariableScope(parent, nil)
	require.NoError(t, child.Set("x", 1))
	require.NoError(t, child.Set("result", "ok"))

	// when
	parent.Merge(child, []string{"result", "missing"})

	// then
	assert.Equal(t, map[string]any{"x": "original", "result": "ok"}, parent.Local())

	// when x is declared too
	parent.Merge(child, []string{"x"})

	// then
	v, _ := parent.Get("x")
	assert.Equal(t, int64(1), v)
}

func TestSetPropagateWritesRoot(t *testing.T) {
	root := NewVariableScope(nil, nil)
	mid := NewVariableScope(root, nil)
	leaf := NewVariableScope(mid, nil)

	require.NoError(t, leaf.SetPropagate("approved", true))

	assert.Equal(t, map[string]any{"approved": true}, root.Local())
	assert.Empty(t, leaf.Local())
}

func TestSetRejectsNonSerializableValues(t *testing.T) {
	scope := NewVariableScope(nil, map[string]any{"keep": "me"})

	for name, value := range map[string]any{
		"func":    func() {},
		"channel": make(chan int),
		"nan":     math.NaN(),
		"complex": complex(1, 2),
		"nested":  map[string]any{"inner": func() {}},
	} {
		t.Run(name, func(t *testing.T) {
			err := scope.Set("bad", value)
			assert.ErrorIs(t, err, zenerr.ErrInvalidVariableType)
			_, ok := scope.Get("bad")
			assert.False(t, ok)
		})
	}
}

func TestSetAllIsAllOrNothing(t *testing.T) {
	scope := NewVariableScope(nil, nil)

	err := scope.SetAll(map[string]any{"a": 1, "b": func() {}})

	assert.ErrorIs(t, err, zenerr.ErrInvalidVariableType)
	assert.Empty(t, scope.Local())
}

func TestNormalizeValueProducesJsonShapes(t *testing.T) {
	type payload struct {
		Amount int      `json:"amount"`
		Tags   []string `json:"tags"`
	}

	v, err := NormalizeValue(payload{Amount: 3, Tags: []string{"a"}})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": int64(3), "tags": []any{"a"}}, v)
}

func TestVariablesDecodeKeepsIntegers(t *testing.T) {
	var vars Variables

	err := json.Unmarshal([]byte(`{"n":5,"f":1.5,"list":[1,2],"m":{"k":7}}`), &vars)

	require.NoError(t, err)
	assert.Equal(t, int64(5), vars["n"])
	assert.Equal(t, 1.5, vars["f"])
	assert.Equal(t, []any{int64(1), int64(2)}, vars["list"])
	assert.Equal(t, map[string]any{"k": int64(7)}, vars["m"])
}

func TestAllFlattensWithInnerScopeWinning(t *testing.T) {
	root := NewVariableScope(nil, map[string]any{"a": int64(1), "b": int64(1)})
	child := NewVariableScope(root, map[string]any{"b": int64(2)})

	assert.Equal(t, map[string]any{"a": int64(1), "b": int64(2)}, child.All())
}
