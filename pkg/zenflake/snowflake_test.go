package zenflake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeMask(t *testing.T) {
	gen, err := NewGenerator(4)
	require.NoError(t, err)

	id := gen.Generate()

	assert.Equal(t, int64(4), GetNodeId(id))
}

func TestGenerateIsIncreasing(t *testing.T) {
	gen, err := NewGeneratorForNode("node-a")
	require.NoError(t, err)

	prev := gen.Generate()
	for range 1000 {
		next := gen.Generate()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNodeNumberFitsNodeBits(t *testing.T) {
	for _, name := range []string{"", "a", "node-1", "some-very-long-node-name"} {
		n := NodeNumber(name)
		assert.GreaterOrEqual(t, n, int64(0))
		assert.LessOrEqual(t, n, nodeMax)
	}
	assert.Equal(t, NodeNumber("node-1"), NodeNumber("node-1"))
}
