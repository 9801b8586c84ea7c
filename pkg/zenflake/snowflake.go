// Package zenflake generates the int64 keys of activity instances, human
// tasks, incidents and migration records.
package zenflake

import (
	"fmt"
	"hash/fnv"

	"github.com/bwmarrin/snowflake"
)

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	nodeShift       = StepBits
)

func GetNodeMask() int64 {
	return nodeMask
}

// GetNodeId returns the generator node number encoded in id.
func GetNodeId(id int64) int64 {
	return (id & GetNodeMask()) >> int64(nodeShift)
}

// NodeNumber maps a cluster node name onto the node number range.
func NodeNumber(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32()) & nodeMax
}

// Generator hands out keys that increase per node and are unique across
// nodes with distinct node numbers.
type Generator struct {
	node *snowflake.Node
}

func NewGenerator(nodeNumber int64) (*Generator, error) {
	snowflake.NodeBits = NodeBits
	snowflake.StepBits = StepBits
	node, err := snowflake.NewNode(nodeNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeNumber, err)
	}
	return &Generator{node: node}, nil
}

// NewGeneratorForNode is NewGenerator with the number derived from a node name.
func NewGeneratorForNode(name string) (*Generator, error) {
	return NewGenerator(NodeNumber(name))
}

func (g *Generator) Generate() int64 {
	return g.node.Generate().Int64()
}
