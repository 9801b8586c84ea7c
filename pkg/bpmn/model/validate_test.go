package model

import (
	"testing"

	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/stretchr/testify/assert"
)

func linearProcess() *Process {
	return &Process{
		Key: "approval",
		Nodes: []Node{
			{Id: "start", Type: NodeTypeStartEvent},
			{Id: "approve", Type: NodeTypeUserTask},
			{Id: "end", Type: NodeTypeEndEvent},
		},
		Flows: []Flow{
			{Id: "f1", Source: "start", Target: "approve"},
			{Id: "f2", Source: "approve", Target: "end"},
		},
	}
}

func issueFor(result ValidationResult, nodeId string) []Issue {
	var found []Issue
	for _, i := range result.Issues {
		if i.NodeId == nodeId {
			found = append(found, i)
		}
	}
	return found
}

func TestValidateAcceptsLinearProcess(t *testing.T) {
	// when
	result := Validate(linearProcess())

	// then
	assert.True(t, result.Valid())
	assert.Empty(t, result.Issues)
}

func TestValidateNeverFailsOnNilModel(t *testing.T) {
	result := Validate(nil)

	assert.False(t, result.Valid())
	assert.Len(t, result.Issues, 1)
}

func TestValidateReportsDanglingFlow(t *testing.T) {
	// given
	p := linearProcess()
	p.Flows = append(p.Flows, Flow{Id: "f3", Source: "approve", Target: "missing"})

	// when
	result := Validate(p)

	// then
	assert.False(t, result.Valid())
	assert.NotEmpty(t, issueFor(result, "missing"))
}

func TestValidateReportsUnreachableNode(t *testing.T) {
	// given
	p := linearProcess()
	p.Nodes = append(p.Nodes, Node{Id: "orphan", Type: NodeTypeServiceTask, TaskType: "x"})
	p.Flows = append(p.Flows, Flow{Id: "f3", Source: "orphan", Target: "end"})

	// when
	result := Validate(p)

	// then
	issues := issueFor(result, "orphan")
	assert.Len(t, issues, 1)
	assert.Equal(t, zenerr.SeverityError, issues[0].Severity)
	assert.Contains(t, issues[0].Message, "not reachable")
}

func TestValidateReportsDeadEnd(t *testing.T) {
	// given
	p := &Process{
		Key: "dead-end",
		Nodes: []Node{
			{Id: "start", Type: NodeTypeStartEvent},
			{Id: "gw", Type: NodeTypeExclusiveGateway, DefaultFlow: "f3"},
			{Id: "loop", Type: NodeTypeServiceTask, TaskType: "x"},
			{Id: "end", Type: NodeTypeEndEvent},
		},
		Flows: []Flow{
			{Id: "f1", Source: "start", Target: "gw"},
			{Id: "f2", Source: "gw", Target: "end", Condition: "= done"},
			{Id: "f3", Source: "gw", Target: "loop"},
			{Id: "f4", Source: "loop", Target: "gw"},
		},
	}

	// when
	result := Validate(p)

	// then loops back to a gateway that can finish are fine
	assert.True(t, result.Valid(), "%v", result.Issues)
}

func TestValidateReportsMissingEndPath(t *testing.T) {
	// given
	p := &Process{
		Key: "no-end",
		Nodes: []Node{
			{Id: "start", Type: NodeTypeStartEvent},
			{Id: "a", Type: NodeTypeServiceTask, TaskType: "x"},
			{Id: "b", Type: NodeTypeServiceTask, TaskType: "x"},
			{Id: "end", Type: NodeTypeEndEvent},
		},
		Flows: []Flow{
			{Id: "f1", Source: "start", Target: "a"},
			{Id: "f2", Source: "a", Target: "b"},
			{Id: "f3", Source: "b", Target: "a"},
		},
	}

	// when
	result := Validate(p)

	// then
	assert.False(t, result.Valid())
	assert.NotEmpty(t, issueFor(result, "a"))
	assert.NotEmpty(t, issueFor(result, "end"))
}

func TestValidateWarnsOnUnbalancedParallelGateways(t *testing.T) {
	// given
	p := &Process{
		Key: "unbalanced",
		Nodes: []Node{
			{Id: "start", Type: NodeTypeStartEvent},
			{Id: "fork", Type: NodeTypeParallelGateway},
			{Id: "a", Type: NodeTypeServiceTask, TaskType: "x"},
			{Id: "b", Type: NodeTypeServiceTask, TaskType: "x"},
			{Id: "end-a", Type: NodeTypeEndEvent},
			{Id: "end-b", Type: NodeTypeEndEvent},
		},
		Flows: []Flow{
			{Id: "f1", Source: "start", Target: "fork"},
			{Id: "f2", Source: "fork", Target: "a"},
			{Id: "f3", Source: "fork", Target: "b"},
			{Id: "f4", Source: "a", Target: "end-a"},
			{Id: "f5", Source: "b", Target: "end-b"},
		},
	}

	// when
	result := Validate(p)

	// then
	assert.True(t, result.Valid())
	assert.Len(t, result.Issues, 1)
	assert.Equal(t, zenerr.SeverityWarning, result.Issues[0].Severity)
}

func TestValidateChecksBoundaryAndEventDefinitions(t *testing.T) {
	// given
	p := linearProcess()
	p.Nodes = append(p.Nodes,
		Node{Id: "timeout", Type: NodeTypeBoundaryEvent, AttachedTo: "start", Event: &EventDefinition{Kind: EventKindTimer, Duration: "soon"}},
	)
	p.Flows = append(p.Flows, Flow{Id: "f3", Source: "timeout", Target: "end"})

	// when
	result := Validate(p)

	// then
	issues := issueFor(result, "timeout")
	assert.Len(t, issues, 2)
}

func TestValidateChecksSubProcessContainer(t *testing.T) {
	// given
	p := linearProcess()
	p.Nodes[1] = Node{
		Id:   "approve",
		Type: NodeTypeSubProcess,
		Nodes: []Node{
			{Id: "inner-start", Type: NodeTypeStartEvent},
			{Id: "inner-task", Type: NodeTypeServiceTask},
		},
		Flows: []Flow{
			{Id: "g1", Source: "inner-start", Target: "inner-task"},
		},
	}

	// when
	result := Validate(p)

	// then
	assert.False(t, result.Valid())
	assert.NotEmpty(t, issueFor(result, "approve"), "sub-process without end event")
	assert.NotEmpty(t, issueFor(result, "inner-task"), "service task without task type")
}

func TestValidateReportsDuplicateIds(t *testing.T) {
	// given
	p := linearProcess()
	p.Nodes = append(p.Nodes, Node{Id: "approve", Type: NodeTypeUserTask})

	// when
	result := Validate(p)

	// then
	assert.False(t, result.Valid())
	assert.NotEmpty(t, issueFor(result, "approve"))
}
