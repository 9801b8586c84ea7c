// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package model is the executable process graph consumed by the engine.
// Models are produced by importers (see model/bpmn20) or authored directly as
// JSON/YAML and are immutable once a version is published.
package model

type NodeType string

// The set of node types is closed. The executor switches over all of them and
// panics on anything else.
const (
	NodeTypeStartEvent             NodeType = "startEvent"
	NodeTypeEndEvent               NodeType = "endEvent"
	NodeTypeServiceTask            NodeType = "serviceTask"
	NodeTypeScriptTask             NodeType = "scriptTask"
	NodeTypeBusinessRuleTask       NodeType = "businessRuleTask"
	NodeTypeDocumentTask           NodeType = "documentTask"
	NodeTypeUserTask               NodeType = "userTask"
	NodeTypeExclusiveGateway       NodeType = "exclusiveGateway"
	NodeTypeParallelGateway        NodeType = "parallelGateway"
	NodeTypeIntermediateCatchEvent NodeType = "intermediateCatchEvent"
	NodeTypeBoundaryEvent          NodeType = "boundaryEvent"
	NodeTypeSubProcess             NodeType = "subProcess"
)

var NodeTypes = []NodeType{
	NodeTypeStartEvent,
	NodeTypeEndEvent,
	NodeTypeServiceTask,
	NodeTypeScriptTask,
	NodeTypeBusinessRuleTask,
	NodeTypeDocumentTask,
	NodeTypeUserTask,
	NodeTypeExclusiveGateway,
	NodeTypeParallelGateway,
	NodeTypeIntermediateCatchEvent,
	NodeTypeBoundaryEvent,
	NodeTypeSubProcess,
}

// IsActivity reports whether boundary events may be attached to the node type.
func (t NodeType) IsActivity() bool {
	switch t {
	case NodeTypeServiceTask, NodeTypeScriptTask, NodeTypeBusinessRuleTask,
		NodeTypeDocumentTask, NodeTypeUserTask, NodeTypeSubProcess:
		return true
	}
	return false
}

func (t NodeType) IsTask() bool {
	return t.IsActivity() && t != NodeTypeSubProcess
}

type EventKind string

const (
	EventKindSignal  EventKind = "signal"
	EventKindTimer   EventKind = "timer"
	EventKindMessage EventKind = "message"
)

// Process is the root container of a model.
type Process struct {
	Key   string `json:"key" yaml:"key"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Flows []Flow `json:"flows" yaml:"flows"`
}

type Node struct {
	Id   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type NodeType `json:"type" yaml:"type"`

	// service task handler type
	TaskType string `json:"taskType,omitempty" yaml:"taskType,omitempty"`
	// Async service tasks are always handed out as jobs
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`
	// script task source (JavaScript)
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
	// business rule task rule set
	RuleSetKey string `json:"ruleSetKey,omitempty" yaml:"ruleSetKey,omitempty"`
	// document task template
	TemplateId string `json:"templateId,omitempty" yaml:"templateId,omitempty"`
	// variable receiving a script result or generated document
	ResultVariable string `json:"resultVariable,omitempty" yaml:"resultVariable,omitempty"`

	Retry       *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	Compensable bool         `json:"compensable,omitempty" yaml:"compensable,omitempty"`

	UserTask *UserTaskDefinition `json:"userTask,omitempty" yaml:"userTask,omitempty"`

	DefaultFlow string `json:"defaultFlow,omitempty" yaml:"defaultFlow,omitempty"`

	Event          *EventDefinition `json:"event,omitempty" yaml:"event,omitempty"`
	AttachedTo     string           `json:"attachedTo,omitempty" yaml:"attachedTo,omitempty"`
	CancelActivity bool             `json:"cancelActivity,omitempty" yaml:"cancelActivity,omitempty"`

	// embedded sub-process graph
	Nodes   []Node   `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Flows   []Flow   `json:"flows,omitempty" yaml:"flows,omitempty"`
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

type Flow struct {
	Id        string `json:"id" yaml:"id"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// RetryPolicy declares that handler failures of a task are retried with
// exponential backoff. Durations are ISO 8601 (PT5S).
type RetryPolicy struct {
	MaxAttempts     int     `json:"maxAttempts" yaml:"maxAttempts"`
	InitialInterval string  `json:"initialInterval,omitempty" yaml:"initialInterval,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	MaxInterval     string  `json:"maxInterval,omitempty" yaml:"maxInterval,omitempty"`
}

type UserTaskDefinition struct {
	Assignee        string   `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	CandidateUsers  []string `json:"candidateUsers,omitempty" yaml:"candidateUsers,omitempty"`
	CandidateGroups []string `json:"candidateGroups,omitempty" yaml:"candidateGroups,omitempty"`
	Priority        int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	// ISO 8601 duration added to the creation time
	DueIn   string `json:"dueIn,omitempty" yaml:"dueIn,omitempty"`
	FormKey string `json:"formKey,omitempty" yaml:"formKey,omitempty"`
}

type EventDefinition struct {
	Kind EventKind `json:"kind" yaml:"kind"`
	// signal or message name
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// ISO 8601 duration for timers
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	// FEEL expression evaluated when the subscription is opened
	CorrelationKey string `json:"correlationKey,omitempty" yaml:"correlationKey,omitempty"`
}
