// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn20

import "strings"

type TActivity struct {
	TFlowNode
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	Compensation *TCompensation `xml:"extensionElements>compensation,omitempty"`
	RetryPolicy  *TRetryPolicy  `xml:"extensionElements>retryPolicy,omitempty"`
}

type TServiceTask struct {
	TActivity
	Implementation string `xml:"implementation,attr,omitempty"`
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	TaskDefinition *TTaskDefinition `xml:"extensionElements>taskDefinition,omitempty"`
}

type TScriptTask struct {
	TActivity
	ScriptFormat string `xml:"scriptFormat,attr,omitempty"`
	Script       string `xml:"script,omitempty"`
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	Result *TResult `xml:"extensionElements>result,omitempty"`
}

type TBusinessRuleTask struct {
	TActivity
	Implementation string `xml:"implementation,attr,omitempty"`
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	CalledDecision *TCalledDecision `xml:"extensionElements>calledDecision,omitempty"`
}

// TSendTask carries document tasks: the rendered document is "sent" into a
// process variable.
type TSendTask struct {
	TActivity
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	DocumentTemplate *TDocumentTemplate `xml:"extensionElements>documentTemplate,omitempty"`
}

type TUserTask struct {
	TActivity
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	AssignmentDefinition *TAssignmentDefinition `xml:"extensionElements>assignmentDefinition,omitempty"`
	PriorityDefinition   *TPriorityDefinition   `xml:"extensionElements>priorityDefinition,omitempty"`
	TaskSchedule         *TTaskSchedule         `xml:"extensionElements>taskSchedule,omitempty"`
	FormDefinition       *TFormDefinition       `xml:"extensionElements>formDefinition,omitempty"`
}

type TSubProcess struct {
	TActivity
	// BPMN 2.0 Unorthodox elements. Part of the extensions elements
	Output           []TIoMapping `xml:"extensionElements>ioMapping>output,omitempty"`
	TriggeredByEvent bool         `xml:"triggeredByEvent,attr,omitempty"`
	TFlowElementsContainer
}

type TTaskDefinition struct {
	TypeName string `xml:"type,attr"`
	Retries  string `xml:"retries,attr,omitempty"`
	Async    bool   `xml:"async,attr,omitempty"`
}

type TRetryPolicy struct {
	MaxAttempts     int     `xml:"maxAttempts,attr"`
	InitialInterval string  `xml:"initialInterval,attr,omitempty"`
	Multiplier      float64 `xml:"multiplier,attr,omitempty"`
	MaxInterval     string  `xml:"maxInterval,attr,omitempty"`
}

type TCompensation struct {
	Compensable bool `xml:"compensable,attr"`
}

type TResult struct {
	Variable string `xml:"resultVariable,attr"`
}

type TCalledDecision struct {
	DecisionId     string `xml:"decisionId,attr"`
	ResultVariable string `xml:"resultVariable,attr,omitempty"`
}

type TDocumentTemplate struct {
	TemplateId     string `xml:"templateId,attr"`
	ResultVariable string `xml:"resultVariable,attr,omitempty"`
}

type TAssignmentDefinition struct {
	Assignee        string `xml:"assignee,attr,omitempty"`
	CandidateUsers  string `xml:"candidateUsers,attr,omitempty"`
	CandidateGroups string `xml:"candidateGroups,attr,omitempty"`
}

func (ad TAssignmentDefinition) GetCandidateUsers() []string {
	return splitList(ad.CandidateUsers)
}

func (ad TAssignmentDefinition) GetCandidateGroups() []string {
	return splitList(ad.CandidateGroups)
}

type TPriorityDefinition struct {
	Priority int `xml:"priority,attr"`
}

type TTaskSchedule struct {
	DueIn string `xml:"dueIn,attr,omitempty"`
}

type TFormDefinition struct {
	FormKey string `xml:"formKey,attr"`
}

type TIoMapping struct {
	Source string `xml:"source,attr"`
	Target string `xml:"target,attr"`
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	items := strings.Split(s, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
