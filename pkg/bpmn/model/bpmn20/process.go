// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn20

type TFlowElementsContainer struct {
	StartEvents            []TStartEvent             `xml:"startEvent"`
	EndEvents              []TEndEvent               `xml:"endEvent"`
	ServiceTasks           []TServiceTask            `xml:"serviceTask"`
	ScriptTasks            []TScriptTask             `xml:"scriptTask"`
	BusinessRuleTasks      []TBusinessRuleTask       `xml:"businessRuleTask"`
	SendTasks              []TSendTask               `xml:"sendTask"`
	UserTasks              []TUserTask               `xml:"userTask"`
	SubProcesses           []TSubProcess             `xml:"subProcess"`
	ParallelGateways       []TParallelGateway        `xml:"parallelGateway"`
	ExclusiveGateways      []TExclusiveGateway       `xml:"exclusiveGateway"`
	InclusiveGateways      []TInclusiveGateway       `xml:"inclusiveGateway"`
	EventBasedGateways     []TEventBasedGateway      `xml:"eventBasedGateway"`
	IntermediateCatchEvent []TIntermediateCatchEvent `xml:"intermediateCatchEvent"`
	IntermediateThrowEvent []TIntermediateThrowEvent `xml:"intermediateThrowEvent"`
	BoundaryEvents         []TBoundaryEvent          `xml:"boundaryEvent"`
	CallActivities         []TCallActivity           `xml:"callActivity"`
	SequenceFlows          []TSequenceFlow           `xml:"sequenceFlow"`
}

type TProcess struct {
	TFlowElement
	TFlowElementsContainer
	ProcessType  string `xml:"processType,attr,omitempty"`
	IsClosed     bool   `xml:"isClosed,attr,omitempty"`
	IsExecutable bool   `xml:"isExecutable,attr"`
}

type TCallActivity struct {
	TActivity
	CalledElement string `xml:"calledElement,attr,omitempty"`
}
