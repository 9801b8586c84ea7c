// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn20

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

// Parse imports the executable process of a BPMN document. Elements outside
// the supported subset fail the import, each reported as an issue on the
// returned error.
func Parse(data []byte) (*model.Process, error) {
	p, issues, err := importDocument(data)
	if err != nil {
		return nil, err
	}
	result := model.ValidationResult{Issues: issues}
	if !result.Valid() {
		return nil, zenerr.ErrValidationFailed.
			Withf("BPMN document uses %d unsupported constructs", len(result.Errors())).
			WithIssues(issues)
	}
	return p, nil
}

// Validate reports the import findings of a BPMN document together with the
// structural checks of the resulting model. It never fails.
func Validate(data []byte) model.ValidationResult {
	p, issues, err := importDocument(data)
	if err != nil {
		return model.ValidationResult{Issues: []model.Issue{{Severity: zenerr.SeverityError, Message: err.Error()}}}
	}
	structural := model.Validate(p)
	return model.ValidationResult{Issues: append(issues, structural.Issues...)}
}

func importDocument(data []byte) (*model.Process, []model.Issue, error) {
	var definitions TDefinitions
	if err := xml.Unmarshal(data, &definitions); err != nil {
		return nil, nil, zenerr.ErrValidationFailed.With("document is not BPMN XML").Wrap(err)
	}
	process, err := definitions.executableProcess()
	if err != nil {
		return nil, nil, err
	}
	imp := &importer{
		messages: make(map[string]TMessage, len(definitions.Messages)),
		signals:  make(map[string]TSignal, len(definitions.Signals)),
	}
	for _, m := range definitions.Messages {
		imp.messages[m.Id] = m
	}
	for _, s := range definitions.Signals {
		imp.signals[s.Id] = s
	}
	p := &model.Process{Key: process.Id, Name: process.Name}
	p.Nodes, p.Flows = imp.container(&process.TFlowElementsContainer)
	return p, imp.issues, nil
}

// executableProcess picks the first process flagged executable, falling back
// to the only process of the document.
func (definitions *TDefinitions) executableProcess() (*TProcess, error) {
	for i := range definitions.Processes {
		if definitions.Processes[i].IsExecutable {
			return &definitions.Processes[i], nil
		}
	}
	if len(definitions.Processes) == 1 {
		return &definitions.Processes[0], nil
	}
	if len(definitions.Processes) == 0 {
		return nil, zenerr.ErrValidationFailed.With("BPMN document contains no process")
	}
	return nil, zenerr.ErrValidationFailed.Withf("BPMN document contains %d processes and none is executable", len(definitions.Processes))
}

type importer struct {
	messages map[string]TMessage
	signals  map[string]TSignal
	issues   []model.Issue
}

func (imp *importer) errorf(nodeId string, format string, a ...any) {
	imp.issues = append(imp.issues, model.Issue{Severity: zenerr.SeverityError, NodeId: nodeId, Message: fmt.Sprintf(format, a...)})
}

func (imp *importer) container(c *TFlowElementsContainer) ([]model.Node, []model.Flow) {
	var nodes []model.Node
	for _, e := range c.StartEvents {
		n := flowNode(e.TFlowNode, model.NodeTypeStartEvent)
		if e.definitionCount() > 0 {
			imp.errorf(n.Id, "start events with triggers are not supported")
		}
		nodes = append(nodes, n)
	}
	for _, e := range c.EndEvents {
		n := flowNode(e.TFlowNode, model.NodeTypeEndEvent)
		if e.definitionCount() > 0 {
			imp.errorf(n.Id, "end events with results are not supported")
		}
		nodes = append(nodes, n)
	}
	for _, e := range c.ServiceTasks {
		n := imp.activity(e.TActivity, model.NodeTypeServiceTask)
		if td := e.TaskDefinition; td != nil {
			n.TaskType = td.TypeName
			n.Async = td.Async
			if n.Retry == nil && td.Retries != "" {
				n.Retry = imp.retries(n.Id, td.Retries)
			}
		}
		nodes = append(nodes, n)
	}
	for _, e := range c.ScriptTasks {
		n := imp.activity(e.TActivity, model.NodeTypeScriptTask)
		switch strings.ToLower(e.ScriptFormat) {
		case "", "javascript", "js", "text/javascript", "application/javascript":
		default:
			imp.errorf(n.Id, "script format %q is not supported", e.ScriptFormat)
		}
		n.Script = strings.TrimSpace(e.Script)
		if e.Result != nil {
			n.ResultVariable = e.Result.Variable
		}
		nodes = append(nodes, n)
	}
	for _, e := range c.BusinessRuleTasks {
		n := imp.activity(e.TActivity, model.NodeTypeBusinessRuleTask)
		if cd := e.CalledDecision; cd != nil {
			n.RuleSetKey = cd.DecisionId
			n.ResultVariable = cd.ResultVariable
		}
		nodes = append(nodes, n)
	}
	for _, e := range c.SendTasks {
		n := imp.activity(e.TActivity, model.NodeTypeDocumentTask)
		if dt := e.DocumentTemplate; dt != nil {
			n.TemplateId = dt.TemplateId
			n.ResultVariable = dt.ResultVariable
		} else {
			imp.errorf(n.Id, "send task without a document template is not supported")
		}
		nodes = append(nodes, n)
	}
	for _, e := range c.UserTasks {
		n := imp.activity(e.TActivity, model.NodeTypeUserTask)
		n.UserTask = userTask(e)
		nodes = append(nodes, n)
	}
	for i := range c.SubProcesses {
		e := &c.SubProcesses[i]
		n := imp.activity(e.TActivity, model.NodeTypeSubProcess)
		if e.TriggeredByEvent {
			imp.errorf(n.Id, "event sub-processes are not supported")
		}
		n.Nodes, n.Flows = imp.container(&e.TFlowElementsContainer)
		for _, o := range e.Output {
			n.Outputs = append(n.Outputs, o.Target)
		}
		nodes = append(nodes, n)
	}
	for _, e := range c.ParallelGateways {
		nodes = append(nodes, flowNode(e.TFlowNode, model.NodeTypeParallelGateway))
	}
	for _, e := range c.ExclusiveGateways {
		n := flowNode(e.TFlowNode, model.NodeTypeExclusiveGateway)
		n.DefaultFlow = e.DefaultFlow
		nodes = append(nodes, n)
	}
	for _, e := range c.IntermediateCatchEvent {
		n := flowNode(e.TFlowNode, model.NodeTypeIntermediateCatchEvent)
		n.Event = imp.eventDefinition(n.Id, e.TEvent)
		nodes = append(nodes, n)
	}
	for _, e := range c.BoundaryEvents {
		n := flowNode(e.TFlowNode, model.NodeTypeBoundaryEvent)
		n.AttachedTo = e.AttachedToRef
		n.CancelActivity = e.IsInterrupting()
		n.Event = imp.eventDefinition(n.Id, e.TEvent)
		nodes = append(nodes, n)
	}
	for _, e := range c.InclusiveGateways {
		imp.errorf(e.Id, "inclusive gateways are not supported")
	}
	for _, e := range c.EventBasedGateways {
		imp.errorf(e.Id, "event based gateways are not supported")
	}
	for _, e := range c.IntermediateThrowEvent {
		imp.errorf(e.Id, "intermediate throw events are not supported")
	}
	for _, e := range c.CallActivities {
		imp.errorf(e.Id, "call activities are not supported")
	}

	flows := make([]model.Flow, 0, len(c.SequenceFlows))
	for _, sf := range c.SequenceFlows {
		flows = append(flows, model.Flow{
			Id:        sf.Id,
			Name:      sf.Name,
			Source:    sf.SourceRef,
			Target:    sf.TargetRef,
			Condition: sf.GetConditionExpression(),
		})
	}
	return nodes, flows
}

func flowNode(e TFlowNode, nodeType model.NodeType) model.Node {
	return model.Node{Id: e.Id, Name: e.Name, Type: nodeType}
}

func (imp *importer) activity(e TActivity, nodeType model.NodeType) model.Node {
	n := flowNode(e.TFlowNode, nodeType)
	if e.Compensation != nil {
		n.Compensable = e.Compensation.Compensable
	}
	if rp := e.RetryPolicy; rp != nil {
		n.Retry = &model.RetryPolicy{
			MaxAttempts:     rp.MaxAttempts,
			InitialInterval: rp.InitialInterval,
			Multiplier:      rp.Multiplier,
			MaxInterval:     rp.MaxInterval,
		}
	}
	return n
}

// retries maps the task definition retry count onto a retry policy with the
// default schedule.
func (imp *importer) retries(nodeId string, value string) *model.RetryPolicy {
	attempts, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		imp.errorf(nodeId, "retries %q is not a number", value)
		return nil
	}
	if attempts <= 1 {
		return nil
	}
	return &model.RetryPolicy{MaxAttempts: attempts}
}

func userTask(e TUserTask) *model.UserTaskDefinition {
	if e.AssignmentDefinition == nil && e.PriorityDefinition == nil && e.TaskSchedule == nil && e.FormDefinition == nil {
		return nil
	}
	def := &model.UserTaskDefinition{}
	if ad := e.AssignmentDefinition; ad != nil {
		def.Assignee = ad.Assignee
		def.CandidateUsers = ad.GetCandidateUsers()
		def.CandidateGroups = ad.GetCandidateGroups()
	}
	if e.PriorityDefinition != nil {
		def.Priority = e.PriorityDefinition.Priority
	}
	if e.TaskSchedule != nil {
		def.DueIn = e.TaskSchedule.DueIn
	}
	if e.FormDefinition != nil {
		def.FormKey = e.FormDefinition.FormKey
	}
	return def
}

func (imp *importer) eventDefinition(nodeId string, e TEvent) *model.EventDefinition {
	if e.definitionCount() > 1 {
		imp.errorf(nodeId, "events with multiple triggers are not supported")
		return nil
	}
	switch {
	case e.MessageEventDefinition != nil:
		msg, ok := imp.messages[e.MessageEventDefinition.MessageRef]
		if !ok {
			imp.errorf(nodeId, "message %q is not declared", e.MessageEventDefinition.MessageRef)
			return nil
		}
		def := &model.EventDefinition{Kind: model.EventKindMessage, Name: msg.Name}
		if msg.Subscription != nil {
			def.CorrelationKey = msg.Subscription.CorrelationKey
		}
		return def
	case e.SignalEventDefinition != nil:
		signal, ok := imp.signals[e.SignalEventDefinition.SignalRef]
		if !ok {
			imp.errorf(nodeId, "signal %q is not declared", e.SignalEventDefinition.SignalRef)
			return nil
		}
		return &model.EventDefinition{Kind: model.EventKindSignal, Name: signal.Name}
	case e.TimerEventDefinition != nil:
		timer := e.TimerEventDefinition
		if timer.TimeDuration == nil {
			imp.errorf(nodeId, "only timer durations are supported")
			return nil
		}
		return &model.EventDefinition{Kind: model.EventKindTimer, Duration: strings.TrimSpace(timer.TimeDuration.Text)}
	case e.LinkEventDefinition != nil:
		imp.errorf(nodeId, "link events are not supported")
	}
	return nil
}
