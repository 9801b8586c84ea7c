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
	"strings"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/ptr"
)

const targetNamespace = "http://zenworkflow.io/bpmn"

// Serialize renders a model as a BPMN 2.0 document without diagram
// information. Parse(Serialize(p)) yields a model equal to p up to node order.
func Serialize(p *model.Process) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("process model is empty")
	}
	exp := &exporter{
		messageIds: map[string]string{},
		signalIds:  map[string]string{},
	}
	container, err := exp.container(p.Nodes, p.Flows)
	if err != nil {
		return nil, err
	}
	definitions := TDefinitions{
		Xmlns:           NamespaceBPMN,
		Id:              "definitions-" + p.Key,
		TargetNamespace: targetNamespace,
		Exporter:        "zenworkflow",
		Messages:        exp.messages,
		Signals:         exp.signals,
		Processes: []TProcess{{
			TFlowElement:           TFlowElement{TBaseElement: TBaseElement{Id: p.Key}, Name: p.Name},
			TFlowElementsContainer: container,
			IsExecutable:           true,
		}},
	}
	data, err := xml.MarshalIndent(definitions, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal BPMN document: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

type exporter struct {
	messages   []TMessage
	signals    []TSignal
	messageIds map[string]string
	signalIds  map[string]string
}

func (exp *exporter) container(nodes []model.Node, flows []model.Flow) (TFlowElementsContainer, error) {
	incoming := map[string][]string{}
	outgoing := map[string][]string{}
	var c TFlowElementsContainer
	for _, f := range flows {
		outgoing[f.Source] = append(outgoing[f.Source], f.Id)
		incoming[f.Target] = append(incoming[f.Target], f.Id)
		sf := TSequenceFlow{
			TFlowElement: TFlowElement{TBaseElement: TBaseElement{Id: f.Id}, Name: f.Name},
			SourceRef:    f.Source,
			TargetRef:    f.Target,
		}
		if f.Condition != "" {
			sf.ConditionExpression = &TExpression{Text: f.Condition}
		}
		c.SequenceFlows = append(c.SequenceFlows, sf)
	}

	for i := range nodes {
		n := &nodes[i]
		fn := TFlowNode{
			TFlowElement:        TFlowElement{TBaseElement: TBaseElement{Id: n.Id}, Name: n.Name},
			IncomingAssociation: incoming[n.Id],
			OutgoingAssociation: outgoing[n.Id],
		}
		switch n.Type {
		case model.NodeTypeStartEvent:
			c.StartEvents = append(c.StartEvents, TStartEvent{TEvent: TEvent{TFlowNode: fn}})
		case model.NodeTypeEndEvent:
			c.EndEvents = append(c.EndEvents, TEndEvent{TEvent: TEvent{TFlowNode: fn}})
		case model.NodeTypeServiceTask:
			c.ServiceTasks = append(c.ServiceTasks, TServiceTask{
				TActivity:      activity(fn, n),
				TaskDefinition: &TTaskDefinition{TypeName: n.TaskType, Async: n.Async},
			})
		case model.NodeTypeScriptTask:
			task := TScriptTask{TActivity: activity(fn, n), ScriptFormat: "javascript", Script: n.Script}
			if n.ResultVariable != "" {
				task.Result = &TResult{Variable: n.ResultVariable}
			}
			c.ScriptTasks = append(c.ScriptTasks, task)
		case model.NodeTypeBusinessRuleTask:
			c.BusinessRuleTasks = append(c.BusinessRuleTasks, TBusinessRuleTask{
				TActivity:      activity(fn, n),
				CalledDecision: &TCalledDecision{DecisionId: n.RuleSetKey, ResultVariable: n.ResultVariable},
			})
		case model.NodeTypeDocumentTask:
			c.SendTasks = append(c.SendTasks, TSendTask{
				TActivity:        activity(fn, n),
				DocumentTemplate: &TDocumentTemplate{TemplateId: n.TemplateId, ResultVariable: n.ResultVariable},
			})
		case model.NodeTypeUserTask:
			c.UserTasks = append(c.UserTasks, userTaskElement(fn, n))
		case model.NodeTypeSubProcess:
			nested, err := exp.container(n.Nodes, n.Flows)
			if err != nil {
				return c, err
			}
			sp := TSubProcess{TActivity: activity(fn, n), TFlowElementsContainer: nested}
			for _, o := range n.Outputs {
				sp.Output = append(sp.Output, TIoMapping{Source: o, Target: o})
			}
			c.SubProcesses = append(c.SubProcesses, sp)
		case model.NodeTypeParallelGateway:
			c.ParallelGateways = append(c.ParallelGateways, TParallelGateway{TGateway: TGateway{TFlowNode: fn}})
		case model.NodeTypeExclusiveGateway:
			c.ExclusiveGateways = append(c.ExclusiveGateways, TExclusiveGateway{
				TGateway:              TGateway{TFlowNode: fn},
				TDefaultFlowExtension: TDefaultFlowExtension{DefaultFlow: n.DefaultFlow},
			})
		case model.NodeTypeIntermediateCatchEvent:
			c.IntermediateCatchEvent = append(c.IntermediateCatchEvent, TIntermediateCatchEvent{TEvent: exp.event(fn, n)})
		case model.NodeTypeBoundaryEvent:
			c.BoundaryEvents = append(c.BoundaryEvents, TBoundaryEvent{
				TEvent:         exp.event(fn, n),
				AttachedToRef:  n.AttachedTo,
				CancelActivity: ptr.To(n.CancelActivity),
			})
		default:
			return c, fmt.Errorf("node %s has unsupported type %q", n.Id, n.Type)
		}
	}
	return c, nil
}

func activity(fn TFlowNode, n *model.Node) TActivity {
	a := TActivity{TFlowNode: fn}
	if n.Compensable {
		a.Compensation = &TCompensation{Compensable: true}
	}
	if r := n.Retry; r != nil {
		a.RetryPolicy = &TRetryPolicy{
			MaxAttempts:     r.MaxAttempts,
			InitialInterval: r.InitialInterval,
			Multiplier:      r.Multiplier,
			MaxInterval:     r.MaxInterval,
		}
	}
	return a
}

func userTaskElement(fn TFlowNode, n *model.Node) TUserTask {
	task := TUserTask{TActivity: activity(fn, n)}
	def := n.UserTask
	if def == nil {
		return task
	}
	if def.Assignee != "" || len(def.CandidateUsers) > 0 || len(def.CandidateGroups) > 0 {
		task.AssignmentDefinition = &TAssignmentDefinition{
			Assignee:        def.Assignee,
			CandidateUsers:  strings.Join(def.CandidateUsers, ","),
			CandidateGroups: strings.Join(def.CandidateGroups, ","),
		}
	}
	if def.Priority != 0 {
		task.PriorityDefinition = &TPriorityDefinition{Priority: def.Priority}
	}
	if def.DueIn != "" {
		task.TaskSchedule = &TTaskSchedule{DueIn: def.DueIn}
	}
	if def.FormKey != "" {
		task.FormDefinition = &TFormDefinition{FormKey: def.FormKey}
	}
	return task
}

// event declares the message or signal referenced by the node once per
// document.
func (exp *exporter) event(fn TFlowNode, n *model.Node) TEvent {
	e := TEvent{TFlowNode: fn}
	if n.Event == nil {
		return e
	}
	switch n.Event.Kind {
	case model.EventKindMessage:
		key := n.Event.Name + "\x00" + n.Event.CorrelationKey
		id, ok := exp.messageIds[key]
		if !ok {
			id = fmt.Sprintf("message-%d", len(exp.messages)+1)
			msg := TMessage{Id: id, Name: n.Event.Name}
			if n.Event.CorrelationKey != "" {
				msg.Subscription = &TSubscription{CorrelationKey: n.Event.CorrelationKey}
			}
			exp.messages = append(exp.messages, msg)
			exp.messageIds[key] = id
		}
		e.MessageEventDefinition = &TMessageEventDefinition{MessageRef: id}
	case model.EventKindSignal:
		id, ok := exp.signalIds[n.Event.Name]
		if !ok {
			id = fmt.Sprintf("signal-%d", len(exp.signals)+1)
			exp.signals = append(exp.signals, TSignal{Id: id, Name: n.Event.Name})
			exp.signalIds[n.Event.Name] = id
		}
		e.SignalEventDefinition = &TSignalEventDefinition{SignalRef: id}
	case model.EventKindTimer:
		e.TimerEventDefinition = &TTimerEventDefinition{TimeDuration: &TExpression{Text: n.Event.Duration}}
	}
	return e
}
