// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn20

type TEvent struct {
	TFlowNode
	MessageEventDefinition *TMessageEventDefinition `xml:"messageEventDefinition,omitempty"`
	TimerEventDefinition   *TTimerEventDefinition   `xml:"timerEventDefinition,omitempty"`
	SignalEventDefinition  *TSignalEventDefinition  `xml:"signalEventDefinition,omitempty"`
	LinkEventDefinition    *TLinkEventDefinition    `xml:"linkEventDefinition,omitempty"`
}

// definitionCount is used to reject events with several triggers.
func (e TEvent) definitionCount() int {
	count := 0
	if e.MessageEventDefinition != nil {
		count++
	}
	if e.TimerEventDefinition != nil {
		count++
	}
	if e.SignalEventDefinition != nil {
		count++
	}
	if e.LinkEventDefinition != nil {
		count++
	}
	return count
}

type TStartEvent struct {
	TEvent
	IsInterrupting   *bool `xml:"isInterrupting,attr,omitempty"`
	ParallelMultiple bool  `xml:"parallelMultiple,attr,omitempty"`
}

type TEndEvent struct {
	TEvent
}

type TIntermediateCatchEvent struct {
	TEvent
	ParallelMultiple bool `xml:"parallelMultiple,attr,omitempty"`
}

type TIntermediateThrowEvent struct {
	TEvent
}

type TBoundaryEvent struct {
	TEvent
	AttachedToRef string `xml:"attachedToRef,attr"`
	// defaults to true when absent
	CancelActivity *bool `xml:"cancelActivity,attr,omitempty"`
}

func (be TBoundaryEvent) IsInterrupting() bool {
	return be.CancelActivity == nil || *be.CancelActivity
}

type TMessageEventDefinition struct {
	Id         string `xml:"id,attr,omitempty"`
	MessageRef string `xml:"messageRef,attr"`
}

type TTimerEventDefinition struct {
	Id           string       `xml:"id,attr,omitempty"`
	TimeDuration *TExpression `xml:"timeDuration,omitempty"`
	TimeDate     *TExpression `xml:"timeDate,omitempty"`
	TimeCycle    *TExpression `xml:"timeCycle,omitempty"`
}

type TSignalEventDefinition struct {
	Id        string `xml:"id,attr,omitempty"`
	SignalRef string `xml:"signalRef,attr"`
}

type TLinkEventDefinition struct {
	Id   string `xml:"id,attr,omitempty"`
	Name string `xml:"name,attr"`
}

type TSubscription struct {
	CorrelationKey string `xml:"correlationKey,attr"`
}
