// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package bpmn20 maps the supported subset of BPMN 2.0 XML onto the
// executable process model. Extension elements are matched by local name, so
// files produced by Zeebe based modelers import without changes.
package bpmn20

import (
	"encoding/xml"
	"strings"
)

const NamespaceBPMN = "http://www.omg.org/spec/BPMN/20100524/MODEL"

type TDefinitions struct {
	XMLName            xml.Name   `xml:"definitions"`
	Xmlns              string     `xml:"xmlns,attr,omitempty"`
	Id                 string     `xml:"id,attr"`
	Name               string     `xml:"name,attr,omitempty"`
	TargetNamespace    string     `xml:"targetNamespace,attr"`
	ExpressionLanguage string     `xml:"expressionLanguage,attr,omitempty"`
	TypeLanguage       string     `xml:"typeLanguage,attr,omitempty"`
	Exporter           string     `xml:"exporter,attr,omitempty"`
	ExporterVersion    string     `xml:"exporterVersion,attr,omitempty"`
	Messages           []TMessage `xml:"message"`
	Signals            []TSignal  `xml:"signal"`
	Processes          []TProcess `xml:"process"`
}

type TBaseElement struct {
	Id            string           `xml:"id,attr"`
	Documentation []TDocumentation `xml:"documentation,omitempty"`
}

type TDocumentation struct {
	Text string `xml:",chardata"`
}

func (b TBaseElement) GetId() string { return b.Id }

type TFlowElement struct {
	TBaseElement
	Name string `xml:"name,attr,omitempty"`
}

func (f TFlowElement) GetName() string { return f.Name }

type TFlowNode struct {
	TFlowElement
	IncomingAssociation []string `xml:"incoming,omitempty"`
	OutgoingAssociation []string `xml:"outgoing,omitempty"`
}

type TSequenceFlow struct {
	TFlowElement
	SourceRef           string       `xml:"sourceRef,attr"`
	TargetRef           string       `xml:"targetRef,attr"`
	ConditionExpression *TExpression `xml:"conditionExpression,omitempty"`
}

// GetConditionExpression returns the trimmed condition, empty when the flow
// is unconditional.
func (sf TSequenceFlow) GetConditionExpression() string {
	if sf.ConditionExpression == nil {
		return ""
	}
	return strings.TrimSpace(sf.ConditionExpression.Text)
}

type TExpression struct {
	Text string `xml:",chardata"`
}

type TMessage struct {
	Id           string         `xml:"id,attr"`
	Name         string         `xml:"name,attr"`
	Subscription *TSubscription `xml:"extensionElements>subscription,omitempty"`
}

type TSignal struct {
	Id   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}
