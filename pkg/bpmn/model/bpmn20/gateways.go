// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn20

type GatewayDirection string

const (
	Unspecified GatewayDirection = "Unspecified"
	Converging  GatewayDirection = "Converging"
	Diverging   GatewayDirection = "Diverging"
	Mixed       GatewayDirection = "Mixed"
)

type TGateway struct {
	TFlowNode
	GatewayDirection GatewayDirection `xml:"gatewayDirection,attr,omitempty"`
}

type TDefaultFlowExtension struct {
	DefaultFlow string `xml:"default,attr,omitempty"`
}

type TParallelGateway struct {
	TGateway
}

type TExclusiveGateway struct {
	TGateway
	TDefaultFlowExtension
}

// TInclusiveGateway and TEventBasedGateway are parsed so that imports can
// report them instead of silently dropping them.
type TInclusiveGateway struct {
	TGateway
	TDefaultFlowExtension
}

type TEventBasedGateway struct {
	TGateway
	Instantiate bool `xml:"instantiate,attr,omitempty"`
}
