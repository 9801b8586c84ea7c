// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
)

// executeExclusiveGateway takes the first outgoing flow whose guard holds, in
// declaration order. Flows without a condition always hold. The default flow
// is only taken when nothing else matched.
func (run *instanceRun) executeExclusiveGateway(a *runtime.ActivityInstance, node *model.Node) {
	variables := run.scopeOf(a).All()
	var defaultFlow *model.Flow
	for _, f := range run.graph().Outgoing(node.Id) {
		if f.Id == node.DefaultFlow {
			defaultFlow = f
			continue
		}
		if f.Condition == "" {
			run.takeFlows(a, []*model.Flow{f})
			return
		}
		ok, err := run.engine.feel.UnaryTest(f.Condition, variables)
		if err != nil {
			evalErr := &ExpressionEvaluationError{
				Msg: fmt.Sprintf("failed to evaluate condition of flow %s: %s", f.Id, f.Condition),
				Err: err,
			}
			run.failToken(a, evalErr.Error())
			return
		}
		if ok {
			run.takeFlows(a, []*model.Flow{f})
			return
		}
	}
	if defaultFlow != nil {
		run.takeFlows(a, []*model.Flow{defaultFlow})
		return
	}
	run.failToken(a, fmt.Sprintf("no outgoing flow of exclusive gateway %s matched", node.Id))
}

// executeParallelGateway joins when the gateway has more than one incoming
// flow and forks over every outgoing flow. The join fires once a token waits
// on each distinct incoming flow and consumes the oldest token per flow.
func (run *instanceRun) executeParallelGateway(a *runtime.ActivityInstance, node *model.Node) {
	incoming := run.graph().Incoming(node.Id)
	if len(incoming) <= 1 {
		run.leave(a)
		return
	}

	a.Wait = &runtime.WaitCondition{Kind: runtime.WaitJoin}
	run.touch(a)

	arrived := map[string]*runtime.ActivityInstance{}
	waiting := run.activeTokens(func(t *runtime.ActivityInstance) bool {
		return t.NodeId == node.Id && t.ScopeId == a.ScopeId && t.IsWaiting(runtime.WaitJoin)
	})
	for _, t := range waiting {
		if _, ok := arrived[t.IncomingFlowId]; !ok {
			arrived[t.IncomingFlowId] = t
		}
	}
	for _, f := range incoming {
		if _, ok := arrived[f.Id]; !ok {
			return
		}
	}

	var last *runtime.ActivityInstance
	for _, f := range incoming {
		t := arrived[f.Id]
		if last == nil || t.Id > last.Id {
			last = t
		}
	}
	for _, f := range incoming {
		if t := arrived[f.Id]; t != last {
			run.retire(t, runtime.ActivityCompleted)
		}
	}
	run.leave(last)
}
