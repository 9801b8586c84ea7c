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

// enterSubProcess parks the sub-process token and starts the nested graph in
// a child scope owned by the token. The token leaves once the child scope
// completes, see checkScope.
func (run *instanceRun) enterSubProcess(a *runtime.ActivityInstance, node *model.Node) {
	start, ok := run.graph().StartEvent(node.Id)
	if !ok {
		run.failToken(a, fmt.Sprintf("sub-process %s has no start event", node.Id))
		return
	}
	a.Wait = &runtime.WaitCondition{Kind: runtime.WaitSubProcess}
	run.touch(a)

	run.scopes[a.Id] = runtime.NewVariableScope(run.scopeOf(a), nil)
	run.scopeParents[a.Id] = a.ScopeId
	run.arm(a)
	run.enqueue(start.Id, a.Id, "")
}
