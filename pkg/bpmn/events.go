// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"fmt"
	"strconv"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
)

func (run *instanceRun) executeCatchEvent(a *runtime.ActivityInstance, node *model.Node) {
	wait, err := run.waitFor(a, node)
	if err != nil {
		run.failToken(a, err.Error())
		return
	}
	a.Wait = wait
	run.touch(a)
}

// waitFor builds the wait condition of a catch or boundary event.
func (run *instanceRun) waitFor(a *runtime.ActivityInstance, node *model.Node) (*runtime.WaitCondition, error) {
	if node.Event == nil {
		return nil, fmt.Errorf("event %s has no event definition", node.Id)
	}
	switch node.Event.Kind {
	case model.EventKindSignal:
		return &runtime.WaitCondition{Kind: runtime.WaitSignal, Name: node.Event.Name}, nil
	case model.EventKindTimer:
		due, err := addISODuration(node.Event.Duration, run.engine.now())
		if err != nil {
			return nil, fmt.Errorf("invalid timer duration of %s: %w", node.Id, err)
		}
		return &runtime.WaitCondition{Kind: runtime.WaitTimer, DueAt: &due}, nil
	case model.EventKindMessage:
		key, err := run.correlationKey(a, node.Event.CorrelationKey)
		if err != nil {
			return nil, err
		}
		return &runtime.WaitCondition{Kind: runtime.WaitMessage, Name: node.Event.Name, CorrelationKey: key}, nil
	default:
		panic(fmt.Sprintf("[invariant check] unsupported event kind %s of node %s", node.Event.Kind, node.Id))
	}
}

func (run *instanceRun) correlationKey(a *runtime.ActivityInstance, expression string) (string, error) {
	if expression == "" {
		return "", nil
	}
	value, err := run.engine.feel.Evaluate(expression, run.scopeOf(a).All())
	if err != nil {
		evalErr := &ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate correlation key of %s: %s", a.NodeId, expression),
			Err: err,
		}
		return "", evalErr
	}
	return correlationString(value), nil
}

func correlationString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// arm creates boundary tokens for the activity when it starts waiting.
// Boundaries that are already armed are kept.
func (run *instanceRun) arm(a *runtime.ActivityInstance) {
	for _, boundary := range run.graph().Boundaries(a.NodeId) {
		armed := run.activeTokens(func(t *runtime.ActivityInstance) bool {
			return t.AttachedToId == a.Id && t.NodeId == boundary.Id
		})
		if len(armed) > 0 {
			continue
		}
		run.armBoundary(a, boundary)
		if run.halted {
			return
		}
	}
}

func (run *instanceRun) armBoundary(a *runtime.ActivityInstance, boundary *model.Node) {
	token := run.newActivity(boundary, a.ScopeId, "")
	token.AttachedToId = a.Id
	wait, err := run.waitFor(token, boundary)
	if err != nil {
		run.failToken(token, err.Error())
		return
	}
	token.Wait = wait
}

// disarm withdraws the boundary tokens guarding a.
func (run *instanceRun) disarm(a *runtime.ActivityInstance) {
	armed := run.activeTokens(func(t *runtime.ActivityInstance) bool {
		return t.AttachedToId == a.Id
	})
	now := run.engine.now()
	for _, t := range armed {
		t.State = runtime.ActivityWithdrawn
		t.CompletedAt = &now
		run.touch(t)
	}
}

// fireBoundary resolves an armed boundary token. Interrupting boundaries
// withdraw the guarded activity; the others fork a path and signal or
// message boundaries are armed again.
func (run *instanceRun) fireBoundary(token *runtime.ActivityInstance) error {
	boundary, ok := run.node(token)
	if !ok {
		run.failToken(token, fmt.Sprintf("boundary event %s does not exist in version %d", token.NodeId, run.instance.Version))
		return nil
	}
	attached, ok := run.activities[token.AttachedToId]
	if !ok {
		panic(fmt.Sprintf("[invariant check] boundary token %d guards unknown activity %d", token.Id, token.AttachedToId))
	}

	if boundary.CancelActivity {
		run.leave(token)
		if err := run.withdraw(attached, false); err != nil {
			return err
		}
		run.checkScope(token.ScopeId)
		return nil
	}

	run.leave(token)
	if attached.State == runtime.ActivityActive && boundary.Event != nil && boundary.Event.Kind != model.EventKindTimer {
		run.armBoundary(attached, boundary)
	}
	return nil
}
