// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"slices"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
)

type taskMatcher func(node *model.Node) bool

type taskHandlerType string

const (
	taskHandlerForId   = "TASK_HANDLER_ID"
	taskHandlerForType = "TASK_HANDLER_TYPE"
)

type taskHandler struct {
	handlerType taskHandlerType
	matches     taskMatcher
	handler     func(job ActivatedJob)
}

type newTaskHandlerCommand struct {
	handlerType taskHandlerType
	matcher     taskMatcher
	append      func(handler *taskHandler)
}

type NewTaskHandlerCommand2 interface {
	// Handler is the actual handler to be executed
	Handler(func(job ActivatedJob)) *taskHandler
}

type NewTaskHandlerCommand1 interface {
	// Id defines a handler for a given node ID.
	// This is 1:1 relation between a handler and a task definition (since IDs are supposed to be unique).
	Id(id string) NewTaskHandlerCommand2

	// Type defines a handler for service tasks with a given task type.
	// This allows a single handler to be used for multiple task definitions.
	Type(taskType string) NewTaskHandlerCommand2
}

// NewTaskHandler registers a handler function to be called for service tasks.
// Handlers run synchronously while the instance is locked.
func (engine *Engine) NewTaskHandler() NewTaskHandlerCommand1 {
	cmd := newTaskHandlerCommand{
		append: func(handler *taskHandler) {
			engine.taskhandlersMu.Lock()
			defer engine.taskhandlersMu.Unlock()
			engine.taskHandlers = append(engine.taskHandlers, handler)
		},
	}
	return cmd
}

// Id implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Id(id string) NewTaskHandlerCommand2 {
	thc.matcher = func(node *model.Node) bool {
		return node.Id == id
	}
	thc.handlerType = taskHandlerForId
	return thc
}

// Type implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Type(taskType string) NewTaskHandlerCommand2 {
	thc.matcher = func(node *model.Node) bool {
		return node.TaskType == taskType
	}
	thc.handlerType = taskHandlerForType
	return thc
}

// Handler implements NewTaskHandlerCommand2
func (thc newTaskHandlerCommand) Handler(f func(job ActivatedJob)) *taskHandler {
	th := taskHandler{
		handlerType: thc.handlerType,
		matches:     thc.matcher,
		handler:     f,
	}
	thc.append(&th)
	return &th
}

// RemoveHandler removes the handler created by Handler method
func (engine *Engine) RemoveHandler(handler *taskHandler) {
	engine.taskhandlersMu.Lock()
	defer engine.taskhandlersMu.Unlock()
	for i, hand := range engine.taskHandlers {
		if hand == handler {
			engine.taskHandlers = slices.Delete(engine.taskHandlers, i, i+1)
			return
		}
	}
}

// findTaskHandler prefers handlers registered for the node id over handlers
// registered for its task type.
func (engine *Engine) findTaskHandler(node *model.Node) *taskHandler {
	engine.taskhandlersMu.RLock()
	defer engine.taskhandlersMu.RUnlock()
	var byType *taskHandler
	for _, handler := range engine.taskHandlers {
		if !handler.matches(node) {
			continue
		}
		if handler.handlerType == taskHandlerForId {
			return handler
		}
		if byType == nil {
			byType = handler
		}
	}
	return byType
}
