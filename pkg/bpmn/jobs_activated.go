package bpmn

import (
	"context"
	"time"
)

// ActivatedJob is a struct to provide information for registered task handler
type activatedJob struct {
	ctx             context.Context
	key             int64
	instanceId      string
	definitionKey   string
	version         int32
	elementId       string
	taskType        string
	attempt         int
	createdAt       time.Time
	localVariables  map[string]any
	outputVariables map[string]any
	completed       bool
	failed          bool
	failReason      string
}

// ActivatedJob represents an abstraction for the activated job
// don't forget to call Fail or Complete when your task worker job is complete or not.
// A handler that calls neither leaves the job open for CompleteJob or FailJob.
type ActivatedJob interface {
	// Key the key, a unique identifier for the job. It is the id of the activity instance.
	Key() int64

	// InstanceId the job's process instance id
	InstanceId() string

	// DefinitionKey Retrieve key of the job process definition
	DefinitionKey() string

	// DefinitionVersion Retrieve version of the job process definition
	DefinitionVersion() int32

	// ElementId Get element id of the job
	ElementId() string

	TaskType() string

	// Attempt is 1 for the first invocation and grows with every retry
	Attempt() int

	// Variable from the process instance's variable context
	Variable(key string) any

	// SetOutputVariable stores value in the scope of the task once the job completes
	SetOutputVariable(key string, value any)

	GetLocalVariables() map[string]any

	GetOutputVariables() map[string]any

	// CreatedAt when the job was created
	CreatedAt() time.Time

	// Context is cancelled when the operation invoking the handler is
	Context() context.Context

	// Fail does set the State the worker missed completing the job
	// Fail and Complete mutual exclude each other
	Fail(reason string)

	// Complete does set the State the worker successfully completing the job
	// Fail and Complete mutual exclude each other
	Complete()
}

// CreatedAt implements ActivatedJob
func (aj *activatedJob) CreatedAt() time.Time {
	return aj.createdAt
}

// InstanceId implements ActivatedJob
func (aj *activatedJob) InstanceId() string {
	return aj.instanceId
}

// ElementId implements ActivatedJob
func (aj *activatedJob) ElementId() string {
	return aj.elementId
}

// TaskType implements ActivatedJob
func (aj *activatedJob) TaskType() string {
	return aj.taskType
}

// Attempt implements ActivatedJob
func (aj *activatedJob) Attempt() int {
	return aj.attempt
}

// Key implements ActivatedJob
func (aj *activatedJob) Key() int64 {
	return aj.key
}

// DefinitionKey implements ActivatedJob
func (aj *activatedJob) DefinitionKey() string {
	return aj.definitionKey
}

// DefinitionVersion implements ActivatedJob
func (aj *activatedJob) DefinitionVersion() int32 {
	return aj.version
}

// Variable implements ActivatedJob
func (aj *activatedJob) Variable(key string) any {
	return aj.localVariables[key]
}

// SetOutputVariable implements ActivatedJob
func (aj *activatedJob) SetOutputVariable(key string, value any) {
	aj.outputVariables[key] = value
}

func (aj *activatedJob) GetLocalVariables() map[string]any {
	return aj.localVariables
}

func (aj *activatedJob) GetOutputVariables() map[string]any {
	return aj.outputVariables
}

// Context implements ActivatedJob
func (aj *activatedJob) Context() context.Context {
	return aj.ctx
}

// Fail implements ActivatedJob
func (aj *activatedJob) Fail(reason string) {
	if aj.completed {
		return
	}
	aj.failed = true
	aj.failReason = reason
}

// Complete implements ActivatedJob
func (aj *activatedJob) Complete() {
	if aj.failed {
		return
	}
	aj.completed = true
}
