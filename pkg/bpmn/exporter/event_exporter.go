// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package exporter

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// Notifier receives engine events after the change they describe was
// persisted. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type Intent string

const (
	DefinitionCreated    Intent = "DEFINITION_CREATED"
	DefinitionPublished  Intent = "DEFINITION_PUBLISHED"
	DefinitionDeprecated Intent = "DEFINITION_DEPRECATED"

	InstanceStarted   Intent = "INSTANCE_STARTED"
	InstanceSuspended Intent = "INSTANCE_SUSPENDED"
	InstanceResumed   Intent = "INSTANCE_RESUMED"
	InstanceCompleted Intent = "INSTANCE_COMPLETED"
	InstanceCancelled Intent = "INSTANCE_CANCELLED"
	InstanceFailed    Intent = "INSTANCE_FAILED"
	InstanceMigrated  Intent = "INSTANCE_MIGRATED"

	ElementActivated Intent = "ELEMENT_ACTIVATED"
	ElementCompleted Intent = "ELEMENT_COMPLETED"
	ElementFailed    Intent = "ELEMENT_FAILED"

	TaskCreated   Intent = "TASK_CREATED"
	TaskUpdated   Intent = "TASK_UPDATED"
	TaskCompleted Intent = "TASK_COMPLETED"

	IncidentCreated  Intent = "INCIDENT_CREATED"
	IncidentResolved Intent = "INCIDENT_RESOLVED"
)

type Event struct {
	Id            string         `json:"id"`
	Intent        Intent         `json:"intent"`
	TenantId      string         `json:"tenantId"`
	DefinitionKey string         `json:"definitionKey,omitempty"`
	Version       int32          `json:"version,omitempty"`
	InstanceId    string         `json:"instanceId,omitempty"`
	NodeId        string         `json:"nodeId,omitempty"`
	NodeType      string         `json:"nodeType,omitempty"`
	ActivityId    int64          `json:"activityId,omitempty"`
	TaskId        int64          `json:"taskId,omitempty"`
	Message       string         `json:"message,omitempty"`
	At            time.Time      `json:"at"`
	Data          map[string]any `json:"data,omitempty"`
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Notify(ctx, event))
	}
	return err
}
