package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/ptr"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

// FindIncidents returns the incidents of an instance, resolved ones included.
func (engine *Engine) FindIncidents(ctx context.Context, instanceId string) ([]runtime.Incident, error) {
	if _, err := engine.GetInstance(ctx, instanceId); err != nil {
		return nil, err
	}
	incidents, err := engine.storage.FindIncidents(ctx, instanceId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find incidents of process instance %s", instanceId), err)
	}
	return incidents, nil
}

// ResolveIncident retries the activity the incident was raised for.
func (engine *Engine) ResolveIncident(ctx context.Context, key int64) error {
	incident, err := engine.storage.FindIncident(ctx, key)
	if err != nil {
		return storageError(err, zenerr.ErrActivityNotFound, "incident %d not found", key)
	}
	if !checkTenant(ctx, incident.TenantId) {
		return zenerr.ErrActivityNotFound.With(fmt.Sprintf("incident %d not found", key))
	}
	if incident.ResolvedAt != nil {
		return zenerr.ErrInvalidOperation.With(fmt.Sprintf("incident %d is already resolved", key))
	}
	return engine.RetryActivity(ctx, incident.InstanceId, incident.ActivityInstanceId)
}

// resolveIncidents marks the open incidents of a token resolved.
func (run *instanceRun) resolveIncidents(a *runtime.ActivityInstance) error {
	incidents, err := run.engine.storage.FindIncidents(run.ctx, run.instance.Id)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find incidents of process instance %s", run.instance.Id), err)
	}
	for _, incident := range incidents {
		if incident.ActivityInstanceId != a.Id || incident.ResolvedAt != nil {
			continue
		}
		incident.ResolvedAt = ptr.To(run.engine.now())
		run.incidents = append(run.incidents, incident)
		event := run.engine.activityEvent(exporter.IncidentResolved, run.instance, a)
		event.Data = map[string]any{"incidentKey": incident.Key}
		run.events = append(run.events, event)
	}
	return nil
}
