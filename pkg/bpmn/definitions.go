package bpmn

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CreateDefinition registers a new definition with m as its first Draft version.
func (engine *Engine) CreateDefinition(ctx context.Context, tenantId string, m *model.Process) (version runtime.ProcessVersion, err error) {
	ctx, span := engine.startDefinitionSpan(ctx, "definition:create", tenantId, keyOf(m))
	defer func() { endSpan(span, err) }()

	if !checkTenant(ctx, tenantId) {
		return runtime.ProcessVersion{}, zenerr.ErrInvalidOperation.With(fmt.Sprintf("tenant %s is not accessible", tenantId))
	}
	if m == nil || m.Key == "" {
		return runtime.ProcessVersion{}, zenerr.ErrInvalidOperation.With("process model must have a key")
	}
	now := engine.now()
	definition := runtime.ProcessDefinition{
		TenantId:      tenantId,
		Key:           m.Key,
		Name:          m.Name,
		LatestVersion: 1,
		CreatedAt:     now,
	}
	version = engine.newVersion(tenantId, m)
	version.Version = 1
	err = engine.storage.CreateDefinition(ctx, definition, version)
	if errors.Is(err, storage.ErrConflict) {
		return runtime.ProcessVersion{}, zenerr.ErrInvalidOperation.With(fmt.Sprintf("process definition %s already exists", m.Key), "key", m.Key)
	}
	if err != nil {
		return runtime.ProcessVersion{}, errors.Join(newEngineErrorf("failed to create process definition %s", m.Key), err)
	}
	engine.notifyVersion(ctx, exporter.DefinitionCreated, version)
	return version, nil
}

// CreateVersion stores m as the next Draft version of an existing definition.
func (engine *Engine) CreateVersion(ctx context.Context, tenantId string, key string, m *model.Process) (version runtime.ProcessVersion, err error) {
	ctx, span := engine.startDefinitionSpan(ctx, "definition:create-version", tenantId, key)
	defer func() { endSpan(span, err) }()

	if !checkTenant(ctx, tenantId) {
		return runtime.ProcessVersion{}, definitionNotFound(key)
	}
	if m == nil {
		return runtime.ProcessVersion{}, zenerr.ErrInvalidOperation.With("process model is required")
	}
	if m.Key != key {
		return runtime.ProcessVersion{}, zenerr.ErrInvalidOperation.With(fmt.Sprintf("model key %s does not match definition %s", m.Key, key), "key", key)
	}
	version, err = engine.storage.AppendVersion(ctx, tenantId, key, engine.newVersion(tenantId, m))
	if err != nil {
		return runtime.ProcessVersion{}, storageError(err, zenerr.ErrDefinitionNotFound, "failed to create version of process definition %s", key)
	}
	engine.notifyVersion(ctx, exporter.DefinitionCreated, version)
	return version, nil
}

// Publish makes a Draft version the one new instances start on. The previously
// published version is deprecated in the same storage transaction.
func (engine *Engine) Publish(ctx context.Context, tenantId string, key string, version int32) (err error) {
	ctx, span := engine.startDefinitionSpan(ctx, "definition:publish", tenantId, key)
	defer func() { endSpan(span, err) }()

	if !checkTenant(ctx, tenantId) {
		return definitionNotFound(key)
	}
	pv, err := engine.storage.FindVersion(ctx, tenantId, key, version)
	if err != nil {
		return storageError(err, zenerr.ErrDefinitionNotFound, "failed to find version %d of process definition %s", version, key)
	}
	if pv.Status != runtime.DefinitionDraft {
		return zenerr.ErrInvalidStateTransition.With(fmt.Sprintf("version %d of %s is %s, only drafts can be published", version, key, pv.Status), "key", key)
	}
	result := model.Validate(pv.Model)
	if !result.Valid() {
		return zenerr.ErrValidationFailed.With(fmt.Sprintf("version %d of %s is not valid", version, key), "key", key).WithIssues(result.Issues)
	}
	err = engine.storage.PublishVersion(ctx, tenantId, key, version, engine.now())
	switch {
	case errors.Is(err, storage.ErrInvalidState):
		return zenerr.ErrInvalidStateTransition.With(fmt.Sprintf("version %d of %s is no longer a draft", version, key), "key", key).Wrap(err)
	case err != nil:
		return storageError(err, zenerr.ErrDefinitionNotFound, "failed to publish version %d of process definition %s", version, key)
	}
	pv.Status = runtime.DefinitionPublished
	engine.notifyVersion(ctx, exporter.DefinitionPublished, pv)
	return nil
}

// Deprecate retires a version. Published versions require force.
func (engine *Engine) Deprecate(ctx context.Context, tenantId string, key string, version int32, force bool) (err error) {
	ctx, span := engine.startDefinitionSpan(ctx, "definition:deprecate", tenantId, key)
	defer func() { endSpan(span, err) }()

	if !checkTenant(ctx, tenantId) {
		return definitionNotFound(key)
	}
	pv, err := engine.storage.FindVersion(ctx, tenantId, key, version)
	if err != nil {
		return storageError(err, zenerr.ErrDefinitionNotFound, "failed to find version %d of process definition %s", version, key)
	}
	switch pv.Status {
	case runtime.DefinitionDeprecated:
		return nil
	case runtime.DefinitionPublished:
		if !force {
			return zenerr.ErrInvalidStateTransition.With(fmt.Sprintf("version %d of %s is published, deprecating it requires force", version, key), "key", key)
		}
	}
	err = engine.storage.DeprecateVersion(ctx, tenantId, key, version, force, engine.now())
	switch {
	case errors.Is(err, storage.ErrInvalidState):
		return zenerr.ErrInvalidStateTransition.With(fmt.Sprintf("version %d of %s changed state concurrently", version, key), "key", key).Wrap(err)
	case err != nil:
		return storageError(err, zenerr.ErrDefinitionNotFound, "failed to deprecate version %d of process definition %s", version, key)
	}
	pv.Status = runtime.DefinitionDeprecated
	engine.notifyVersion(ctx, exporter.DefinitionDeprecated, pv)
	return nil
}

// Validate reports the structural issues of a model. It never fails.
func (engine *Engine) Validate(m *model.Process) model.ValidationResult {
	return model.Validate(m)
}

// GetByKey returns the given version of a definition or, when version is 0,
// the published one.
func (engine *Engine) GetByKey(ctx context.Context, tenantId string, key string, version int32) (runtime.ProcessVersion, error) {
	if !checkTenant(ctx, tenantId) {
		return runtime.ProcessVersion{}, definitionNotFound(key)
	}
	if version == 0 {
		definition, err := engine.storage.FindDefinition(ctx, tenantId, key)
		if err != nil {
			return runtime.ProcessVersion{}, storageError(err, zenerr.ErrDefinitionNotFound, "process definition %s not found", key)
		}
		if definition.PublishedVersion == 0 {
			return runtime.ProcessVersion{}, zenerr.ErrDefinitionNotFound.With(fmt.Sprintf("process definition %s has no published version", key), "key", key)
		}
		version = definition.PublishedVersion
	}
	pv, err := engine.storage.FindVersion(ctx, tenantId, key, version)
	if err != nil {
		return runtime.ProcessVersion{}, storageError(err, zenerr.ErrDefinitionNotFound, "version %d of process definition %s not found", version, key)
	}
	return pv, nil
}

func (engine *Engine) GetDefinition(ctx context.Context, tenantId string, key string) (runtime.ProcessDefinition, error) {
	if !checkTenant(ctx, tenantId) {
		return runtime.ProcessDefinition{}, definitionNotFound(key)
	}
	definition, err := engine.storage.FindDefinition(ctx, tenantId, key)
	if err != nil {
		return runtime.ProcessDefinition{}, storageError(err, zenerr.ErrDefinitionNotFound, "process definition %s not found", key)
	}
	return definition, nil
}

// ListDefinitions returns nothing for a tenant the caller is restricted from.
func (engine *Engine) ListDefinitions(ctx context.Context, tenantId string) ([]runtime.ProcessDefinition, error) {
	if !checkTenant(ctx, tenantId) {
		return []runtime.ProcessDefinition{}, nil
	}
	definitions, err := engine.storage.FindDefinitions(ctx, tenantId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to list process definitions of tenant %s", tenantId), err)
	}
	return definitions, nil
}

func (engine *Engine) ListVersions(ctx context.Context, tenantId string, key string) ([]runtime.ProcessVersion, error) {
	if _, err := engine.GetDefinition(ctx, tenantId, key); err != nil {
		return nil, err
	}
	versions, err := engine.storage.FindVersions(ctx, tenantId, key)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to list versions of process definition %s", key), err)
	}
	return versions, nil
}

func definitionNotFound(key string) error {
	return zenerr.ErrDefinitionNotFound.With(fmt.Sprintf("process definition %s not found", key), "key", key)
}

// ClearCache drops every cached process graph.
func (engine *Engine) ClearCache() {
	engine.versions.Purge()
}

// loadGraph returns the executable graph of a version. Models never change
// after creation so cached graphs are never invalidated.
func (engine *Engine) loadGraph(ctx context.Context, tenantId string, key string, version int32) (*compiledVersion, error) {
	cacheKey := versionCacheKey{tenantId: tenantId, key: key, version: version}
	if cv, ok := engine.versions.Get(cacheKey); ok {
		return cv, nil
	}
	pv, err := engine.storage.FindVersion(ctx, tenantId, key, version)
	if err != nil {
		return nil, storageError(err, zenerr.ErrDefinitionNotFound, "version %d of process definition %s not found", version, key)
	}
	if pv.Model == nil {
		panic(fmt.Sprintf("[invariant check] version %d of %s has no model", version, key))
	}
	cv := &compiledVersion{version: pv, graph: model.NewGraph(pv.Model)}
	engine.versions.Add(cacheKey, cv)
	return cv, nil
}

func (engine *Engine) newVersion(tenantId string, m *model.Process) runtime.ProcessVersion {
	stored := model.Clone(m)
	return runtime.ProcessVersion{
		TenantId:  tenantId,
		Key:       m.Key,
		Status:    runtime.DefinitionDraft,
		Model:     stored,
		Checksum:  model.Checksum(stored),
		CreatedAt: engine.now(),
	}
}

func (engine *Engine) notifyVersion(ctx context.Context, intent exporter.Intent, version runtime.ProcessVersion) {
	event := engine.newEvent(intent, version.TenantId)
	event.DefinitionKey = version.Key
	event.Version = version.Version
	engine.notify(ctx, []exporter.Event{event})
}

func (engine *Engine) startDefinitionSpan(ctx context.Context, name string, tenantId string, key string) (context.Context, trace.Span) {
	return engine.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(otelPkg.AttributeTenantId, tenantId),
		attribute.String(otelPkg.AttributeDefinitionKey, key),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func keyOf(m *model.Process) string {
	if m == nil {
		return ""
	}
	return m.Key
}
