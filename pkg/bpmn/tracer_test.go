// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"testing"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracer(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracerprovider := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	defer func() { _ = tracerprovider.Shutdown(t.Context()) }()

	engine := newTestEngine(t, EngineWithTracer(tracerprovider.Tracer("engine")))
	engine.deploy(t, "signal_event.yaml")
	exporter.Reset()

	ctx, parent := tracerprovider.Tracer("test-tracer").Start(t.Context(), "parent-test-span")

	instance, err := engine.StartInstance(ctx, testTenant, "signal-event", 0, nil, "")
	require.NoError(t, err)
	_, err = engine.Signal(ctx, instance.Id, "go", nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)

	parent.End()

	require.NoError(t, tracerprovider.ForceFlush(ctx))
	spans := exporter.GetSpans()
	names := map[string]bool{}
	for _, span := range spans {
		if span.SpanContext.SpanID() == parent.SpanContext().SpanID() {
			continue
		}
		names[span.Name] = true
		assert.Equal(t, parent.SpanContext().TraceID(), span.SpanContext.TraceID())
	}
	assert.True(t, names["instance:start"])
	assert.True(t, names["instance:signal"])
}
