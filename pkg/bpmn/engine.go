// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pbinitiative/zenworkflow/internal/appcontext"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenworkflow/pkg/feel"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/script"
	"github.com/pbinitiative/zenworkflow/pkg/script/js"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/storage/inmemory"
	"github.com/pbinitiative/zenworkflow/pkg/zenflake"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultMaxNodeVisitsPerPass = 100
	DefaultSweepConcurrency     = 8
	DefaultSweepBatchSize       = 500
	DefaultCacheSize            = 256
	DefaultCacheTTL             = 30 * time.Minute
)

// KeyGenerator hands out the int64 keys of activities, tasks, incidents and
// migration records.
type KeyGenerator interface {
	Generate() int64
}

// RulesEngine evaluates a rule set against facts and returns the output
// variables of the matched rules.
type RulesEngine interface {
	Evaluate(ctx context.Context, ruleSetKey string, facts map[string]any) (map[string]any, error)
}

type GeneratedDocument struct {
	Id          string `json:"id"`
	Uri         string `json:"uri"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type DocumentService interface {
	Generate(ctx context.Context, templateId string, variables map[string]any) (GeneratedDocument, error)
}

type Engine struct {
	name          string
	storage       storage.Storage
	locker        InstanceLocker
	clock         func() time.Time
	keys          KeyGenerator
	feel          *feel.Runtime
	scripts       script.Runtime
	rules         RulesEngine
	documents     DocumentService
	notifier      exporter.Notifier
	groups        GroupResolver
	tracer        trace.Tracer
	metrics       *otelPkg.EngineMetrics
	logger        hclog.Logger
	maxNodeVisits int
	sweepLimit    int
	sweepBatch    int
	cacheSize     int
	cacheTTL      time.Duration
	versions      *expirable.LRU[versionCacheKey, *compiledVersion]

	taskhandlersMu sync.RWMutex
	taskHandlers   []*taskHandler
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the workflow engine. Without options
// it runs on in-memory storage with a process local instance locker.
func NewEngine(options ...EngineOption) *Engine {
	engine := Engine{
		clock:         time.Now,
		feel:          feel.NewRuntime(),
		groups:        ContextGroupResolver{},
		tracer:        noop.NewTracerProvider().Tracer("noop"),
		metrics:       otelPkg.NewNoopMetrics(),
		logger:        hclog.Default().Named("engine"),
		maxNodeVisits: DefaultMaxNodeVisitsPerPass,
		sweepLimit:    DefaultSweepConcurrency,
		sweepBatch:    DefaultSweepBatchSize,
		cacheSize:     DefaultCacheSize,
		cacheTTL:      DefaultCacheTTL,
		taskHandlers:  []*taskHandler{},
	}

	for _, option := range options {
		option(&engine)
	}

	if engine.keys == nil {
		gen, err := zenflake.NewGeneratorForNode(engine.name)
		if err != nil {
			panic(fmt.Sprintf("[invariant check] failed to create key generator: %s", err))
		}
		engine.keys = gen
	}
	if engine.name == "" {
		engine.name = fmt.Sprintf("Workflow-Engine-%d", engine.keys.Generate())
	}
	if engine.storage == nil {
		engine.storage = inmemory.NewStorage()
	}
	if engine.locker == nil {
		engine.locker = NewLocalLocker()
	}
	if engine.scripts == nil {
		engine.scripts = js.NewJsRuntime(context.Background(), 8, 1)
	}
	engine.versions = expirable.NewLRU[versionCacheKey, *compiledVersion](engine.cacheSize, nil, engine.cacheTTL)
	return &engine
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.storage = persistence
	}
}

func EngineWithLocker(locker InstanceLocker) EngineOption {
	return func(engine *Engine) {
		engine.locker = locker
	}
}

func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.clock = clock
	}
}

func EngineWithKeyGenerator(keys KeyGenerator) EngineOption {
	return func(engine *Engine) {
		engine.keys = keys
	}
}

func EngineWithScriptRuntime(scripts script.Runtime) EngineOption {
	return func(engine *Engine) {
		engine.scripts = scripts
	}
}

func EngineWithRulesEngine(rules RulesEngine) EngineOption {
	return func(engine *Engine) {
		engine.rules = rules
	}
}

func EngineWithDocumentService(documents DocumentService) EngineOption {
	return func(engine *Engine) {
		engine.documents = documents
	}
}

// EngineWithNotifier registers the receiver of engine events. Events are
// delivered after the change was persisted; wrap slow receivers in an
// exporter.Dispatcher.
func EngineWithNotifier(notifier exporter.Notifier) EngineOption {
	return func(engine *Engine) {
		engine.notifier = notifier
	}
}

func EngineWithGroupResolver(groups GroupResolver) EngineOption {
	return func(engine *Engine) {
		engine.groups = groups
	}
}

func EngineWithTracer(tracer trace.Tracer) EngineOption {
	return func(engine *Engine) {
		engine.tracer = tracer
	}
}

func EngineWithMetrics(metrics *otelPkg.EngineMetrics) EngineOption {
	return func(engine *Engine) {
		engine.metrics = metrics
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// EngineWithMaxNodeVisits bounds how often a single node may be executed
// during one operation before the instance is failed.
func EngineWithMaxNodeVisits(visits int) EngineOption {
	return func(engine *Engine) {
		engine.maxNodeVisits = visits
	}
}

// EngineWithSweep configures how many instances ProcessDueWaits advances in
// parallel and how many due waits it loads per call.
func EngineWithSweep(concurrency int, batchSize int) EngineOption {
	return func(engine *Engine) {
		engine.sweepLimit = concurrency
		engine.sweepBatch = batchSize
	}
}

func EngineWithCache(size int, ttl time.Duration) EngineOption {
	return func(engine *Engine) {
		engine.cacheSize = size
		engine.cacheTTL = ttl
	}
}

func (engine *Engine) Name() string {
	return engine.name
}

func (engine *Engine) Storage() storage.Storage {
	return engine.storage
}

func (engine *Engine) generateKey() int64 {
	return engine.keys.Generate()
}

func (engine *Engine) now() time.Time {
	return engine.clock()
}

// checkTenant hides records of other tenants from callers restricted to a
// tenant.
func checkTenant(ctx context.Context, tenantId string) bool {
	callerTenant, restricted := appcontext.TenantFromContext(ctx)
	return !restricted || callerTenant == tenantId
}

func (engine *Engine) notify(ctx context.Context, events []exporter.Event) {
	if engine.notifier == nil {
		return
	}
	for _, event := range events {
		if err := engine.notifier.Notify(ctx, event); err != nil {
			engine.logger.Warn("failed to deliver engine event", "intent", event.Intent, "instanceId", event.InstanceId, "err", err)
		}
	}
}

func (engine *Engine) newEvent(intent exporter.Intent, tenantId string) exporter.Event {
	return exporter.Event{
		Id:       strconv.FormatInt(engine.generateKey(), 10),
		Intent:   intent,
		TenantId: tenantId,
		At:       engine.now(),
	}
}

func (engine *Engine) instanceEvent(intent exporter.Intent, instance runtime.ProcessInstance) exporter.Event {
	event := engine.newEvent(intent, instance.TenantId)
	event.DefinitionKey = instance.DefinitionKey
	event.Version = instance.Version
	event.InstanceId = instance.Id
	event.Message = instance.StateReason
	return event
}

func (engine *Engine) activityEvent(intent exporter.Intent, instance runtime.ProcessInstance, activity *runtime.ActivityInstance) exporter.Event {
	event := engine.instanceEvent(intent, instance)
	event.NodeId = activity.NodeId
	event.NodeType = string(activity.NodeType)
	event.ActivityId = activity.Id
	event.Message = activity.LastError
	return event
}

// normalizeInput validates caller supplied variables before any lock is taken.
func normalizeInput(vars map[string]any) (map[string]any, error) {
	normalized, err := runtime.NormalizeVariables(vars)
	if err != nil {
		if _, ok := zenerr.As(err); ok {
			return nil, err
		}
		return nil, zenerr.ErrInvalidVariableType.Wrap(err)
	}
	return normalized, nil
}

type versionCacheKey struct {
	tenantId string
	key      string
	version  int32
}

type compiledVersion struct {
	version runtime.ProcessVersion
	graph   *model.Graph
}
