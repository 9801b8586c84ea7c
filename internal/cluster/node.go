package cluster

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
	leasemem "github.com/pbinitiative/zenworkflow/internal/cluster/lease/inmemory"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease/redislease"
	"github.com/pbinitiative/zenworkflow/internal/cluster/store"
	"github.com/pbinitiative/zenworkflow/internal/config"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/exporter"
	"github.com/pbinitiative/zenworkflow/pkg/documents"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/rules"
	"github.com/pbinitiative/zenworkflow/pkg/script/js"
	"github.com/pbinitiative/zenworkflow/pkg/storage"
	"github.com/pbinitiative/zenworkflow/pkg/storage/bolt"
	"github.com/pbinitiative/zenworkflow/pkg/storage/inmemory"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	leaderWaitTimeout = 30 * time.Second
	stopTimeout       = 10 * time.Second
)

// ZenNode is a single member of the workflow cluster. It runs the engine on
// the configured storage and joins the other nodes through a lease store:
//
//	  ┌──────────────┐   ┌──────────────┐   ┌──────────────┐
//	  │ ZenNode 1 (L)│   │ ZenNode 2    │   │ ZenNode 3    │
//	  │ engine       │   │ engine       │   │ engine       │
//	  │ coordinator  │   │ coordinator  │   │ coordinator  │
//	  └──────┬───────┘   └──────┬───────┘   └──────┬───────┘
//	         │   leases: leader, nodes/*, locks/*  │
//	         └─────────────┬────┴──────────────────┘
//	             ┌─────────▼──────────┐
//	             │ lease store        │
//	             │ memory|redis|raft  │
//	             └────────────────────┘
//
// Only the node holding the leader lease sweeps due waits. Every node executes
// operations on any instance as long as it holds the instance lock.
type ZenNode struct {
	conf        config.Config
	logger      hclog.Logger
	leases      lease.Store
	raftStore   *store.Store
	redisStore  *redislease.Store
	boltStore   *bolt.Storage
	coordinator *Coordinator
	engine      *bpmn.Engine
	dispatcher  *exporter.Dispatcher

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

type nodeOptions struct {
	metrics *otelPkg.EngineMetrics
	tracer  trace.Tracer
	storage storage.Storage
	leases  lease.Store
}

type NodeOption func(*nodeOptions)

func NodeWithMetrics(metrics *otelPkg.EngineMetrics) NodeOption {
	return func(o *nodeOptions) {
		o.metrics = metrics
	}
}

func NodeWithTracer(tracer trace.Tracer) NodeOption {
	return func(o *nodeOptions) {
		o.tracer = tracer
	}
}

// NodeWithStorage replaces the configured persistence backend.
func NodeWithStorage(s storage.Storage) NodeOption {
	return func(o *nodeOptions) {
		o.storage = s
	}
}

// NodeWithLeaseStore replaces the configured cluster backend, e.g. to let
// several nodes of one process share an in-memory lease store.
func NodeWithLeaseStore(s lease.Store) NodeOption {
	return func(o *nodeOptions) {
		o.leases = s
	}
}

// StartZenNode Starts a cluster node
func StartZenNode(mainCtx context.Context, conf config.Config, opts ...NodeOption) (_ *ZenNode, retErr error) {
	options := nodeOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.metrics == nil {
		options.metrics = otelPkg.NewNoopMetrics()
	}

	node := &ZenNode{
		conf:   conf,
		logger: hclog.Default().Named(fmt.Sprintf("zen-node-%s", conf.Cluster.NodeId)),
	}
	defer func() {
		if retErr != nil {
			retErr = multierr.Append(retErr, node.closeResources())
		}
	}()

	leases := options.leases
	if leases == nil {
		var err error
		leases, err = node.openLeaseStore(mainCtx)
		if err != nil {
			return nil, err
		}
	}
	node.leases = leases

	persistence := options.storage
	if persistence == nil {
		var err error
		persistence, err = node.openStorage()
		if err != nil {
			return nil, err
		}
	}

	node.coordinator = NewCoordinator(leases, CoordinatorConfigFrom(conf),
		CoordinatorWithLogger(node.logger.Named("coordinator")),
	)

	rulesEngine := rules.NewEngine(nil)
	if conf.Engine.RulesFile != "" {
		data, err := os.ReadFile(conf.Engine.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules file %s: %w", conf.Engine.RulesFile, err)
		}
		if err := rulesEngine.LoadYAML(data); err != nil {
			return nil, fmt.Errorf("failed to load rules file %s: %w", conf.Engine.RulesFile, err)
		}
	}

	engineOpts := []bpmn.EngineOption{
		bpmn.EngineWithName(conf.Cluster.NodeId),
		bpmn.EngineWithStorage(persistence),
		bpmn.EngineWithLocker(node.coordinator),
		bpmn.EngineWithScriptRuntime(js.NewJsRuntime(mainCtx, conf.Engine.ScriptVmPoolMax, conf.Engine.ScriptVmPoolMin)),
		bpmn.EngineWithRulesEngine(rulesEngine),
		bpmn.EngineWithDocumentService(documents.NewService(documents.DefaultCapacity, nil)),
		bpmn.EngineWithMetrics(options.metrics),
		bpmn.EngineWithLogger(node.logger.Named("engine")),
		bpmn.EngineWithMaxNodeVisits(conf.Engine.MaxNodeVisits),
		bpmn.EngineWithSweep(conf.Engine.SweepConcurrency, conf.Engine.SweepBatchSize),
		bpmn.EngineWithCache(conf.Persistence.CacheSize, conf.Persistence.CacheTTL.Duration()),
	}
	if options.tracer != nil {
		engineOpts = append(engineOpts, bpmn.EngineWithTracer(options.tracer))
	}
	if len(conf.Webhooks.Urls) > 0 {
		webhook := exporter.NewWebhookNotifier(conf.Webhooks.Urls, conf.Webhooks.MaxAttempts)
		node.dispatcher = exporter.NewDispatcher(webhook, conf.Webhooks.Buffer, conf.Webhooks.Workers, options.metrics.NotificationsDrops, node.logger)
		engineOpts = append(engineOpts, bpmn.EngineWithNotifier(node.dispatcher))
	}
	node.engine = bpmn.NewEngine(engineOpts...)
	node.coordinator.RegisterDuty("due-waits", node.engine.SweepDueWaits)

	if err := node.coordinator.Heartbeat(mainCtx); err != nil {
		return nil, fmt.Errorf("failed to register node: %w", err)
	}

	runCtx, cancel := context.WithCancel(mainCtx)
	node.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	node.group = g
	g.Go(func() error {
		return node.coordinator.Run(runCtx)
	})
	if node.dispatcher != nil {
		g.Go(func() error {
			return node.dispatcher.Run(runCtx)
		})
	}
	node.logger.Info(fmt.Sprintf("node %s started with %s cluster backend and %s persistence", conf.Cluster.NodeId, conf.Cluster.Backend, conf.Persistence.Backend))
	return node, nil
}

func (node *ZenNode) openLeaseStore(ctx context.Context) (lease.Store, error) {
	switch node.conf.Cluster.Backend {
	case config.ClusterBackendMemory:
		return leasemem.New(), nil
	case config.ClusterBackendRedis:
		s := redislease.New(redislease.Config{
			Addr:     node.conf.Cluster.Redis.Addr,
			Password: node.conf.Cluster.Redis.Password,
			DB:       node.conf.Cluster.Redis.DB,
			Prefix:   node.conf.Cluster.Redis.Prefix,
		})
		node.redisStore = s
		if err := s.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", node.conf.Cluster.Redis.Addr, err)
		}
		return s, nil
	case config.ClusterBackendRaft:
		s := store.New(store.DefaultConfig(node.conf.Cluster), store.WithLogger(node.logger.Named("store")))
		if err := s.Open(); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		node.raftStore = s
		leaderId, err := s.WaitForLeader(leaderWaitTimeout)
		if err != nil {
			return nil, fmt.Errorf("timeout expired before leader information was received: %w", err)
		}
		node.logger.Info(fmt.Sprintf("raft leader is %s", leaderId))
		return s, nil
	}
	return nil, fmt.Errorf("unknown cluster backend %q", node.conf.Cluster.Backend)
}

func (node *ZenNode) openStorage() (storage.Storage, error) {
	switch node.conf.Persistence.Backend {
	case config.PersistenceBackendMemory:
		return inmemory.NewStorage(), nil
	case config.PersistenceBackendBolt:
		s, err := bolt.Open(node.conf.Persistence.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt storage %s: %w", node.conf.Persistence.BoltPath, err)
		}
		node.boltStore = s
		return s, nil
	}
	return nil, fmt.Errorf("unknown persistence backend %q", node.conf.Persistence.Backend)
}

func (node *ZenNode) Engine() *bpmn.Engine {
	return node.engine
}

func (node *ZenNode) Coordinator() *Coordinator {
	return node.coordinator
}

// RaftStore returns the raft lease store, or nil when the node runs another
// cluster backend.
func (node *ZenNode) RaftStore() *store.Store {
	return node.raftStore
}

func (node *ZenNode) Stop() error {
	node.stopOnce.Do(func() {
		var joinErr error
		if node.cancel != nil {
			node.cancel()
		}
		if node.group != nil {
			if err := node.group.Wait(); err != nil {
				joinErr = multierr.Append(joinErr, fmt.Errorf("node loops failed: %w", err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := node.coordinator.Close(ctx); err != nil {
			joinErr = multierr.Append(joinErr, fmt.Errorf("failed to release node leases: %w", err))
		}
		joinErr = multierr.Append(joinErr, node.closeResources())
		node.stopErr = joinErr
	})
	return node.stopErr
}

func (node *ZenNode) closeResources() error {
	var joinErr error
	if node.raftStore != nil {
		if err := node.raftStore.Close(true); err != nil {
			joinErr = multierr.Append(joinErr, fmt.Errorf("failed to close zen node store: %w", err))
		}
	}
	if node.redisStore != nil {
		if err := node.redisStore.Close(); err != nil {
			joinErr = multierr.Append(joinErr, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	if node.boltStore != nil {
		if err := node.boltStore.Close(); err != nil {
			joinErr = multierr.Append(joinErr, fmt.Errorf("failed to close bolt storage: %w", err))
		}
	}
	return joinErr
}
