package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
	"github.com/pbinitiative/zenworkflow/internal/cluster/state"
	"github.com/pbinitiative/zenworkflow/internal/config"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type CoordinatorConfig struct {
	NodeId  string
	ApiAddr string

	HeartbeatInterval time.Duration
	NodeTTL           time.Duration
	LeaderTTL         time.Duration
	// RenewInterval is how often the leader renews and followers contend
	// for leadership. It must be shorter than LeaderTTL.
	RenewInterval    time.Duration
	LockTTL          time.Duration
	EvictionInterval time.Duration
	DutyInterval     time.Duration
}

func CoordinatorConfigFrom(c config.Config) CoordinatorConfig {
	return CoordinatorConfig{
		NodeId:            c.Cluster.NodeId,
		ApiAddr:           c.Cluster.ApiAddr,
		HeartbeatInterval: c.Cluster.HeartbeatInterval.Duration(),
		NodeTTL:           c.Cluster.NodeTTL.Duration(),
		LeaderTTL:         c.Cluster.LeaderTTL.Duration(),
		RenewInterval:     c.Cluster.RenewInterval.Duration(),
		LockTTL:           c.Cluster.LockTTL.Duration(),
		EvictionInterval:  c.Cluster.EvictionInterval.Duration(),
		DutyInterval:      c.Engine.DueWaitPollInterval.Duration(),
	}
}

// Duty is work only the leader performs, such as the due wait sweep.
type Duty func(ctx context.Context) error

type namedDuty struct {
	name string
	fn   Duty
}

// Coordinator keeps this node registered, takes part in leader election,
// evicts the locks of dead nodes and hands out instance locks. All of it is
// expressed as leases in the lease store.
type Coordinator struct {
	cfg    CoordinatorConfig
	store  lease.Store
	logger hclog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	nodeLease   lease.Lease
	leaderLease lease.Lease
	isLeader    bool
	view        state.Cluster
	duties      []namedDuty
}

var _ bpmn.InstanceLocker = &Coordinator{}

type CoordinatorOption func(*Coordinator)

func CoordinatorWithLogger(logger hclog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// CoordinatorWithClock sets the clock stamped on the cached cluster view.
func CoordinatorWithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

func NewCoordinator(store lease.Store, cfg CoordinatorConfig, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		logger: hclog.Default().Named(fmt.Sprintf("coordinator-%s", cfg.NodeId)),
		now:    time.Now,
		view:   state.Cluster{Nodes: map[string]state.Node{}},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) NodeId() string {
	return c.cfg.NodeId
}

// RegisterDuty adds work run on every duty tick while this node leads.
func (c *Coordinator) RegisterDuty(name string, fn Duty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.duties = append(c.duties, namedDuty{name: name, fn: fn})
}

func (c *Coordinator) meta() map[string]string {
	return map[string]string{state.MetaApiAddr: c.cfg.ApiAddr}
}

// Heartbeat registers or renews this node's registration lease.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	l, err := c.store.Acquire(ctx, lease.Grant{
		Key:    lease.NodeKey(c.cfg.NodeId),
		Holder: c.cfg.NodeId,
		Node:   c.cfg.NodeId,
		TTL:    c.cfg.NodeTTL,
		Meta:   c.meta(),
	})
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return fmt.Errorf("node id %s is registered by another holder: %w", c.cfg.NodeId, err)
		}
		return fmt.Errorf("failed to renew node registration: %w", err)
	}
	c.mu.Lock()
	c.nodeLease = l
	c.mu.Unlock()
	return nil
}

// Elect renews leadership when this node leads and contends for it
// otherwise. It reports whether this node leads afterwards.
func (c *Coordinator) Elect(ctx context.Context) (bool, error) {
	c.mu.RLock()
	current, wasLeader := c.leaderLease, c.isLeader
	c.mu.RUnlock()

	if wasLeader {
		renewed, err := c.store.Renew(ctx, lease.LeaderKey, current.Holder, current.Token, c.cfg.LeaderTTL)
		if err == nil {
			c.setLeadership(renewed, true)
			return true, nil
		}
		if !errors.Is(err, lease.ErrNotHeld) {
			// keep leading until the lease is known to be lost
			return true, fmt.Errorf("failed to renew leadership: %w", err)
		}
		c.setLeadership(lease.Lease{}, false)
	}

	l, err := c.store.Acquire(ctx, lease.Grant{
		Key:    lease.LeaderKey,
		Holder: c.cfg.NodeId,
		Node:   c.cfg.NodeId,
		TTL:    c.cfg.LeaderTTL,
		Meta:   c.meta(),
	})
	if errors.Is(err, lease.ErrHeld) {
		c.setLeadership(lease.Lease{}, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire leadership: %w", err)
	}
	c.setLeadership(l, true)
	return true, nil
}

func (c *Coordinator) setLeadership(l lease.Lease, leader bool) {
	c.mu.Lock()
	changed := c.isLeader != leader
	c.leaderLease = l
	c.isLeader = leader
	c.mu.Unlock()
	if !changed {
		return
	}
	if leader {
		c.logger.Info(fmt.Sprintf("this node (ID=%s) is now Leader", c.cfg.NodeId), "token", l.Token)
	} else {
		c.logger.Info(fmt.Sprintf("this node (ID=%s) is no longer Leader", c.cfg.NodeId))
	}
}

func (c *Coordinator) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isLeader
}

// Evict force-releases every lease held by a node whose registration
// expired. Only the leader evicts; it returns the number of released leases.
func (c *Coordinator) Evict(ctx context.Context) (int, error) {
	if !c.IsLeader() {
		return 0, nil
	}
	nodes, err := c.store.List(ctx, lease.NodePrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list node registrations: %w", err)
	}
	live := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if id, ok := lease.NodeIdFromKey(n.Key); ok {
			live[id] = struct{}{}
		}
	}
	locks, err := c.store.List(ctx, lease.LockPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list instance locks: %w", err)
	}
	evicted := 0
	var errs error
	for _, l := range locks {
		if _, ok := live[l.Node]; ok {
			continue
		}
		if err := c.store.ForceRelease(ctx, l.Key); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to evict %s: %w", l.Key, err))
			continue
		}
		evicted++
		c.logger.Warn("evicted lease of dead node", "key", l.Key, "node", l.Node)
	}
	return evicted, errs
}

// RunDuties runs the registered duties once when this node leads. A failing
// duty does not stop the others.
func (c *Coordinator) RunDuties(ctx context.Context) error {
	if !c.IsLeader() {
		return nil
	}
	c.mu.RLock()
	duties := append([]namedDuty(nil), c.duties...)
	c.mu.RUnlock()
	var errs error
	for _, d := range duties {
		if err := d.fn(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("duty %s: %w", d.name, err))
		}
	}
	return errs
}

// Refresh rebuilds the cached cluster view from the lease store.
func (c *Coordinator) Refresh(ctx context.Context) (state.Cluster, error) {
	leader, err := c.store.Get(ctx, lease.LeaderKey)
	if err != nil && !errors.Is(err, lease.ErrNotFound) {
		return state.Cluster{}, fmt.Errorf("failed to read leader lease: %w", err)
	}
	nodes, err := c.store.List(ctx, lease.NodePrefix)
	if err != nil {
		return state.Cluster{}, fmt.Errorf("failed to list node registrations: %w", err)
	}
	locks, err := c.store.List(ctx, lease.LockPrefix)
	if err != nil {
		return state.Cluster{}, fmt.Errorf("failed to list instance locks: %w", err)
	}
	view := state.FromLeases(leader, nodes, locks, c.now())
	c.mu.Lock()
	c.view = view
	c.mu.Unlock()
	return view.DeepCopy(), nil
}

// State returns the cached cluster view of the last Refresh.
func (c *Coordinator) State() state.Cluster {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.DeepCopy()
}

// LockInstance acquires the instance lock lease. It never waits: a lock held
// by anyone else, this node included, fails with zenerr.ErrInstanceBusy.
func (c *Coordinator) LockInstance(ctx context.Context, instanceId string) (bpmn.InstanceLock, error) {
	key := lease.LockKey(instanceId)
	holder := c.cfg.NodeId + "/" + uuid.NewString()
	l, err := c.store.Acquire(ctx, lease.Grant{Key: key, Holder: holder, Node: c.cfg.NodeId, TTL: c.cfg.LockTTL})
	if errors.Is(err, lease.ErrHeld) {
		c.logger.Debug("process instance is locked", "instanceId", instanceId, "holder", l.Holder)
		return nil, zenerr.ErrInstanceBusy.With("process instance is locked by another operation", "instanceId", instanceId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock of process instance %s: %w", instanceId, err)
	}
	return &instanceLock{store: c.store, lease: l, ttl: c.cfg.LockTTL}, nil
}

type instanceLock struct {
	store lease.Store
	ttl   time.Duration

	mu       sync.Mutex
	lease    lease.Lease
	released bool
}

func (l *instanceLock) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return lease.ErrNotHeld
	}
	renewed, err := l.store.Renew(ctx, l.lease.Key, l.lease.Holder, l.lease.Token, l.ttl)
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", l.lease.Key, err)
	}
	l.lease = renewed
	return nil
}

func (l *instanceLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	err := l.store.Release(ctx, l.lease.Key, l.lease.Holder, l.lease.Token)
	if err != nil && !errors.Is(err, lease.ErrNotHeld) {
		return fmt.Errorf("failed to release lock %s: %w", l.lease.Key, err)
	}
	return nil
}

// Run registers the node and drives the heartbeat, election, eviction and
// duty loops until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Heartbeat(ctx); err != nil {
		return err
	}
	if _, err := c.Elect(ctx); err != nil {
		c.logger.Warn("initial election failed", "err", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.loop(ctx, "heartbeat", c.cfg.HeartbeatInterval, c.Heartbeat)
	})
	g.Go(func() error {
		return c.loop(ctx, "election", c.cfg.RenewInterval, func(ctx context.Context) error {
			_, err := c.Elect(ctx)
			return err
		})
	})
	g.Go(func() error {
		return c.loop(ctx, "eviction", c.cfg.EvictionInterval, func(ctx context.Context) error {
			_, err := c.Evict(ctx)
			if err != nil {
				return err
			}
			_, err = c.Refresh(ctx)
			return err
		})
	})
	g.Go(func() error {
		return c.loop(ctx, "duties", c.cfg.DutyInterval, c.RunDuties)
	})
	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context, name string, interval time.Duration, step func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("coordinator %s interval must be positive", name)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := step(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error(fmt.Sprintf("coordinator %s step failed", name), "err", err)
			}
		}
	}
}

// Close gives up leadership and the node registration so that other nodes
// take over without waiting for expiry.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	leader, wasLeader := c.leaderLease, c.isLeader
	node := c.nodeLease
	c.isLeader = false
	c.leaderLease = lease.Lease{}
	c.nodeLease = lease.Lease{}
	c.mu.Unlock()

	var errs error
	if wasLeader {
		errs = multierr.Append(errs, c.store.Release(ctx, lease.LeaderKey, leader.Holder, leader.Token))
	}
	if node.Key != "" {
		errs = multierr.Append(errs, c.store.Release(ctx, node.Key, node.Holder, node.Token))
	}
	return errs
}
