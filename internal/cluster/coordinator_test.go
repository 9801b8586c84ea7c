package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease/inmemory"
	"github.com/pbinitiative/zenworkflow/internal/cluster/state"
	"github.com/pbinitiative/zenworkflow/internal/config"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCoordinatorConfig(nodeId string) CoordinatorConfig {
	return CoordinatorConfig{
		NodeId:            nodeId,
		ApiAddr:           nodeId + ":8080",
		HeartbeatInterval: 2 * time.Second,
		NodeTTL:           10 * time.Second,
		LeaderTTL:         10 * time.Second,
		RenewInterval:     3 * time.Second,
		LockTTL:           30 * time.Second,
		EvictionInterval:  5 * time.Second,
		DutyInterval:      time.Second,
	}
}

func newTestCoordinators(t *testing.T, ids ...string) (*fakeClock, lease.Store, []*Coordinator) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := inmemory.New(inmemory.WithClock(clock.Now))
	coordinators := make([]*Coordinator, 0, len(ids))
	for _, id := range ids {
		c := NewCoordinator(store, testCoordinatorConfig(id),
			CoordinatorWithClock(clock.Now),
			CoordinatorWithLogger(hclog.NewNullLogger()),
		)
		require.NoError(t, c.Heartbeat(t.Context()))
		coordinators = append(coordinators, c)
	}
	return clock, store, coordinators
}

func TestSingleLeaderIsElected(t *testing.T) {
	// setup
	_, _, cs := newTestCoordinators(t, "node-1", "node-2", "node-3")

	// when
	leaders := 0
	for _, c := range cs {
		leader, err := c.Elect(t.Context())
		require.NoError(t, err)
		if leader {
			leaders++
		}
	}

	// then
	assert.Equal(t, 1, leaders)
	assert.True(t, cs[0].IsLeader())
	assert.False(t, cs[1].IsLeader())
	assert.False(t, cs[2].IsLeader())
}

func TestLeaderKeepsLeadershipByRenewing(t *testing.T) {
	// setup
	clock, _, cs := newTestCoordinators(t, "node-1", "node-2")
	leader, err := cs[0].Elect(t.Context())
	require.NoError(t, err)
	require.True(t, leader)

	// when
	for range 5 {
		clock.Advance(3 * time.Second)
		require.NoError(t, cs[0].Heartbeat(t.Context()))
		require.NoError(t, cs[1].Heartbeat(t.Context()))
		_, err := cs[0].Elect(t.Context())
		require.NoError(t, err)
		_, err = cs[1].Elect(t.Context())
		require.NoError(t, err)
	}

	// then
	assert.True(t, cs[0].IsLeader())
	assert.False(t, cs[1].IsLeader())
}

func TestFollowerTakesOverExpiredLeadership(t *testing.T) {
	// setup
	clock, _, cs := newTestCoordinators(t, "node-1", "node-2")
	_, err := cs[0].Elect(t.Context())
	require.NoError(t, err)

	// given
	clock.Advance(11 * time.Second)

	// when
	leader, err := cs[1].Elect(t.Context())
	require.NoError(t, err)
	stillLeader, err := cs[0].Elect(t.Context())
	require.NoError(t, err)

	// then
	assert.True(t, leader)
	assert.False(t, stillLeader)
	assert.False(t, cs[0].IsLeader())
}

func TestCloseHandsLeadershipOver(t *testing.T) {
	// setup
	_, store, cs := newTestCoordinators(t, "node-1", "node-2")
	_, err := cs[0].Elect(t.Context())
	require.NoError(t, err)

	// when
	require.NoError(t, cs[0].Close(t.Context()))
	leader, err := cs[1].Elect(t.Context())
	require.NoError(t, err)

	// then
	assert.True(t, leader)
	_, err = store.Get(t.Context(), lease.NodeKey("node-1"))
	assert.ErrorIs(t, err, lease.ErrNotFound)
}

func TestHeartbeatRejectsForeignRegistration(t *testing.T) {
	// setup
	_, store, _ := newTestCoordinators(t)

	// given
	_, err := store.Acquire(t.Context(), lease.Grant{
		Key:    lease.NodeKey("node-1"),
		Holder: "someone-else",
		Node:   "node-1",
		TTL:    time.Minute,
	})
	require.NoError(t, err)
	c := NewCoordinator(store, testCoordinatorConfig("node-1"), CoordinatorWithLogger(hclog.NewNullLogger()))

	// when
	err = c.Heartbeat(t.Context())

	// then
	assert.ErrorIs(t, err, lease.ErrHeld)
	assert.ErrorContains(t, err, "registered by another holder")
}

func TestLockInstanceIsExclusive(t *testing.T) {
	// setup
	_, _, cs := newTestCoordinators(t, "node-1", "node-2")

	// given
	lock, err := cs[0].LockInstance(t.Context(), "instance-1")
	require.NoError(t, err)

	// when
	_, sameNodeErr := cs[0].LockInstance(t.Context(), "instance-1")
	_, otherNodeErr := cs[1].LockInstance(t.Context(), "instance-1")
	other, otherInstanceErr := cs[1].LockInstance(t.Context(), "instance-2")

	// then
	assert.ErrorIs(t, sameNodeErr, zenerr.ErrInstanceBusy)
	assert.ErrorIs(t, otherNodeErr, zenerr.ErrInstanceBusy)
	kind, ok := zenerr.KindOf(otherNodeErr)
	require.True(t, ok)
	assert.True(t, kind.Retryable())
	require.NoError(t, otherInstanceErr)
	require.NoError(t, other.Unlock(t.Context()))

	require.NoError(t, lock.Renew(t.Context()))
	require.NoError(t, lock.Unlock(t.Context()))
	require.NoError(t, lock.Unlock(t.Context()), "unlocking twice is a no-op")
	assert.ErrorIs(t, lock.Renew(t.Context()), lease.ErrNotHeld)

	relocked, err := cs[1].LockInstance(t.Context(), "instance-1")
	require.NoError(t, err)
	require.NoError(t, relocked.Unlock(t.Context()))
}

func TestExpiredLockCannotBeRenewed(t *testing.T) {
	// setup
	clock, _, cs := newTestCoordinators(t, "node-1", "node-2")
	lock, err := cs[0].LockInstance(t.Context(), "instance-1")
	require.NoError(t, err)

	// given
	clock.Advance(31 * time.Second)
	taken, err := cs[1].LockInstance(t.Context(), "instance-1")
	require.NoError(t, err)

	// when
	renewErr := lock.Renew(t.Context())
	unlockErr := lock.Unlock(t.Context())

	// then
	assert.ErrorIs(t, renewErr, lease.ErrNotHeld)
	assert.NoError(t, unlockErr)
	_, err = cs[0].LockInstance(t.Context(), "instance-1")
	assert.ErrorIs(t, err, zenerr.ErrInstanceBusy, "the new holder keeps the lock")
	require.NoError(t, taken.Unlock(t.Context()))
}

func TestLeaderEvictsLocksOfDeadNodes(t *testing.T) {
	// setup
	clock, store, cs := newTestCoordinators(t, "node-1", "node-2")
	_, err := cs[0].Elect(t.Context())
	require.NoError(t, err)

	// given
	_, err = cs[0].LockInstance(t.Context(), "instance-1")
	require.NoError(t, err)
	_, err = cs[1].LockInstance(t.Context(), "instance-2")
	require.NoError(t, err)

	// node-2 stops heartbeating
	clock.Advance(6 * time.Second)
	require.NoError(t, cs[0].Heartbeat(t.Context()))
	_, err = cs[0].Elect(t.Context())
	require.NoError(t, err)
	clock.Advance(6 * time.Second)
	require.NoError(t, cs[0].Heartbeat(t.Context()))

	// when
	followerEvicted, err := cs[1].Evict(t.Context())
	require.NoError(t, err)
	evicted, err := cs[0].Evict(t.Context())
	require.NoError(t, err)

	// then
	assert.Equal(t, 0, followerEvicted, "only the leader evicts")
	assert.Equal(t, 1, evicted)
	_, err = store.Get(t.Context(), lease.LockKey("instance-2"))
	assert.ErrorIs(t, err, lease.ErrNotFound)
	_, err = store.Get(t.Context(), lease.LockKey("instance-1"))
	assert.NoError(t, err)
}

func TestDutiesRunOnlyOnLeader(t *testing.T) {
	// setup
	_, _, cs := newTestCoordinators(t, "node-1", "node-2")
	runs := map[string]int{}
	for _, c := range cs {
		c.RegisterDuty("count", func(ctx context.Context) error {
			runs[c.NodeId()]++
			return nil
		})
		_, err := c.Elect(t.Context())
		require.NoError(t, err)
	}

	// when
	for _, c := range cs {
		require.NoError(t, c.RunDuties(t.Context()))
	}

	// then
	assert.Equal(t, map[string]int{"node-1": 1}, runs)
}

func TestFailingDutyDoesNotStopOthers(t *testing.T) {
	// setup
	_, _, cs := newTestCoordinators(t, "node-1")
	_, err := cs[0].Elect(t.Context())
	require.NoError(t, err)
	failure := errors.New("sweep failed")
	ran := false
	cs[0].RegisterDuty("failing", func(ctx context.Context) error {
		return failure
	})
	cs[0].RegisterDuty("healthy", func(ctx context.Context) error {
		ran = true
		return nil
	})

	// when
	err = cs[0].RunDuties(t.Context())

	// then
	assert.ErrorIs(t, err, failure)
	assert.ErrorContains(t, err, "duty failing")
	assert.True(t, ran)
}

func TestRefreshBuildsClusterView(t *testing.T) {
	// setup
	clock, _, cs := newTestCoordinators(t, "node-1", "node-2")
	_, err := cs[0].Elect(t.Context())
	require.NoError(t, err)
	_, err = cs[1].LockInstance(t.Context(), "instance-1")
	require.NoError(t, err)

	// when
	view, err := cs[1].Refresh(t.Context())
	require.NoError(t, err)

	// then
	assert.Equal(t, "node-1", view.LeaderId)
	assert.Equal(t, clock.Now(), view.RefreshedAt)
	require.Len(t, view.Nodes, 2)
	assert.Equal(t, state.RoleLeader, view.Nodes["node-1"].Role)
	assert.Equal(t, state.RoleFollower, view.Nodes["node-2"].Role)
	assert.Equal(t, "node-2:8080", view.Nodes["node-2"].Addr)
	assert.Equal(t, 1, view.Nodes["node-2"].Locks)
	assert.Equal(t, view, cs[1].State())
}

func TestRunDrivesLoopsUntilCancelled(t *testing.T) {
	// setup
	store := inmemory.New()
	cfg := testCoordinatorConfig("node-1")
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.RenewInterval = 10 * time.Millisecond
	cfg.EvictionInterval = 10 * time.Millisecond
	cfg.DutyInterval = 10 * time.Millisecond
	c := NewCoordinator(store, cfg, CoordinatorWithLogger(hclog.NewNullLogger()))
	var runs atomic.Int32
	c.RegisterDuty("count", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	// when
	go func() {
		done <- c.Run(ctx)
	}()

	// then
	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.IsLeader())
	assert.Eventually(t, func() bool {
		return c.State().LeaderId == "node-1"
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestCoordinatorConfigFrom(t *testing.T) {
	// setup
	var conf config.Config
	conf.Cluster.NodeId = "node-1"
	conf.Cluster.ApiAddr = ":8080"
	conf.Cluster.LeaderTTL = config.TTL(7 * time.Second)
	conf.Engine.DueWaitPollInterval = config.TTL(time.Second)

	// when
	c := CoordinatorConfigFrom(conf)

	// then
	assert.Equal(t, "node-1", c.NodeId)
	assert.Equal(t, ":8080", c.ApiAddr)
	assert.Equal(t, 7*time.Second, c.LeaderTTL)
	assert.Equal(t, time.Second, c.DutyInterval)
}
