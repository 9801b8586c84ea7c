// Package store is a lease.Store replicated with hashicorp raft. Writes are
// applied on the leader, which stamps them with its clock; followers forward
// their writes to the leader's HTTP API. Reads are served from the local
// replica.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
	"github.com/pbinitiative/zenworkflow/internal/config"
	"github.com/rqlite/rqlite/v8/rsync"
)

const (
	observerChanLen     = 100
	connectionPoolCount = 5
	connectionTimeout   = 10 * time.Second
	leaderWaitDelay     = 100 * time.Millisecond
)

type Peer struct {
	Id       string
	RaftAddr string
	ApiAddr  string
}

type Config struct {
	NodeId   string
	RaftAddr string
	RaftDir  string
	// Bootstrap makes this node bootstrap the cluster from Peers. Restarting
	// an already bootstrapped node is harmless.
	Bootstrap bool
	Peers     []Peer

	ApplyTimeout        time.Duration
	RetainSnapshotCount int
	// zero values keep the raft defaults
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration

	// InMemory keeps the raft log, stable store and snapshots in memory.
	InMemory bool
}

// DefaultConfig provides default store configuration based on cluster configuration.
func DefaultConfig(c config.Cluster) Config {
	conf := Config{
		NodeId:              c.NodeId,
		RaftAddr:            c.Raft.Addr,
		RaftDir:             c.Raft.Dir,
		Bootstrap:           c.Raft.Bootstrap,
		ApplyTimeout:        5 * time.Second,
		RetainSnapshotCount: 2,
	}
	for _, p := range c.Raft.Peers {
		conf.Peers = append(conf.Peers, Peer{Id: p.Id, RaftAddr: p.RaftAddr, ApiAddr: p.ApiAddr})
	}
	if conf.RaftDir == "" {
		conf.RaftDir = "zenworkflow_raft"
	}
	return conf
}

// Forwarder sends a command to the leader reachable on apiAddr.
type Forwarder interface {
	Forward(ctx context.Context, apiAddr string, cmd Command) (lease.Lease, error)
}

type Store struct {
	cfg Config

	open *atomic.Bool

	// mutex used by fsm to lock state changes
	stateMu sync.Mutex
	state   leaseState

	raftID    string // Node ID.
	raft      *raft.Raft
	raftTn    raft.Transport
	boltStore *raftboltdb.BoltStore
	logger    hclog.Logger
	now       func() time.Time
	forwarder Forwarder

	appliedTarget *rsync.ReadyTarget[uint64]

	// Raft changes observer
	observer      *raft.Observer
	observerChan  chan raft.Observation
	observerClose chan struct{}
	observerDone  chan struct{}
}

var _ lease.Store = &Store{}

type Option func(*Store)

// WithTransport replaces the TCP transport, e.g. with raft.InmemTransport.
func WithTransport(tn raft.Transport) Option {
	return func(s *Store) {
		s.raftTn = tn
	}
}

func WithForwarder(f Forwarder) Option {
	return func(s *Store) {
		s.forwarder = f
	}
}

// WithClock replaces the clock used to stamp commands and judge reads.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger hclog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a new Store.
// The store is in closed state and needs to be opened by calling Open before usage.
func New(c Config, opts ...Option) *Store {
	s := &Store{
		cfg:           c,
		open:          &atomic.Bool{},
		state:         newLeaseState(),
		raftID:        c.NodeId,
		logger:        hclog.Default().Named("zenworkflow-store"),
		now:           time.Now,
		appliedTarget: rsync.NewReadyTarget[uint64](),
		observerChan:  make(chan raft.Observation, observerChanLen),
		observerClose: make(chan struct{}),
		observerDone:  make(chan struct{}),
	}
	if s.cfg.ApplyTimeout == 0 {
		s.cfg.ApplyTimeout = 5 * time.Second
	}
	if s.cfg.RetainSnapshotCount <= 0 {
		s.cfg.RetainSnapshotCount = 2
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.forwarder == nil {
		s.forwarder = NewHTTPForwarder(nil)
	}
	return s
}

func (s *Store) NodeID() string {
	return s.cfg.NodeId
}

// ApplyLocal applies cmd on this node, which has to be the leader. The
// command is stamped with the leader clock.
func (s *Store) ApplyLocal(ctx context.Context, cmd Command) (lease.Lease, error) {
	if !s.open.Load() {
		return lease.Lease{}, ErrNotOpen
	}
	if !cmd.Type.Valid() {
		return lease.Lease{}, fmt.Errorf("unknown lease command %q", cmd.Type)
	}
	if s.raft.State() != raft.Leader {
		return lease.Lease{}, ErrNotLeader
	}
	cmd.Now = s.now()
	b, err := json.Marshal(cmd)
	if err != nil {
		return lease.Lease{}, fmt.Errorf("failed to marshal %s command before applying to log: %w", cmd.Type, err)
	}
	timeout := s.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	f := s.raft.Apply(b, timeout)
	if err := f.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return lease.Lease{}, ErrNotLeader
		}
		return lease.Lease{}, fmt.Errorf("failed to apply %s command to raft log: %w", cmd.Type, err)
	}
	res, ok := f.Response().(applyResponse)
	if !ok {
		return lease.Lease{}, fmt.Errorf("unexpected raft apply response %T", f.Response())
	}
	return res.lease, res.err
}

// write applies cmd on the leader, forwarding it when this node follows.
func (s *Store) write(ctx context.Context, cmd Command) (lease.Lease, error) {
	if !s.open.Load() {
		return lease.Lease{}, ErrNotOpen
	}
	if s.IsLeader() {
		return s.ApplyLocal(ctx, cmd)
	}
	apiAddr, err := s.leaderApiAddr()
	if err != nil {
		return lease.Lease{}, err
	}
	return s.forwarder.Forward(ctx, apiAddr, cmd)
}

func (s *Store) leaderApiAddr() (string, error) {
	_, id := s.LeaderWithID()
	if id == "" {
		return "", ErrNoLeader
	}
	for _, p := range s.cfg.Peers {
		if p.Id == id {
			return p.ApiAddr, nil
		}
	}
	return "", fmt.Errorf("leader %s is not a configured peer: %w", id, ErrNoLeader)
}

func (s *Store) Acquire(ctx context.Context, grant lease.Grant) (lease.Lease, error) {
	return s.write(ctx, Command{
		Type:   CommandAcquire,
		Key:    grant.Key,
		Holder: grant.Holder,
		Node:   grant.Node,
		TTL:    grant.TTL,
		Meta:   grant.Meta,
	})
}

func (s *Store) Renew(ctx context.Context, key string, holder string, token uint64, ttl time.Duration) (lease.Lease, error) {
	return s.write(ctx, Command{Type: CommandRenew, Key: key, Holder: holder, Token: token, TTL: ttl})
}

func (s *Store) Release(ctx context.Context, key string, holder string, token uint64) error {
	_, err := s.write(ctx, Command{Type: CommandRelease, Key: key, Holder: holder, Token: token})
	return err
}

func (s *Store) ForceRelease(ctx context.Context, key string) error {
	_, err := s.write(ctx, Command{Type: CommandForceRelease, Key: key})
	return err
}

func (s *Store) Get(ctx context.Context, key string) (lease.Lease, error) {
	if !s.open.Load() {
		return lease.Lease{}, ErrNotOpen
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	l, ok := s.state.get(key, s.now())
	if !ok {
		return lease.Lease{}, lease.ErrNotFound
	}
	return l, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]lease.Lease, error) {
	if !s.open.Load() {
		return nil, ErrNotOpen
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state.list(prefix, s.now()), nil
}

func (s *Store) observe() (closeCh, doneCh chan struct{}) {
	closeCh = make(chan struct{})
	doneCh = make(chan struct{})

	go func() {
		defer close(doneCh)
		for {
			select {
			case o := <-s.observerChan:
				switch signal := o.Data.(type) {
				case raft.FailedHeartbeatObservation:
					s.logger.Warn(fmt.Sprintf("node %s failed heartbeat, last contact %s ago", signal.PeerID, time.Since(signal.LastContact).Round(time.Millisecond)))
				case raft.ResumedHeartbeatObservation:
					s.logger.Info(fmt.Sprintf("node %s resumed heartbeat", signal.PeerID))
				case raft.LeaderObservation:
					if signal.LeaderID == raft.ServerID(s.raftID) {
						s.logger.Info(fmt.Sprintf("this node (ID=%s) is now Leader", s.raftID))
					} else if signal.LeaderID == "" {
						s.logger.Warn("Leader is now unknown")
					} else {
						s.logger.Info(fmt.Sprintf("node %s is now Leader", signal.LeaderID))
					}
				}
			case <-closeCh:
				return
			}
		}
	}()
	return closeCh, doneCh
}
