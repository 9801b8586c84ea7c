package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rqlite/rqlite/v8/rsync"
)

// Open opens the store and configures underlying raft communication and storage
func (s *Store) Open() (retErr error) {
	defer func() {
		if retErr == nil {
			s.open.Store(true)
		}
	}()

	if s.open.Load() {
		return ErrAlreadyOpen
	}

	// Setup Raft configuration.
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(s.raftID)
	cfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "raft",
		Level: hclog.Warn,
	})
	if s.cfg.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = s.cfg.HeartbeatTimeout
		cfg.LeaderLeaseTimeout = s.cfg.HeartbeatTimeout
	}
	if s.cfg.ElectionTimeout > 0 {
		cfg.ElectionTimeout = s.cfg.ElectionTimeout
	}

	if s.raftTn == nil {
		tn, err := raft.NewTCPTransportWithLogger(s.cfg.RaftAddr, nil, connectionPoolCount, connectionTimeout, cfg.Logger)
		if err != nil {
			return fmt.Errorf("raft tcp transport: %w", err)
		}
		s.raftTn = tn
	}
	s.logger.Info(fmt.Sprintf("opening store with node ID %s, listening on %s", s.raftID, s.raftTn.LocalAddr()))

	var logStore raft.LogStore
	var stableStore raft.StableStore
	var snapshots raft.SnapshotStore
	if s.cfg.InMemory {
		inmem := raft.NewInmemStore()
		logStore = inmem
		stableStore = inmem
		snapshots = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(s.cfg.RaftDir, 0o755); err != nil {
			return fmt.Errorf("failed to create raft dir: %w", err)
		}
		// Create the snapshot store. This allows the Raft to truncate the log.
		fileSnapshots, err := raft.NewFileSnapshotStore(s.cfg.RaftDir, s.cfg.RetainSnapshotCount, os.Stderr)
		if err != nil {
			return fmt.Errorf("file snapshot store: %s", err)
		}
		snapshots = fileSnapshots

		// Create the log store and stable store.
		boltDB, err := raftboltdb.New(raftboltdb.Options{
			Path: filepath.Join(s.cfg.RaftDir, "raft.db"),
		})
		if err != nil {
			return fmt.Errorf("new bbolt store: %s", err)
		}
		s.boltStore = boltDB
		logStore = s.boltStore
		stableStore = s.boltStore
	}

	// Instantiate the Raft systems.
	ra, err := raft.NewRaft(cfg, NewFSM(s), logStore, stableStore, snapshots, s.raftTn)
	if err != nil {
		return fmt.Errorf("new raft: %s", err)
	}
	s.raft = ra

	if s.cfg.Bootstrap {
		if err := s.bootstrap(); err != nil {
			return err
		}
	}

	blocking := false
	s.observer = raft.NewObserver(s.observerChan, blocking, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.FailedHeartbeatObservation, raft.ResumedHeartbeatObservation:
			return true
		}
		return false
	})
	s.raft.RegisterObserver(s.observer)

	s.observerClose, s.observerDone = s.observe()
	return nil
}

// bootstrap executes a cluster bootstrap on this node using the configured
// peers, or this node alone when there are none.
func (s *Store) bootstrap() error {
	servers := []raft.Server{}
	for _, p := range s.cfg.Peers {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(p.Id),
			Address:  raft.ServerAddress(p.RaftAddr),
		})
	}
	if len(servers) == 0 {
		servers = append(servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(s.raftID),
			Address:  s.raftTn.LocalAddr(),
		})
	}
	f := s.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrCantBootstrap) {
			s.logger.Info("cluster already bootstrapped, skipping bootstrap")
			return nil
		}
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	s.logger.Info(fmt.Sprintf("cluster bootstrap successful, servers: %v", servers))
	return nil
}

// WaitForAllApplied waits for all Raft log entries to be applied to the
// lease table.
func (s *Store) WaitForAllApplied(timeout time.Duration) error {
	if timeout == 0 {
		return nil
	}
	return s.WaitForAppliedIndex(s.raft.LastIndex(), timeout)
}

// WaitForAppliedIndex blocks until a given log index has been applied,
// or the timeout expires.
func (s *Store) WaitForAppliedIndex(idx uint64, timeout time.Duration) error {
	ch := s.appliedTarget.Subscribe(idx)
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for index %d to be applied", idx)
	}
}

// Stepdown forces this node to relinquish leadership to another node in
// the cluster. If this node is not the leader, and 'wait' is true, an error
// will be returned.
func (s *Store) Stepdown(wait bool) error {
	if !s.open.Load() {
		return ErrNotOpen
	}
	f := s.raft.LeadershipTransfer()
	if !wait {
		return nil
	}
	return f.Error()
}

// IsLeader is used to determine if the current node is cluster leader
func (s *Store) IsLeader() bool {
	if !s.open.Load() {
		return false
	}
	return s.raft.State() == raft.Leader
}

// HasLeader returns true if the cluster has a leader, false otherwise.
func (s *Store) HasLeader() bool {
	if !s.open.Load() {
		return false
	}
	addr, _ := s.raft.LeaderWithID()
	return addr != ""
}

// WaitForLeader blocks until a leader is detected, or the timeout expires.
func (s *Store) WaitForLeader(timeout time.Duration) (string, error) {
	var leaderId string
	check := func() bool {
		_, leaderId = s.LeaderWithID()
		return leaderId != ""
	}
	err := rsync.NewPollTrue(check, leaderWaitDelay, timeout).Run("leader")
	if err != nil {
		return "", ErrWaitForLeaderTimeout
	}
	return leaderId, nil
}

// VerifyLeader checks that the current node is the Raft leader.
func (s *Store) VerifyLeader() (retErr error) {
	if !s.open.Load() {
		return ErrNotOpen
	}
	future := s.raft.VerifyLeader()
	if err := future.Error(); err != nil {
		if err == raft.ErrNotLeader || err == raft.ErrLeadershipLost {
			return ErrNotLeader
		}
		return fmt.Errorf("failed to verify leader: %s", err.Error())
	}
	return nil
}

// Addr returns the raft address of the store.
func (s *Store) Addr() string {
	if !s.open.Load() {
		return ""
	}
	return string(s.raftTn.LocalAddr())
}

// ID returns the Raft ID of the store.
func (s *Store) ID() string {
	return s.raftID
}

// LeaderWithID is used to return the current leader address and ID of the cluster.
// It may return empty strings if there is no current leader or the leader is unknown.
func (s *Store) LeaderWithID() (string, string) {
	if !s.open.Load() {
		return "", ""
	}
	addr, id := s.raft.LeaderWithID()
	return string(addr), string(id)
}

// CommitIndex returns the Raft commit index.
func (s *Store) CommitIndex() (uint64, error) {
	if !s.open.Load() {
		return 0, ErrNotOpen
	}
	return s.raft.CommitIndex(), nil
}

// Close closes the store. If wait is true, waits for a graceful shutdown.
func (s *Store) Close(wait bool) (retErr error) {
	defer func() {
		if retErr == nil {
			s.logger.Info(fmt.Sprintf("store closed with node ID %s", s.raftID))
			s.open.Store(false)
		}
	}()
	if !s.open.Load() {
		// Protect against closing already-closed resource, such as channels.
		return nil
	}

	close(s.observerClose)
	<-s.observerDone
	s.raft.DeregisterObserver(s.observer)

	f := s.raft.Shutdown()
	if wait {
		if f.Error() != nil {
			return f.Error()
		}
	}

	if closer, ok := s.raftTn.(raft.WithClose); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	if s.boltStore != nil {
		if err := s.boltStore.Close(); err != nil {
			return err
		}
	}
	return nil
}
