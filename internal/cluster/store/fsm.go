// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package store

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
)

// leaseState is the replicated state. It is only changed by applied commands.
type leaseState struct {
	Leases map[string]lease.Lease `json:"leases"`
	Token  uint64                 `json:"token"`
}

func newLeaseState() leaseState {
	return leaseState{Leases: map[string]lease.Lease{}}
}

func (s leaseState) copy() leaseState {
	c := leaseState{Leases: make(map[string]lease.Lease, len(s.Leases)), Token: s.Token}
	for k, l := range s.Leases {
		l.Meta = maps.Clone(l.Meta)
		c.Leases[k] = l
	}
	return c
}

func (s leaseState) get(key string, now time.Time) (lease.Lease, bool) {
	l, ok := s.Leases[key]
	if !ok || !now.Before(l.ExpiresAt) {
		return lease.Lease{}, false
	}
	return l, true
}

func (s leaseState) list(prefix string, now time.Time) []lease.Lease {
	var res []lease.Lease
	for key, l := range s.Leases {
		if strings.HasPrefix(key, prefix) && now.Before(l.ExpiresAt) {
			res = append(res, l)
		}
	}
	slices.SortFunc(res, func(a, b lease.Lease) int { return strings.Compare(a.Key, b.Key) })
	return res
}

// applyResponse is handed back to the leader through raft.ApplyFuture.
type applyResponse struct {
	lease lease.Lease
	err   error
}

// FSM is Finite State Machine of the lease table
type FSM struct {
	store *Store
}

// NewFSM returns a new FSM.
func NewFSM(s *Store) *FSM {
	return &FSM{store: s}
}

var _ raft.FSM = &FSM{}

// Apply is called once a log entry is committed by a majority of the cluster.
//
// Apply should apply the log to the FSM. Apply must be deterministic and
// produce the same result on all peers in the cluster.
//
// The returned value is returned to the client as the ApplyFuture.Response.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var command Command
	if err := json.Unmarshal(l.Data, &command); err != nil {
		panic(fmt.Sprintf("failed to unmarshal command: %s", err.Error()))
	}

	f.store.stateMu.Lock()
	res := applyCommand(&f.store.state, command)
	f.store.stateMu.Unlock()

	f.store.appliedTarget.Signal(l.Index)
	return res
}

func applyCommand(state *leaseState, command Command) applyResponse {
	switch command.Type {
	case CommandAcquire:
		l, ok := state.get(command.Key, command.Now)
		if ok && l.Holder != command.Holder {
			return applyResponse{lease: l, err: lease.ErrHeld}
		}
		if !ok {
			state.Token++
			l = lease.Lease{Key: command.Key, Holder: command.Holder, Node: command.Node, Token: state.Token}
		}
		l.Meta = command.Meta
		l.ExpiresAt = command.Now.Add(command.TTL)
		state.Leases[command.Key] = l
		return applyResponse{lease: l}
	case CommandRenew:
		l, ok := state.get(command.Key, command.Now)
		if !ok || l.Holder != command.Holder || l.Token != command.Token {
			return applyResponse{err: lease.ErrNotHeld}
		}
		l.ExpiresAt = command.Now.Add(command.TTL)
		state.Leases[command.Key] = l
		return applyResponse{lease: l}
	case CommandRelease:
		l, ok := state.get(command.Key, command.Now)
		if !ok {
			delete(state.Leases, command.Key)
			return applyResponse{}
		}
		if l.Holder != command.Holder || l.Token != command.Token {
			return applyResponse{err: lease.ErrNotHeld}
		}
		delete(state.Leases, command.Key)
		return applyResponse{}
	case CommandForceRelease:
		delete(state.Leases, command.Key)
		// expired leases are dropped here so the table does not grow forever
		for key, l := range state.Leases {
			if !command.Now.Before(l.ExpiresAt) {
				delete(state.Leases, key)
			}
		}
		return applyResponse{}
	default:
		panic(fmt.Sprintf("unrecognized command type: %s", command.Type))
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.store.stateMu.Lock()
	defer f.store.stateMu.Unlock()

	return &fsmSnapshot{State: f.store.state.copy()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	snapshot := fsmSnapshot{}
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return err
	}
	if snapshot.State.Leases == nil {
		snapshot.State.Leases = map[string]lease.Lease{}
	}

	f.store.stateMu.Lock()
	defer f.store.stateMu.Unlock()
	f.store.state = snapshot.State
	return nil
}
