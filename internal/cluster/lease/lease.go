// Package lease defines the time-bounded ownership records the cluster
// coordinator is built on. Leadership, node registration and instance locks
// are all leases; the lease store is the single source of truth for them.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrHeld is returned by Acquire when another holder owns a live lease.
	ErrHeld = errors.New("lease is held by another holder")

	// ErrNotHeld is returned by Renew and Release when the caller is no longer
	// the holder, either because the lease expired or was taken over.
	ErrNotHeld = errors.New("lease is not held by the caller")

	// ErrNotFound is returned by Get for absent and expired leases.
	ErrNotFound = errors.New("lease not found")
)

const (
	LeaderKey  = "leader"
	NodePrefix = "nodes/"
	LockPrefix = "locks/"
)

func NodeKey(nodeId string) string {
	return NodePrefix + nodeId
}

func LockKey(instanceId string) string {
	return LockPrefix + instanceId
}

// NodeIdFromKey returns the node id of a node registration key.
func NodeIdFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, NodePrefix)
}

type Lease struct {
	Key string `json:"key"`
	// Holder identifies the owner. Renew and Release must present it.
	Holder string `json:"holder"`
	// Node is the cluster node the holder runs on. Eviction releases every
	// lease of a node whose registration expired.
	Node string `json:"node"`
	// Token is a fencing token, strictly increasing across acquisitions of
	// the store. Renewals keep it.
	Token     uint64            `json:"token"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Grant is a request to acquire a lease.
type Grant struct {
	Key    string            `json:"key"`
	Holder string            `json:"holder"`
	Node   string            `json:"node"`
	TTL    time.Duration     `json:"ttl"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Store keeps leases. Expiry is judged by the store's clock, never by the
// caller's.
type Store interface {
	// Acquire grants the lease when it is free or expired. The current holder
	// acquiring again renews the lease and keeps its token.
	Acquire(ctx context.Context, grant Grant) (Lease, error)
	// Renew extends a lease still owned by holder under token.
	Renew(ctx context.Context, key string, holder string, token uint64, ttl time.Duration) (Lease, error)
	// Release drops a lease owned by holder. Releasing an expired lease is not
	// an error.
	Release(ctx context.Context, key string, holder string, token uint64) error
	// ForceRelease drops the lease whoever holds it.
	ForceRelease(ctx context.Context, key string) error
	// Get returns a live lease or ErrNotFound.
	Get(ctx context.Context, key string) (Lease, error)
	// List returns the live leases whose key has the prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Lease, error)
}
