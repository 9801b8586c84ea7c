package state

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
)

// ErrNodeNotFound is returned when requested node is not found in the cluster.
var ErrNodeNotFound = errors.New("node not found")

// MetaApiAddr is the node lease meta entry holding the node REST address.
const MetaApiAddr = "apiAddr"

// Cluster is a node's cached view of the cluster. It is rebuilt from the
// lease store and never written back.
type Cluster struct {
	LeaderId    string          `json:"leaderId"`
	Nodes       map[string]Node `json:"nodes"`
	RefreshedAt time.Time       `json:"refreshedAt"`
}

type Role int32

const (
	_ Role = iota
	RoleFollower
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleLeader:
		return "leader"
	}
	return "unknown"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "follower":
		*r = RoleFollower
	case "leader":
		*r = RoleLeader
	default:
		return fmt.Errorf("unknown node role %q", text)
	}
	return nil
}

// Node is a registered, live cluster member.
type Node struct {
	Id   string `json:"id"`
	Addr string `json:"addr"`
	Role Role   `json:"role"`
	// ExpiresAt is when the node registration lapses unless renewed.
	ExpiresAt time.Time `json:"expiresAt"`
	// Locks counts the instance locks the node currently holds.
	Locks int `json:"locks"`
}

// FromLeases builds the view from the leader lease (empty when there is no
// leader), the node registrations and the instance locks.
func FromLeases(leader lease.Lease, nodeLeases []lease.Lease, lockLeases []lease.Lease, now time.Time) Cluster {
	c := Cluster{
		LeaderId:    leader.Holder,
		Nodes:       make(map[string]Node, len(nodeLeases)),
		RefreshedAt: now,
	}
	for _, l := range nodeLeases {
		id, ok := lease.NodeIdFromKey(l.Key)
		if !ok {
			continue
		}
		role := RoleFollower
		if id == c.LeaderId {
			role = RoleLeader
		}
		c.Nodes[id] = Node{
			Id:        id,
			Addr:      l.Meta[MetaApiAddr],
			Role:      role,
			ExpiresAt: l.ExpiresAt,
		}
	}
	for _, l := range lockLeases {
		if n, ok := c.Nodes[l.Node]; ok {
			n.Locks++
			c.Nodes[l.Node] = n
		}
	}
	return c
}

func (c Cluster) GetNode(nodeId string) (Node, error) {
	node, ok := c.Nodes[nodeId]
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	return node, nil
}

// Leader returns the leader node when it is known and registered.
func (c Cluster) Leader() (Node, bool) {
	if c.LeaderId == "" {
		return Node{}, false
	}
	node, ok := c.Nodes[c.LeaderId]
	return node, ok
}

// SortedNodes returns the nodes sorted by ID ascending.
func (c Cluster) SortedNodes() Nodes {
	nodes := make(Nodes, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, n)
	}
	sort.Sort(nodes)
	return nodes
}

func (c Cluster) DeepCopy() Cluster {
	c.Nodes = maps.Clone(c.Nodes)
	return c
}

// Nodes is a set of Nodes.
type Nodes []Node

// Contains returns whether the given node, as specified by its ID,
// is a member of the set of nodes.
func (s Nodes) Contains(id string) bool {
	if s == nil || id == "" {
		return false
	}

	for _, n := range s {
		if n.Id == id {
			return true
		}
	}
	return false
}

func (s Nodes) Less(i, j int) bool { return s[i].Id < s[j].Id }
func (s Nodes) Len() int           { return len(s) }
func (s Nodes) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
