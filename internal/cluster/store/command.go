package store

import (
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
)

type CommandType string

const (
	CommandAcquire      CommandType = "acquire"
	CommandRenew        CommandType = "renew"
	CommandRelease      CommandType = "release"
	CommandForceRelease CommandType = "force-release"
)

func (t CommandType) Valid() bool {
	switch t {
	case CommandAcquire, CommandRenew, CommandRelease, CommandForceRelease:
		return true
	}
	return false
}

// Command is a lease mutation written to the raft log.
type Command struct {
	Type   CommandType       `json:"type"`
	Key    string            `json:"key"`
	Holder string            `json:"holder,omitempty"`
	Node   string            `json:"node,omitempty"`
	Token  uint64            `json:"token,omitempty"`
	TTL    time.Duration     `json:"ttl,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
	// Now is stamped by the leader before the command is applied. Every
	// replica judges expiry by it, never by its own clock.
	Now time.Time `json:"now"`
}

// ForwardResponse is the result of a command applied on the leader on behalf
// of a follower.
type ForwardResponse struct {
	Lease   *lease.Lease `json:"lease,omitempty"`
	Error   string       `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
}

func NewForwardResponse(l lease.Lease, err error) ForwardResponse {
	res := ForwardResponse{}
	if l.Key != "" {
		res.Lease = &l
	}
	if err != nil {
		res.Error = errorCode(err)
		res.Message = err.Error()
	}
	return res
}

func (r ForwardResponse) Result() (lease.Lease, error) {
	var l lease.Lease
	if r.Lease != nil {
		l = *r.Lease
	}
	return l, errorFromCode(r.Error, r.Message)
}
