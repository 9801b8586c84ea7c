// Package inmemory is a lease.Store for a single process. It backs the
// coordinator when the cluster backend is "memory" and in tests.
package inmemory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
)

type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]lease.Lease
	token  uint64
}

var _ lease.Store = &Store{}

type Option func(*Store)

// WithClock replaces time.Now as the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		leases: map[string]lease.Lease{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the lease when it has not expired; expired leases are
// dropped on access.
func (s *Store) live(key string, now time.Time) (lease.Lease, bool) {
	l, ok := s.leases[key]
	if !ok {
		return lease.Lease{}, false
	}
	if !now.Before(l.ExpiresAt) {
		delete(s.leases, key)
		return lease.Lease{}, false
	}
	return l, true
}

func (s *Store) Acquire(ctx context.Context, grant lease.Grant) (lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.live(grant.Key, now)
	if ok && l.Holder != grant.Holder {
		return l, lease.ErrHeld
	}
	if !ok {
		s.token++
		l = lease.Lease{Key: grant.Key, Holder: grant.Holder, Node: grant.Node, Token: s.token}
	}
	l.Meta = grant.Meta
	l.ExpiresAt = now.Add(grant.TTL)
	s.leases[grant.Key] = l
	return l, nil
}

func (s *Store) Renew(ctx context.Context, key string, holder string, token uint64, ttl time.Duration) (lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.live(key, now)
	if !ok || l.Holder != holder || l.Token != token {
		return lease.Lease{}, lease.ErrNotHeld
	}
	l.ExpiresAt = now.Add(ttl)
	s.leases[key] = l
	return l, nil
}

func (s *Store) Release(ctx context.Context, key string, holder string, token uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(key, s.now())
	if !ok {
		return nil
	}
	if l.Holder != holder || l.Token != token {
		return lease.ErrNotHeld
	}
	delete(s.leases, key)
	return nil
}

func (s *Store) ForceRelease(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, key)
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(key, s.now())
	if !ok {
		return lease.Lease{}, lease.ErrNotFound
	}
	return l, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]lease.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var res []lease.Lease
	for key := range s.leases {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if l, ok := s.live(key, now); ok {
			res = append(res, l)
		}
	}
	slices.SortFunc(res, func(a, b lease.Lease) int { return strings.Compare(a.Key, b.Key) })
	return res, nil
}
