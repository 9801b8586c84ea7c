// Package leasetest holds the behavioural test suite every lease.Store
// implementation has to pass.
package leasetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Advance moves the store clock forward. Stores running on a real clock
// sleep instead.
type Advance func(d time.Duration)

type LeaseTestFunc func(s lease.Store, advance Advance, t *testing.T) func(t *testing.T)

type LeaseTester struct {
	seq atomic.Int64
}

func (lt *LeaseTester) GetTests() map[string]LeaseTestFunc {
	return map[string]LeaseTestFunc{
		"TestAcquireIsExclusive":       lt.TestAcquireIsExclusive,
		"TestReacquireRenews":          lt.TestReacquireRenews,
		"TestExpiredLeaseIsTakenOver":  lt.TestExpiredLeaseIsTakenOver,
		"TestRenewRequiresOwnership":   lt.TestRenewRequiresOwnership,
		"TestReleaseRequiresOwnership": lt.TestReleaseRequiresOwnership,
		"TestForceRelease":             lt.TestForceRelease,
		"TestListByPrefix":             lt.TestListByPrefix,
		"TestConcurrentAcquire":        lt.TestConcurrentAcquire,
	}
}

// key returns a key unique to one test run so that suites may share a
// backend.
func (lt *LeaseTester) key(prefix string) string {
	return fmt.Sprintf("%st%d-%d", prefix, time.Now().UnixNano(), lt.seq.Add(1))
}

func grant(key, holder string, ttl time.Duration) lease.Grant {
	return lease.Grant{Key: key, Holder: holder, Node: holder, TTL: ttl}
}

func (lt *LeaseTester) TestAcquireIsExclusive(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := lt.key(lease.LockPrefix)

		first, err := s.Acquire(ctx, lease.Grant{Key: key, Holder: "a", Node: "node-a", TTL: time.Minute, Meta: map[string]string{"addr": "a:8080"}})
		require.NoError(t, err)
		assert.Equal(t, key, first.Key)
		assert.Equal(t, "a", first.Holder)
		assert.Equal(t, "node-a", first.Node)
		assert.Equal(t, "a:8080", first.Meta["addr"])
		assert.NotZero(t, first.Token)

		_, err = s.Acquire(ctx, grant(key, "b", time.Minute))
		assert.ErrorIs(t, err, lease.ErrHeld)

		stored, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first.Token, stored.Token)
		assert.Equal(t, "a", stored.Holder)
	}
}

func (lt *LeaseTester) TestReacquireRenews(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := lt.key(lease.NodePrefix)

		first, err := s.Acquire(ctx, grant(key, "a", time.Second))
		require.NoError(t, err)
		second, err := s.Acquire(ctx, grant(key, "a", time.Minute))
		require.NoError(t, err)

		assert.Equal(t, first.Token, second.Token)
		assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
	}
}

func (lt *LeaseTester) TestExpiredLeaseIsTakenOver(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := lt.key(lease.LockPrefix)

		first, err := s.Acquire(ctx, grant(key, "a", 200*time.Millisecond))
		require.NoError(t, err)

		advance(400 * time.Millisecond)

		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, lease.ErrNotFound)
		second, err := s.Acquire(ctx, grant(key, "b", time.Minute))
		require.NoError(t, err)
		assert.Equal(t, "b", second.Holder)
		assert.Greater(t, second.Token, first.Token)

		_, err = s.Renew(ctx, key, "a", first.Token, time.Minute)
		assert.ErrorIs(t, err, lease.ErrNotHeld)
	}
}

func (lt *LeaseTester) TestRenewRequiresOwnership(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := lt.key(lease.LockPrefix)

		l, err := s.Acquire(ctx, grant(key, "a", time.Second))
		require.NoError(t, err)

		_, err = s.Renew(ctx, key, "b", l.Token, time.Minute)
		assert.ErrorIs(t, err, lease.ErrNotHeld)
		_, err = s.Renew(ctx, key, "a", l.Token+1000, time.Minute)
		assert.ErrorIs(t, err, lease.ErrNotHeld)

		renewed, err := s.Renew(ctx, key, "a", l.Token, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, l.Token, renewed.Token)
		assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt))

		_, err = s.Renew(ctx, lt.key(lease.LockPrefix), "a", l.Token, time.Minute)
		assert.ErrorIs(t, err, lease.ErrNotHeld)
	}
}

func (lt *LeaseTester) TestReleaseRequiresOwnership(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := lt.key(lease.LockPrefix)

		l, err := s.Acquire(ctx, grant(key, "a", time.Minute))
		require.NoError(t, err)

		assert.ErrorIs(t, s.Release(ctx, key, "b", l.Token), lease.ErrNotHeld)
		require.NoError(t, s.Release(ctx, key, "a", l.Token))
		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, lease.ErrNotFound)

		// releasing twice is harmless
		assert.NoError(t, s.Release(ctx, key, "a", l.Token))
	}
}

func (lt *LeaseTester) TestForceRelease(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := lt.key(lease.LockPrefix)

		_, err := s.Acquire(ctx, grant(key, "a", time.Minute))
		require.NoError(t, err)

		require.NoError(t, s.ForceRelease(ctx, key))
		_, err = s.Get(ctx, key)
		assert.ErrorIs(t, err, lease.ErrNotFound)
		_, err = s.Acquire(ctx, grant(key, "b", time.Minute))
		assert.NoError(t, err)
	}
}

func (lt *LeaseTester) TestListByPrefix(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		prefix := lt.key("list-") + "/"

		for _, suffix := range []string{"c", "a", "b"} {
			_, err := s.Acquire(ctx, grant(prefix+suffix, suffix, time.Minute))
			require.NoError(t, err)
		}
		_, err := s.Acquire(ctx, grant(prefix+"short", "short", 200*time.Millisecond))
		require.NoError(t, err)
		_, err = s.Acquire(ctx, grant(lt.key("other-"), "x", time.Minute))
		require.NoError(t, err)

		advance(400 * time.Millisecond)

		leases, err := s.List(ctx, prefix)
		require.NoError(t, err)
		var keys []string
		for _, l := range leases {
			keys = append(keys, l.Key)
		}
		assert.Equal(t, []string{prefix + "a", prefix + "b", prefix + "c"}, keys)
	}
}

func (lt *LeaseTester) TestConcurrentAcquire(s lease.Store, advance Advance, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		key := lt.key(lease.LockPrefix)

		var wg sync.WaitGroup
		var winners atomic.Int32
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Acquire(ctx, grant(key, fmt.Sprintf("holder-%d", i), time.Minute)); err == nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	}
}
