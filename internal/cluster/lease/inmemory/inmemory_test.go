package inmemory

import (
	"sync"
	"testing"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease/leasetest"
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

func TestInMemoryLeaseStore(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := New(WithClock(clock.Now))
	tester := &leasetest.LeaseTester{}
	for name, test := range tester.GetTests() {
		t.Run(name, test(store, clock.Advance, t))
	}
}
