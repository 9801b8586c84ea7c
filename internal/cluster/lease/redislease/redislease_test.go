package redislease

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pbinitiative/zenworkflow/internal/cluster/lease"
	"github.com/pbinitiative/zenworkflow/internal/cluster/lease/leasetest"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaseStore(t *testing.T) {
	addr := os.Getenv("ZENWORKFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ZENWORKFLOW_TEST_REDIS_ADDR not set")
	}
	// setup
	store := New(Config{
		Addr:   addr,
		Prefix: fmt.Sprintf("zenworkflow-test-%d:", time.Now().UnixNano()),
	})
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Ping(context.Background()))

	tester := &leasetest.LeaseTester{}
	for name, test := range tester.GetTests() {
		t.Run(name, test(store, time.Sleep, t))
	}
}

func TestScriptErrorMapsSentinels(t *testing.T) {
	require.ErrorIs(t, scriptError(fmt.Errorf("HELD")), lease.ErrHeld)
	require.ErrorIs(t, scriptError(fmt.Errorf("NOTHELD")), lease.ErrNotHeld)
	require.EqualError(t, scriptError(fmt.Errorf("ERR unknown")), "ERR unknown")
}
