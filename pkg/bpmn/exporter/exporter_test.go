package exporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestDispatcherDeliversEvents(t *testing.T) {
	// setup
	target := &recordingNotifier{}
	d := NewDispatcher(target, 10, 2, nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go d.Run(ctx)

	// when
	for range 5 {
		require.NoError(t, d.Notify(ctx, Event{Intent: InstanceStarted}))
	}

	// then
	assert.Eventually(t, func() bool { return target.count() == 5 }, time.Second, 5*time.Millisecond)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	// given a dispatcher without running workers
	d := NewDispatcher(&recordingNotifier{}, 1, 1, nil, nil)
	require.NoError(t, d.Notify(t.Context(), Event{Intent: InstanceStarted}))

	// when
	err := d.Notify(t.Context(), Event{Intent: InstanceCompleted})

	// then
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, d.Pending())
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	// setup
	var calls atomic.Int32
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	n := NewWebhookNotifier([]string{srv.URL}, 5, WebhookWithBackOff(fastBackOff))

	// when
	err := n.Notify(t.Context(), Event{Id: "e1", Intent: TaskCreated, TaskId: 7})

	// then
	assert.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(7), received.TaskId)
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	n := NewWebhookNotifier([]string{srv.URL}, 5, WebhookWithBackOff(fastBackOff))

	err := n.Notify(t.Context(), Event{Id: "e1"})

	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMultiCollectsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	full := NewDispatcher(ok, 1, 1, nil, nil)
	require.NoError(t, full.Notify(t.Context(), Event{}))

	err := Multi{ok, full}.Notify(t.Context(), Event{Intent: InstanceFailed})

	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, ok.count())
}
