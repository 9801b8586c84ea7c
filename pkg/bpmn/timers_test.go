package bpmn

import (
	"testing"
	"time"

	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerCatchEventFiresWhenDue(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "timer_event.yaml")
	instance := engine.start(t, "timer-event", nil)
	delay := engine.tokens(t, instance.Id, "delay")
	require.Len(t, delay, 1)
	require.True(t, delay[0].IsWaiting(runtime.WaitTimer))
	assert.Equal(t, engine.clock.Now().Add(time.Minute), *delay[0].Wait.DueAt)

	// when
	early, err := engine.ProcessDueWaits(t.Context(), engine.clock.Now().Add(30*time.Second))
	require.NoError(t, err)

	// then
	assert.Equal(t, 0, early)
	assert.Equal(t, runtime.InstanceRunning, engine.instance(t, instance.Id).State)

	// when
	engine.clock.Add(2 * time.Minute)
	require.NoError(t, engine.SweepDueWaits(t.Context()))

	// then
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)
}

func TestSuspendedInstanceTimersWaitForResume(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "timer_event.yaml")
	instance := engine.start(t, "timer-event", nil)
	require.NoError(t, engine.Suspend(t.Context(), instance.Id, "holiday"))

	// when
	engine.clock.Add(time.Hour)
	fired, err := engine.ProcessDueWaits(t.Context(), engine.clock.Now())

	// then
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
	assert.Equal(t, runtime.InstanceSuspended, engine.instance(t, instance.Id).State)

	// when
	require.NoError(t, engine.Resume(t.Context(), instance.Id))

	// then
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)
}

func TestSuspendedTimersDoNotCrowdOutRunningOnes(t *testing.T) {
	// setup
	engine := newTestEngine(t, EngineWithSweep(1, 1))
	engine.deploy(t, "timer_event.yaml")
	suspended := engine.start(t, "timer-event", nil)
	require.NoError(t, engine.Suspend(t.Context(), suspended.Id, "holiday"))
	running := engine.start(t, "timer-event", nil)

	// given
	engine.clock.Add(48 * time.Hour)

	// when
	fired, err := engine.ProcessDueWaits(t.Context(), engine.clock.Now())

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, running.Id).State)
	assert.Equal(t, runtime.InstanceSuspended, engine.instance(t, suspended.Id).State)
}

func TestSweepSkipsBusyInstances(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "timer_event.yaml")
	instance := engine.start(t, "timer-event", nil)
	lock, err := engine.locker.LockInstance(t.Context(), instance.Id)
	require.NoError(t, err)

	// when
	fired, err := engine.ProcessDueWaits(t.Context(), engine.clock.Now().Add(time.Hour))

	// then
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
	require.NoError(t, lock.Unlock(t.Context()))
	fired, err = engine.ProcessDueWaits(t.Context(), engine.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestFailedAttemptsAreRetriedWithBackoff(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "retry_task.yaml")
	var attempts []int

	// given
	h := engine.NewTaskHandler().Type("flaky").Handler(func(job ActivatedJob) {
		attempts = append(attempts, job.Attempt())
		if job.Attempt() < 3 {
			job.Fail("temporarily unavailable")
			return
		}
		job.Complete()
	})
	defer engine.RemoveHandler(h)

	// when
	instance := engine.start(t, "retry-task", nil)

	// then
	assert.Equal(t, runtime.InstanceRunning, instance.State)
	flaky := engine.tokens(t, instance.Id, "flaky")[0]
	require.True(t, flaky.IsWaiting(runtime.WaitRetry))
	assert.Equal(t, engine.clock.Now().Add(10*time.Second), *flaky.Wait.DueAt)
	assert.Equal(t, "temporarily unavailable", flaky.LastError)

	// when
	engine.clock.Add(10 * time.Second)
	require.NoError(t, engine.SweepDueWaits(t.Context()))

	// then
	flaky = engine.tokens(t, instance.Id, "flaky")[0]
	require.True(t, flaky.IsWaiting(runtime.WaitRetry))
	assert.Equal(t, engine.clock.Now().Add(20*time.Second), *flaky.Wait.DueAt)

	// when
	engine.clock.Add(20 * time.Second)
	require.NoError(t, engine.SweepDueWaits(t.Context()))

	// then
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)
}

func TestExhaustedRetriesRaiseIncidentThatCanBeResolved(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "retry_task.yaml")
	healthy := false
	h := engine.NewTaskHandler().Type("flaky").Handler(func(job ActivatedJob) {
		if !healthy {
			job.Fail("down")
			return
		}
		job.Complete()
	})
	defer engine.RemoveHandler(h)

	// given
	instance := engine.start(t, "retry-task", nil)
	for range 2 {
		engine.clock.Add(time.Minute)
		require.NoError(t, engine.SweepDueWaits(t.Context()))
	}
	failed := engine.instance(t, instance.Id)
	require.Equal(t, runtime.InstanceFailed, failed.State)
	incidents, err := engine.FindIncidents(t.Context(), instance.Id)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "flaky", incidents[0].NodeId)
	assert.Equal(t, 3, engine.tokens(t, instance.Id, "flaky")[0].Attempts)

	// when
	healthy = true
	require.NoError(t, engine.ResolveIncident(t.Context(), incidents[0].Key))

	// then
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)
	incidents, err = engine.FindIncidents(t.Context(), instance.Id)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.NotNil(t, incidents[0].ResolvedAt)
}

func TestInterruptingTimerBoundaryWithdrawsActivity(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "boundary_events.yaml")
	instance := engine.start(t, "boundary-events", nil)
	task := engine.openTask(t, instance.Id, "review")
	timeout := engine.tokens(t, instance.Id, "timeout")
	require.Len(t, timeout, 1)
	require.True(t, timeout[0].IsWaiting(runtime.WaitTimer))

	// when
	engine.clock.Add(2 * time.Hour)
	require.NoError(t, engine.SweepDueWaits(t.Context()))

	// then
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)
	review := engine.tokens(t, instance.Id, "review")
	require.Len(t, review, 1)
	assert.Equal(t, runtime.ActivityWithdrawn, review[0].State)
	assert.Len(t, engine.tokens(t, instance.Id, "escalated"), 1)
	assert.Empty(t, engine.tokens(t, instance.Id, "end"))
	remind := engine.tokens(t, instance.Id, "remind")
	require.Len(t, remind, 1)
	assert.Equal(t, runtime.ActivityWithdrawn, remind[0].State)
	cancelled, err := engine.GetTask(t.Context(), task.Id)
	require.NoError(t, err)
	assert.Equal(t, runtime.TaskCancelled, cancelled.Status)
}

func TestNonInterruptingSignalBoundaryForksAndRearms(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.deploy(t, "boundary_events.yaml")
	cp := CallPath{}
	h := engine.NewTaskHandler().Type("reminder").Handler(cp.TaskHandler)
	defer engine.RemoveHandler(h)
	instance := engine.start(t, "boundary-events", nil)

	// when
	for range 2 {
		resumed, err := engine.Signal(t.Context(), instance.Id, "remind", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, resumed)
	}

	// then
	assert.Equal(t, "send-reminder,send-reminder", cp.CallPath)
	assert.Equal(t, runtime.InstanceRunning, engine.instance(t, instance.Id).State)
	assert.True(t, engine.tokens(t, instance.Id, "review")[0].IsWaiting(runtime.WaitUserTask))
	remind := engine.tokens(t, instance.Id, "remind")
	require.Len(t, remind, 3)
	assert.True(t, remind[2].IsWaiting(runtime.WaitSignal))

	// when
	task := engine.openTask(t, instance.Id, "review")
	_, err := engine.completeTask(t, task.Id, nil, "done")
	require.NoError(t, err)

	// then
	assert.Equal(t, runtime.InstanceCompleted, engine.instance(t, instance.Id).State)
	for _, token := range engine.tokens(t, instance.Id, "timeout") {
		assert.Equal(t, runtime.ActivityWithdrawn, token.State)
	}
}

func TestRetryDelayGrowsUpToMaxInterval(t *testing.T) {
	policy := &model.RetryPolicy{MaxAttempts: 10, InitialInterval: "PT1S", MaxInterval: "PT5S"}
	var delays []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		d, err := retryDelay(policy, attempt)
		require.NoError(t, err)
		delays = append(delays, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, delays)
}

func TestAddISODuration(t *testing.T) {
	from := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	due, err := addISODuration("P1DT2H", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 14, 0, 0, 0, time.UTC), due)

	_, err = addISODuration("soon", from)
	assert.Error(t, err)
}
