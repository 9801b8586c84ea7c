package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type EngineMetrics struct {
	ProcessesStarted   metric.Int64Counter
	ProcessesEnded     metric.Int64Counter
	ProcessesRunning   metric.Int64UpDownCounter
	JobsCreated        metric.Int64Counter
	JobsCompleted      metric.Int64Counter
	JobsFailed         metric.Int64Counter
	TasksCreated       metric.Int64Counter
	TasksCompleted     metric.Int64Counter
	LockContention     metric.Int64Counter
	HandlerFailures    metric.Int64Counter
	IncidentsCreated   metric.Int64Counter
	NotificationsDrops metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	processesStartedTotal, err := meter.Int64Counter("processes_started", metric.WithDescription("Number of processes started"))
	errJoin = errors.Join(errJoin, err)

	processesEndedTotal, err := meter.Int64Counter("processes_ended", metric.WithDescription("Number of processes that reached a terminal state"))
	errJoin = errors.Join(errJoin, err)

	processesRunning, err := meter.Int64UpDownCounter("processes_running", metric.WithDescription("Number of processes currently running"))
	errJoin = errors.Join(errJoin, err)

	jobsCreated, err := meter.Int64Counter("jobs_created", metric.WithDescription("Number of external jobs created"))
	errJoin = errors.Join(errJoin, err)

	jobsCompleted, err := meter.Int64Counter("jobs_completed", metric.WithDescription("Number of external jobs completed"))
	errJoin = errors.Join(errJoin, err)

	jobsFailed, err := meter.Int64Counter("jobs_failed", metric.WithDescription("Number of external jobs failed"))
	errJoin = errors.Join(errJoin, err)

	tasksCreated, err := meter.Int64Counter("human_tasks_created", metric.WithDescription("Number of human tasks created"))
	errJoin = errors.Join(errJoin, err)

	tasksCompleted, err := meter.Int64Counter("human_tasks_completed", metric.WithDescription("Number of human tasks completed"))
	errJoin = errors.Join(errJoin, err)

	lockContention, err := meter.Int64Counter("instance_lock_contention", metric.WithDescription("Number of operations rejected because the instance was busy"))
	errJoin = errors.Join(errJoin, err)

	handlerFailures, err := meter.Int64Counter("handler_failures", metric.WithDescription("Number of failed task handler invocations"))
	errJoin = errors.Join(errJoin, err)

	incidentsCreated, err := meter.Int64Counter("incidents_created", metric.WithDescription("Number of incidents created"))
	errJoin = errors.Join(errJoin, err)

	notificationDrops, err := meter.Int64Counter("notifications_dropped", metric.WithDescription("Number of engine events dropped by the notification dispatcher"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		ProcessesStarted:   processesStartedTotal,
		ProcessesEnded:     processesEndedTotal,
		ProcessesRunning:   processesRunning,
		JobsCreated:        jobsCreated,
		JobsCompleted:      jobsCompleted,
		JobsFailed:         jobsFailed,
		TasksCreated:       tasksCreated,
		TasksCompleted:     tasksCompleted,
		LockContention:     lockContention,
		HandlerFailures:    handlerFailures,
		IncidentsCreated:   incidentsCreated,
		NotificationsDrops: notificationDrops,
	}
	return &metrics, errJoin
}

// NewNoopMetrics returns metrics that record nothing.
func NewNoopMetrics() *EngineMetrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	if err != nil {
		panic("[invariant check] noop meter failed: " + err.Error())
	}
	return m
}
