package bpmn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenworkflow/pkg/otel"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
	"github.com/senseyeio/duration"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryInitialInterval = time.Second
	defaultRetryMultiplier      = 2.0
	defaultRetryMaxInterval     = 10 * time.Minute
)

// ProcessDueWaits fires timers and retries that are due at now. Instances are
// advanced in parallel up to the sweep concurrency; busy and suspended
// instances are skipped and picked up by a later sweep. It returns the
// number of fired waits.
func (engine *Engine) ProcessDueWaits(ctx context.Context, now time.Time) (fired int, err error) {
	ctx, span := engine.tracer.Start(ctx, "timers:sweep")
	defer func() {
		span.SetAttributes(attribute.Int(otelPkg.AttributeDueWaitsFired, fired))
		endSpan(span, err)
	}()

	due, err := engine.storage.FindDueWaits(ctx, now, engine.sweepBatch)
	if err != nil {
		return 0, errors.Join(newEngineErrorf("failed to find due waits"), err)
	}
	var instanceIds []string
	seen := map[string]struct{}{}
	for _, a := range due {
		if _, ok := seen[a.InstanceId]; !ok {
			seen[a.InstanceId] = struct{}{}
			instanceIds = append(instanceIds, a.InstanceId)
		}
	}

	var total atomic.Int64
	var mu sync.Mutex
	var errs error
	var g errgroup.Group
	g.SetLimit(engine.sweepLimit)
	for _, instanceId := range instanceIds {
		g.Go(func() error {
			n, err := engine.fireInstanceDueWaits(ctx, instanceId, now)
			if errors.Is(err, zenerr.ErrInstanceBusy) {
				engine.logger.Debug("skipping busy process instance", "instanceId", instanceId)
				return nil
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			total.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()
	return int(total.Load()), errs
}

// SweepDueWaits is ProcessDueWaits at the engine clock, in the shape of a
// cluster leader duty.
func (engine *Engine) SweepDueWaits(ctx context.Context) error {
	fired, err := engine.ProcessDueWaits(ctx, engine.now())
	if fired > 0 {
		engine.logger.Debug("fired due waits", "count", fired)
	}
	return err
}

func (engine *Engine) fireInstanceDueWaits(ctx context.Context, instanceId string, now time.Time) (int, error) {
	fired := 0
	err := engine.withInstance(ctx, instanceId, "fire-due-waits", func(run *instanceRun) error {
		if run.instance.State != runtime.InstanceRunning {
			return nil
		}
		n, err := run.fireDueWaits(now)
		fired = n
		return err
	})
	return fired, err
}

// fireDueWaits resolves the timer and retry waits of the run that are due
// and runs the pass.
func (run *instanceRun) fireDueWaits(now time.Time) (int, error) {
	due := run.activeTokens(func(a *runtime.ActivityInstance) bool {
		return a.Wait != nil && a.Wait.Kind.IsDue() && a.Wait.DueAt != nil && !a.Wait.DueAt.After(now)
	})
	fired := 0
	for _, a := range due {
		if run.halted || a.State != runtime.ActivityActive || a.Wait == nil {
			continue
		}
		switch {
		case a.Wait.Kind == runtime.WaitRetry:
			a.Wait = nil
			run.touch(a)
			run.queue = append(run.queue, a.Id)
		case a.AttachedToId != 0:
			if err := run.fireBoundary(a); err != nil {
				return 0, err
			}
		default:
			run.leave(a)
		}
		fired++
	}
	if err := run.runQueue(); err != nil {
		return 0, err
	}
	return fired, nil
}

// addISODuration shifts from by an ISO 8601 duration such as PT30S or P1D.
func addISODuration(iso string, from time.Time) (time.Time, error) {
	d, err := duration.ParseISO8601(iso)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ISO 8601 duration %q: %w", iso, err)
	}
	return d.Shift(from), nil
}

func isoInterval(iso string, fallback time.Duration) (time.Duration, error) {
	if iso == "" {
		return fallback, nil
	}
	from := time.Unix(0, 0).UTC()
	to, err := addISODuration(iso, from)
	if err != nil {
		return 0, err
	}
	return to.Sub(from), nil
}

// retryDelay returns the delay before the given failed attempt is retried.
// Attempt 1 waits the initial interval, every further attempt grows by the
// multiplier up to the max interval.
func retryDelay(policy *model.RetryPolicy, attempt int) (time.Duration, error) {
	initial, err := isoInterval(policy.InitialInterval, defaultRetryInitialInterval)
	if err != nil {
		return 0, err
	}
	maxInterval, err := isoInterval(policy.MaxInterval, defaultRetryMaxInterval)
	if err != nil {
		return 0, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = defaultRetryMultiplier
	if policy.Multiplier > 0 {
		b.Multiplier = policy.Multiplier
	}
	b.RandomizationFactor = 0
	b.Reset()

	var delay time.Duration
	for range max(attempt, 1) {
		delay = b.NextBackOff()
	}
	return delay, nil
}
