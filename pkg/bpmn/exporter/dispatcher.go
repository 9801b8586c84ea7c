package exporter

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var ErrQueueFull = errors.New("notification queue is full")

// Dispatcher decouples the engine from slow notifiers. Events are queued in a
// bounded buffer and delivered by a fixed number of workers; when the buffer
// is full the event is dropped and counted.
type Dispatcher struct {
	target  Notifier
	events  chan Event
	workers int
	drops   metric.Int64Counter
	logger  hclog.Logger
}

var _ Notifier = &Dispatcher{}

func NewDispatcher(target Notifier, buffer int, workers int, drops metric.Int64Counter, logger hclog.Logger) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Dispatcher{
		target:  target,
		events:  make(chan Event, buffer),
		workers: workers,
		drops:   drops,
		logger:  logger.Named("dispatcher"),
	}
}

// Notify enqueues the event without blocking.
func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	select {
	case d.events <- event:
		return nil
	default:
		if d.drops != nil {
			d.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", string(event.Intent))))
		}
		d.logger.Warn("dropping event", "intent", event.Intent, "instance", event.InstanceId)
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range d.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case event := <-d.events:
					if err := d.target.Notify(ctx, event); err != nil {
						d.logger.Error("failed to deliver event", "intent", event.Intent, "instance", event.InstanceId, "err", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.events)
}
