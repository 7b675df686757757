// Package dispatcher implements the event dispatcher (C8): a periodic
// timer that claims the earliest due UNDONE event and spawns its handler,
// grounded on the same ticker-loop shape used elsewhere in this codebase
// for periodic background work.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/internal/telemetry"
	"github.com/nimbusresv/leasekeeper/pkg/lease"
)

// EventStore is the subset of lease.Store the dispatcher needs to claim and
// resolve events, kept narrow so it can be faked in tests.
type EventStore interface {
	ClaimNextDueEvent(ctx context.Context, now time.Time) (*lease.Event, error)
	SetEventStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Handlers is the set of lease lifecycle callbacks the dispatcher invokes by
// event type.
type Handlers interface {
	StartLease(ctx context.Context, leaseID, eventID uuid.UUID) error
	EndLease(ctx context.Context, leaseID, eventID uuid.UUID) error
	BeforeEndLease(ctx context.Context, leaseID, eventID uuid.UUID) error
}

// Dispatcher periodically claims and fires due lease events.
type Dispatcher struct {
	store    EventStore
	handlers Handlers
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(store EventStore, handlers Handlers, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, handlers: handlers, logger: logger}
}

// Run ticks every interval until ctx is cancelled. Each tick claims at most
// one due event and spawns its handler without joining it, per the
// single-dispatcher concurrency model: parallel dispatchers would need a
// distributed lock, which this process does not provide.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	d.logger.Info("event dispatcher started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("event dispatcher stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	telemetry.DispatcherTicksTotal.Inc()

	evt, err := d.store.ClaimNextDueEvent(ctx, time.Now().UTC())
	if err != nil {
		d.logger.Error("claiming next due event failed", "error", err)
		return
	}
	if evt == nil {
		return
	}

	go d.handle(context.WithoutCancel(ctx), *evt)
}

func (d *Dispatcher) handle(ctx context.Context, evt lease.Event) {
	start := time.Now()
	outcome := "done"
	defer func() {
		telemetry.EventHandleDuration.WithLabelValues(evt.EventType).Observe(time.Since(start).Seconds())
		telemetry.EventsHandledTotal.WithLabelValues(evt.EventType, outcome).Inc()
	}()

	var err error
	switch evt.EventType {
	case lease.EventStartLease:
		err = d.handlers.StartLease(ctx, evt.LeaseID, evt.ID)
	case lease.EventEndLease:
		err = d.handlers.EndLease(ctx, evt.LeaseID, evt.ID)
	case lease.EventBeforeEndLease:
		err = d.handlers.BeforeEndLease(ctx, evt.LeaseID, evt.ID)
	default:
		err = apperror.New(apperror.KindEventError, "unknown event type "+evt.EventType)
	}

	if err != nil {
		outcome = "error"
		d.logger.Error("event handler failed", "event_id", evt.ID, "event_type", evt.EventType, "error", err)
		if setErr := d.store.SetEventStatus(ctx, evt.ID, lease.EventError); setErr != nil {
			d.logger.Error("failed to mark event ERROR", "event_id", evt.ID, "error", setErr)
		}
	}
}
