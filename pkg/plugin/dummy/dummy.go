// Package dummy implements "dummy.vm.plugin", the default no-op resource
// plugin. It accepts any reservation request without allocating real
// resources, useful for exercising the lease lifecycle in development and
// tests without a physical:host backend configured.
package dummy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/pkg/plugin"
)

// Plugin is the no-op resource plugin.
type Plugin struct {
	logger *slog.Logger
}

// New creates a dummy Plugin.
func New(logger *slog.Logger) *Plugin {
	return &Plugin{logger: logger}
}

var _ plugin.Plugin = (*Plugin)(nil)

func (p *Plugin) CreateReservation(ctx context.Context, leaseID, reservationID uuid.UUID, values plugin.ReservationValues, start, end time.Time) (uuid.UUID, error) {
	p.logger.Info("dummy plugin: reservation created", "lease_id", leaseID, "reservation_id", reservationID)
	return uuid.Nil, nil
}

func (p *Plugin) UpdateReservation(ctx context.Context, reservationID uuid.UUID, values plugin.ReservationValues, start, end time.Time) error {
	p.logger.Info("dummy plugin: reservation updated", "reservation_id", reservationID)
	return nil
}

func (p *Plugin) OnStart(ctx context.Context, reservationID uuid.UUID) error {
	p.logger.Info("dummy plugin: reservation started", "reservation_id", reservationID)
	return nil
}

func (p *Plugin) OnEnd(ctx context.Context, reservationID uuid.UUID) error {
	p.logger.Info("dummy plugin: reservation ended", "reservation_id", reservationID)
	return nil
}

func (p *Plugin) DeleteReservation(ctx context.Context, reservationID uuid.UUID) error {
	p.logger.Info("dummy plugin: reservation deleted", "reservation_id", reservationID)
	return nil
}
