// Package hostplugin implements "physical:host", the compute-host resource
// plugin (C6): it turns a reservation's min/max host count and property
// filters into concrete host allocations via pkg/host's matcher, tracks the
// allocated hosts in a reservation-scoped pool, and charges the owning
// project's usage ledger for the hours actually allocated.
package hostplugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/pkg/host"
	"github.com/nimbusresv/leasekeeper/pkg/ledger"
	"github.com/nimbusresv/leasekeeper/pkg/plugin"
	"github.com/nimbusresv/leasekeeper/pkg/pool"
)

// LeaseLookup resolves the owning project of a lease, used to charge the
// usage ledger without importing pkg/lease directly.
type LeaseLookup interface {
	ProjectID(ctx context.Context, leaseID uuid.UUID) (string, error)
	UserID(ctx context.Context, leaseID uuid.UUID) (string, error)
}

// Plugin is the physical:host resource plugin.
type Plugin struct {
	matcher *host.Matcher
	hosts   *host.Store
	pools   *pool.Store
	store   *Store
	ledger  *ledger.Ledger
	leases  LeaseLookup
	logger  *slog.Logger
}

// New creates the physical:host Plugin.
func New(matcher *host.Matcher, hosts *host.Store, pools *pool.Store, store *Store, ledger *ledger.Ledger, leases LeaseLookup, logger *slog.Logger) *Plugin {
	return &Plugin{matcher: matcher, hosts: hosts, pools: pools, store: store, ledger: ledger, leases: leases, logger: logger}
}

var _ plugin.Plugin = (*Plugin)(nil)

// chargeHours admits requestedSU = hours * actual host count against the
// lease's project and returns the amount admitted, so the caller can record
// it as the reservation's current charge for later release. The resolved
// Open Question: both the initial allocation and any subsequent re-match
// charge on the actual number of hosts held, not on max_hosts.
func (p *Plugin) chargeHours(ctx context.Context, leaseID uuid.UUID, start, end time.Time, hostCount int) (float64, error) {
	if hostCount == 0 {
		return 0, nil
	}
	project, err := p.leases.ProjectID(ctx, leaseID)
	if err != nil {
		return 0, fmt.Errorf("resolving lease project: %w", err)
	}
	user, err := p.leases.UserID(ctx, leaseID)
	if err != nil {
		return 0, fmt.Errorf("resolving lease user: %w", err)
	}
	hours := end.Sub(start).Hours()
	requested := hours * float64(hostCount)
	if err := p.ledger.Admit(ctx, project, user, requested); err != nil {
		return 0, err
	}
	return requested, nil
}

// releaseCharge adjusts the owning project's encumbered total down by the
// full chargedSU, undoing a prior chargeHours admission; it computes no
// difference between actual and encumbered usage.
func (p *Plugin) releaseCharge(ctx context.Context, leaseID uuid.UUID, chargedSU float64) error {
	if chargedSU == 0 {
		return nil
	}
	project, err := p.leases.ProjectID(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("resolving lease project: %w", err)
	}
	return p.ledger.Adjust(ctx, project, -chargedSU)
}

// CreateReservation matches eligible hosts, charges the ledger for the
// actual count found, and creates a fresh reservation-scoped pool (empty
// until the lease starts — see OnStart) whose id becomes the reservation's
// resource_id.
func (p *Plugin) CreateReservation(ctx context.Context, leaseID, reservationID uuid.UUID, values plugin.ReservationValues, start, end time.Time) (uuid.UUID, error) {
	minHosts, maxHosts, hvProps, resProps, err := decodeValues(values)
	if err != nil {
		return uuid.Nil, err
	}

	ids, err := p.matcher.Match(ctx, hvProps, resProps, minHosts, maxHosts, start, end)
	if err != nil {
		return uuid.Nil, err
	}

	chargedSU, err := p.chargeHours(ctx, leaseID, start, end, len(ids))
	if err != nil {
		return uuid.Nil, err
	}

	reservationPool, err := p.pools.Create(ctx, reservationID.String())
	if err != nil {
		return uuid.Nil, err
	}

	if err := p.store.Create(ctx, Reservation{
		ID: reservationID, LeaseID: leaseID, Min: minHosts, Max: maxHosts,
		HypervisorProperties: rawOf(values["hypervisor_properties"]),
		ResourceProperties:   rawOf(values["resource_properties"]),
		CountRange:           fmt.Sprintf("%d-%d", minHosts, maxHosts),
		ChargedSU:            chargedSU,
	}); err != nil {
		return uuid.Nil, err
	}

	for _, id := range ids {
		if err := p.hosts.AddAllocation(ctx, id, reservationID, start, end); err != nil {
			return uuid.Nil, err
		}
	}
	p.logger.Info("physical:host reservation created", "reservation_id", reservationID, "host_count", len(ids))
	return reservationPool.ID, nil
}

// UpdateReservation re-runs the matcher for the new window and replaces the
// allocation set. The disturbed-allocation/running-VM-eviction policy from
// §4.6 step 2 belongs to the physical:host backend's live inventory check,
// which this in-process plugin does not have; it always treats every
// existing allocation as disturbed and re-matches for the full new count.
func (p *Plugin) UpdateReservation(ctx context.Context, reservationID uuid.UUID, values plugin.ReservationValues, start, end time.Time) error {
	existing, err := p.store.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	minHosts, maxHosts, hvProps, resProps, err := decodeValues(values)
	if err != nil {
		return err
	}

	allocated, err := p.store.AllocatedHostIDs(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, id := range allocated {
		if err := p.hosts.RemoveAllocation(ctx, id, reservationID); err != nil {
			return err
		}
		_ = p.pools.RemoveComputeHost(ctx, reservationID.String(), id)
	}

	ids, err := p.matcher.Match(ctx, hvProps, resProps, minHosts, maxHosts, start, end)
	if err != nil {
		return err
	}

	if err := p.releaseCharge(ctx, existing.LeaseID, existing.ChargedSU); err != nil {
		return err
	}
	chargedSU, err := p.chargeHours(ctx, existing.LeaseID, start, end, len(ids))
	if err != nil {
		return err
	}

	existing.Min, existing.Max = minHosts, maxHosts
	existing.CountRange = fmt.Sprintf("%d-%d", minHosts, maxHosts)
	existing.ChargedSU = chargedSU
	if err := p.store.Update(ctx, existing); err != nil {
		return err
	}

	for _, id := range ids {
		if err := p.hosts.AddAllocation(ctx, id, reservationID, start, end); err != nil {
			return err
		}
	}
	p.logger.Info("physical:host reservation updated", "reservation_id", reservationID, "host_count", len(ids))
	return nil
}

// OnStart adds every host allocated to the reservation into its pool, so
// downstream schedulers can route workloads to it.
func (p *Plugin) OnStart(ctx context.Context, reservationID uuid.UUID) error {
	ids, err := p.store.AllocatedHostIDs(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := p.pools.AddComputeHost(ctx, reservationID.String(), id); err != nil {
			return err
		}
	}
	p.logger.Info("physical:host reservation started", "reservation_id", reservationID, "host_count", len(ids))
	return nil
}

// OnEnd releases every host allocation and pool membership held by the
// reservation, deletes its pool, and releases the reservation's full
// charged SU from the owning project's encumbered total. Actual usage is
// not settled: nothing is added to the used counter and the release does
// not depend on how long the hosts were held. Calling OnEnd on an already-completed
// reservation is a no-op: AllocatedHostIDs returns nothing once the
// allocations are gone, so no duplicate release or pool deletion re-fires.
func (p *Plugin) OnEnd(ctx context.Context, reservationID uuid.UUID) error {
	ids, err := p.store.AllocatedHostIDs(ctx, reservationID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		_ = p.pools.RemoveComputeHost(ctx, reservationID.String(), id)
		if err := p.hosts.RemoveAllocation(ctx, id, reservationID); err != nil {
			return err
		}
	}
	if err := p.pools.Delete(ctx, reservationID.String()); err != nil {
		p.logger.Warn("failed to delete reservation pool on end", "reservation_id", reservationID, "error", err)
	}

	existing, err := p.store.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	if err := p.releaseCharge(ctx, existing.LeaseID, existing.ChargedSU); err != nil {
		return err
	}

	p.logger.Info("physical:host reservation ended", "reservation_id", reservationID, "host_count", len(ids))
	return nil
}

// DeleteReservation mirrors OnEnd's cleanup and additionally drops the
// host_reservations row. It is reached through the lease manager's
// delete_reservation dispatch method; lease deletion calls OnEnd instead.
func (p *Plugin) DeleteReservation(ctx context.Context, reservationID uuid.UUID) error {
	if err := p.OnEnd(ctx, reservationID); err != nil {
		return err
	}
	return p.store.Delete(ctx, reservationID)
}

// LoadValues rehydrates a reservation's min/max host count and property
// filters from its host_reservations row, used by the lease manager when
// reapplying an update without the caller having resubmitted every field.
func (p *Plugin) LoadValues(ctx context.Context, reservationID uuid.UUID) (plugin.ReservationValues, error) {
	r, err := p.store.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	return plugin.ReservationValues{
		"min":                   r.Min,
		"max":                   r.Max,
		"hypervisor_properties": r.HypervisorProperties,
		"resource_properties":   r.ResourceProperties,
	}, nil
}

var _ plugin.ValuesLoader = (*Plugin)(nil)

// GetAllocations lists the host ids currently allocated to reservationID,
// exposed over RPC as physical:host:get_allocations for pool introspection.
func (p *Plugin) GetAllocations(ctx context.Context, reservationID uuid.UUID) ([]uuid.UUID, error) {
	return p.store.AllocatedHostIDs(ctx, reservationID)
}

var _ plugin.AllocationsLister = (*Plugin)(nil)

func decodeValues(values plugin.ReservationValues) (min, max int, hvProps, resProps any, err error) {
	min, err = intField(values, "min")
	if err != nil {
		return 0, 0, nil, nil, err
	}
	max, err = intField(values, "max")
	if err != nil {
		return 0, 0, nil, nil, err
	}
	if max < min {
		return 0, 0, nil, nil, apperror.New(apperror.KindMalformedParameter, "max must be >= min")
	}
	hvProps = values["hypervisor_properties"]
	resProps = values["resource_properties"]
	return min, max, hvProps, resProps, nil
}

func intField(values plugin.ReservationValues, key string) (int, error) {
	v, ok := values[key]
	if !ok {
		return 0, apperror.New(apperror.KindMissingParameter, fmt.Sprintf("missing required field %q", key))
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, apperror.New(apperror.KindMalformedParameter, fmt.Sprintf("field %q must be a number", key))
	}
}

func rawOf(v any) string {
	s, ok := v.(string)
	if !ok {
		return "[]"
	}
	return s
}
