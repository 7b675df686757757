package hostplugin

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimbusresv/leasekeeper/internal/db"
)

// Reservation is the physical:host-specific row backing a lease reservation.
type Reservation struct {
	ID                   uuid.UUID
	LeaseID              uuid.UUID
	Min                  int
	Max                  int
	HypervisorProperties string
	ResourceProperties   string
	CountRange           string
	// ChargedSU is the service-unit total currently encumbered against the
	// owning project for this reservation's allocation, so a later update
	// or termination can release exactly that amount via ledger.Adjust.
	ChargedSU float64
}

// Store provides database operations for physical:host reservation rows.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Create inserts a host_reservations row for a newly created reservation.
func (s *Store) Create(ctx context.Context, r Reservation) error {
	_, err := s.dbtx.Exec(ctx,
		`INSERT INTO host_reservations (id, lease_id, min_hosts, max_hosts, hypervisor_properties, resource_properties, count_range, charged_su)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.LeaseID, r.Min, r.Max, r.HypervisorProperties, r.ResourceProperties, r.CountRange, r.ChargedSU)
	if err != nil {
		return fmt.Errorf("creating host reservation: %w", err)
	}
	return nil
}

// Get fetches a host_reservations row by reservation id.
func (s *Store) Get(ctx context.Context, reservationID uuid.UUID) (Reservation, error) {
	var r Reservation
	err := s.dbtx.QueryRow(ctx,
		`SELECT id, lease_id, min_hosts, max_hosts, hypervisor_properties, resource_properties, count_range, charged_su
		 FROM host_reservations WHERE id = $1`,
		reservationID).Scan(&r.ID, &r.LeaseID, &r.Min, &r.Max, &r.HypervisorProperties, &r.ResourceProperties, &r.CountRange, &r.ChargedSU)
	if err != nil {
		return Reservation{}, fmt.Errorf("getting host reservation: %w", err)
	}
	return r, nil
}

// Update overwrites the mutable fields of a host_reservations row.
func (s *Store) Update(ctx context.Context, r Reservation) error {
	_, err := s.dbtx.Exec(ctx,
		`UPDATE host_reservations SET min_hosts=$2, max_hosts=$3, hypervisor_properties=$4, resource_properties=$5, count_range=$6, charged_su=$7
		 WHERE id = $1`,
		r.ID, r.Min, r.Max, r.HypervisorProperties, r.ResourceProperties, r.CountRange, r.ChargedSU)
	if err != nil {
		return fmt.Errorf("updating host reservation: %w", err)
	}
	return nil
}

// Delete removes a host_reservations row.
func (s *Store) Delete(ctx context.Context, reservationID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM host_reservations WHERE id = $1`, reservationID)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("deleting host reservation: %w", err)
	}
	return nil
}

// AllocatedHostIDs lists the hosts currently allocated to reservationID.
func (s *Store) AllocatedHostIDs(ctx context.Context, reservationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT host_id FROM host_allocations WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("listing reservation allocations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning allocation row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
