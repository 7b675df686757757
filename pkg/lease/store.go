package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/internal/db"
)

// Store provides database operations for leases, their events,
// reservations, and state history.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a lease Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// ProjectID resolves a lease's owning project. Satisfies hostplugin.LeaseLookup.
func (s *Store) ProjectID(ctx context.Context, leaseID uuid.UUID) (string, error) {
	var projectID string
	err := s.dbtx.QueryRow(ctx, `SELECT project_id FROM leases WHERE id = $1`, leaseID).Scan(&projectID)
	if err != nil {
		return "", fmt.Errorf("resolving lease project_id: %w", err)
	}
	return projectID, nil
}

// UserID resolves a lease's owning user. Satisfies hostplugin.LeaseLookup.
func (s *Store) UserID(ctx context.Context, leaseID uuid.UUID) (string, error) {
	var userID string
	err := s.dbtx.QueryRow(ctx, `SELECT user_id FROM leases WHERE id = $1`, leaseID).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("resolving lease user_id: %w", err)
	}
	return userID, nil
}

// CreateLease inserts the lease row.
func (s *Store) CreateLease(ctx context.Context, l Lease) (Lease, error) {
	query := `INSERT INTO leases (id, name, project_id, user_id, trust_id, start_date, end_date, status)
	          VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	          RETURNING id, name, project_id, user_id, trust_id, start_date, end_date, status, created_at, updated_at`
	var out Lease
	err := s.dbtx.QueryRow(ctx, query, l.ID, l.Name, l.ProjectID, l.UserID, l.TrustID, l.StartDate, l.EndDate, l.Status).Scan(
		&out.ID, &out.Name, &out.ProjectID, &out.UserID, &out.TrustID, &out.StartDate, &out.EndDate, &out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		if db.UniqueViolation(err, "") {
			return Lease{}, apperror.New(apperror.KindLeaseNameAlreadyExists, fmt.Sprintf("lease name %q already exists", l.Name))
		}
		return Lease{}, fmt.Errorf("creating lease: %w", err)
	}
	return out, nil
}

// GetLease fetches a lease by id, including its reservations and events.
func (s *Store) GetLease(ctx context.Context, id uuid.UUID) (Lease, error) {
	query := `SELECT id, name, project_id, user_id, trust_id, start_date, end_date, status, created_at, updated_at
	          FROM leases WHERE id = $1`
	var l Lease
	err := s.dbtx.QueryRow(ctx, query, id).Scan(
		&l.ID, &l.Name, &l.ProjectID, &l.UserID, &l.TrustID, &l.StartDate, &l.EndDate, &l.Status, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Lease{}, apperror.New(apperror.KindLeaseNotFound, fmt.Sprintf("lease %s not found", id))
		}
		return Lease{}, fmt.Errorf("getting lease: %w", err)
	}
	reservations, err := s.ListReservations(ctx, id)
	if err != nil {
		return Lease{}, err
	}
	l.Reservations = reservations
	events, err := s.ListEvents(ctx, id)
	if err != nil {
		return Lease{}, err
	}
	l.Events = events
	return l, nil
}

// ListLeases returns every lease, optionally filtered by project id.
func (s *Store) ListLeases(ctx context.Context, projectID string) ([]Lease, error) {
	var rows pgx.Rows
	var err error
	if projectID == "" {
		rows, err = s.dbtx.Query(ctx, `SELECT id FROM leases ORDER BY created_at DESC`)
	} else {
		rows, err = s.dbtx.Query(ctx, `SELECT id FROM leases WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("listing leases: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	result := make([]Lease, 0, len(ids))
	for _, id := range ids {
		l, err := s.GetLease(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, nil
}

// UpdateLeaseWindow updates a lease's start/end date and touches updated_at.
func (s *Store) UpdateLeaseWindow(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE leases SET start_date=$2, end_date=$3, updated_at=now() WHERE id=$1`, id, start, end)
	if err != nil {
		return fmt.Errorf("updating lease window: %w", err)
	}
	return nil
}

// RenameLease updates only a lease's name.
func (s *Store) RenameLease(ctx context.Context, id uuid.UUID, name string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE leases SET name=$2, updated_at=now() WHERE id=$1`, id, name)
	if err != nil {
		if db.UniqueViolation(err, "") {
			return apperror.New(apperror.KindLeaseNameAlreadyExists, fmt.Sprintf("lease name %q already exists", name))
		}
		return fmt.Errorf("renaming lease: %w", err)
	}
	return nil
}

// SetLeaseStatus updates a lease's status column.
func (s *Store) SetLeaseStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE leases SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	return err
}

// DeleteLease cascades to reservations, events, and lease_states.
func (s *Store) DeleteLease(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM leases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting lease: %w", err)
	}
	return nil
}

// CreateReservation inserts a reservation row.
// CreateReservation inserts a reservation row. r.Values is not persisted
// here; resource-type-specific fields live in that plugin's own side table
// (e.g. hostplugin's host_reservations).
func (s *Store) CreateReservation(ctx context.Context, r Reservation) (Reservation, error) {
	query := `INSERT INTO reservations (id, lease_id, resource_id, resource_type, status)
	          VALUES ($1,$2,$3,$4,$5)
	          RETURNING id, lease_id, resource_id, resource_type, status`
	var out Reservation
	var resourceID *uuid.UUID
	if r.ResourceID != uuid.Nil {
		resourceID = &r.ResourceID
	}
	err := s.dbtx.QueryRow(ctx, query, r.ID, r.LeaseID, resourceID, r.ResourceType, r.Status).Scan(
		&out.ID, &out.LeaseID, &out.ResourceID, &out.ResourceType, &out.Status,
	)
	if err != nil {
		return Reservation{}, fmt.Errorf("creating reservation: %w", err)
	}
	out.Values = r.Values
	return out, nil
}

// ListReservations lists every reservation belonging to a lease.
func (s *Store) ListReservations(ctx context.Context, leaseID uuid.UUID) ([]Reservation, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT id, lease_id, resource_id, resource_type, status FROM reservations WHERE lease_id = $1 ORDER BY created_at`,
		leaseID)
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	defer rows.Close()

	var result []Reservation
	for rows.Next() {
		var r Reservation
		var resourceID *uuid.UUID
		if err := rows.Scan(&r.ID, &r.LeaseID, &resourceID, &r.ResourceType, &r.Status); err != nil {
			return nil, fmt.Errorf("scanning reservation row: %w", err)
		}
		if resourceID != nil {
			r.ResourceID = *resourceID
		}
		result = append(result, r)
	}
	return result, nil
}

// SetReservationStatus updates a reservation's status column.
func (s *Store) SetReservationStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE reservations SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	return err
}

// CreateEvent inserts an event row.
func (s *Store) CreateEvent(ctx context.Context, e Event) (Event, error) {
	query := `INSERT INTO events (id, lease_id, event_type, time, status)
	          VALUES ($1,$2,$3,$4,$5)
	          RETURNING id, lease_id, event_type, time, status`
	var out Event
	err := s.dbtx.QueryRow(ctx, query, e.ID, e.LeaseID, e.EventType, e.Time, e.Status).Scan(
		&out.ID, &out.LeaseID, &out.EventType, &out.Time, &out.Status,
	)
	if err != nil {
		return Event{}, fmt.Errorf("creating event: %w", err)
	}
	return out, nil
}

// ListEvents lists every event belonging to a lease, ordered (time asc, id asc).
func (s *Store) ListEvents(ctx context.Context, leaseID uuid.UUID) ([]Event, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT id, lease_id, event_type, time, status FROM events WHERE lease_id = $1 ORDER BY time, id`,
		leaseID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.LeaseID, &e.EventType, &e.Time, &e.Status); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		result = append(result, e)
	}
	return result, nil
}

// GetEventByType fetches the single event of a given type for a lease, if any.
func (s *Store) GetEventByType(ctx context.Context, leaseID uuid.UUID, eventType string) (*Event, error) {
	query := `SELECT id, lease_id, event_type, time, status FROM events WHERE lease_id = $1 AND event_type = $2 LIMIT 1`
	var e Event
	err := s.dbtx.QueryRow(ctx, query, leaseID, eventType).Scan(&e.ID, &e.LeaseID, &e.EventType, &e.Time, &e.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("getting event by type: %w", err)
	}
	return &e, nil
}

// UpdateEventTime reschedules an event and, when resetStatus is true, also
// sets its status to UNDONE (used by update_lease rescheduling the before-end event).
func (s *Store) UpdateEventTime(ctx context.Context, id uuid.UUID, t time.Time, resetStatus bool) error {
	if resetStatus {
		_, err := s.dbtx.Exec(ctx, `UPDATE events SET time=$2, status=$3, updated_at=now() WHERE id=$1`, id, t, EventUndone)
		return err
	}
	_, err := s.dbtx.Exec(ctx, `UPDATE events SET time=$2, updated_at=now() WHERE id=$1`, id, t)
	return err
}

// SetEventStatus updates an event's status column.
func (s *Store) SetEventStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE events SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	return err
}

// ClaimNextDueEvent atomically finds the earliest UNDONE event with time <=
// now and transitions it to IN_PROGRESS. Returns nil, nil if none is due.
// The subquery's FOR UPDATE SKIP LOCKED row lock is what makes the
// UNDONE -> IN_PROGRESS transition atomic under concurrent dispatchers: a
// row another dispatcher has locked is skipped rather than claimed twice.
func (s *Store) ClaimNextDueEvent(ctx context.Context, now time.Time) (*Event, error) {
	query := `UPDATE events SET status=$1, updated_at=now()
	          WHERE id = (
	            SELECT id FROM events
	            WHERE status = $2 AND time <= $3
	            ORDER BY time ASC, id ASC
	            LIMIT 1
	            FOR UPDATE SKIP LOCKED
	          )
	          RETURNING id, lease_id, event_type, time, status`
	var e Event
	err := s.dbtx.QueryRow(ctx, query, EventInProgress, EventUndone, now).Scan(
		&e.ID, &e.LeaseID, &e.EventType, &e.Time, &e.Status,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming next due event: %w", err)
	}
	return &e, nil
}

// RecordState appends a LeaseState projection row.
func (s *Store) RecordState(ctx context.Context, st LeaseState) error {
	_, err := s.dbtx.Exec(ctx,
		`INSERT INTO lease_states (lease_id, action, status, status_reason) VALUES ($1,$2,$3,$4)`,
		st.LeaseID, st.Action, st.Status, st.StatusReason)
	if err != nil {
		return fmt.Errorf("recording lease state: %w", err)
	}
	return nil
}
