package host

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/internal/db"
)

// Freepool is the subset of pool.Store the host catalog needs to keep a
// host's freepool membership in sync with its registration lifecycle,
// narrowed to avoid an import cycle with pkg/pool.
type Freepool interface {
	AddComputeHost(ctx context.Context, poolName string, hostID uuid.UUID) error
	RemoveComputeHost(ctx context.Context, poolName string, hostID uuid.UUID) error
}

// Store provides database operations for the host catalog, its capability
// side table, and the allocation ledger used by the matcher.
type Store struct {
	dbtx         db.DBTX
	pools        Freepool
	freepoolName string
}

// NewStore creates a host Store backed by the given database connection.
// Every host Create joins freepoolName; every Delete leaves it.
func NewStore(dbtx db.DBTX, pools Freepool, freepoolName string) *Store {
	return &Store{dbtx: dbtx, pools: pools, freepoolName: freepoolName}
}

// Create registers a new compute host in the catalog.
func (s *Store) Create(ctx context.Context, h Host) (Host, error) {
	query := `INSERT INTO hosts (hypervisor_hostname, service_name, trust_id)
	          VALUES ($1, $2, $3)
	          RETURNING id, hypervisor_hostname, service_name, trust_id, created_at`
	var out Host
	err := s.dbtx.QueryRow(ctx, query, h.HypervisorHostname, h.ServiceName, h.TrustID).Scan(
		&out.ID, &out.HypervisorHostname, &out.ServiceName, &out.TrustID, &out.CreatedAt,
	)
	if err != nil {
		return Host{}, fmt.Errorf("creating host: %w", err)
	}
	out.Capabilities = map[string]string{}

	if err := s.pools.AddComputeHost(ctx, s.freepoolName, out.ID); err != nil {
		return Host{}, fmt.Errorf("adding host to freepool: %w", err)
	}
	return out, nil
}

// Get fetches a host by id, including its capability rows.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Host, error) {
	query := `SELECT id, hypervisor_hostname, service_name, trust_id, created_at FROM hosts WHERE id = $1`
	var h Host
	err := s.dbtx.QueryRow(ctx, query, id).Scan(&h.ID, &h.HypervisorHostname, &h.ServiceName, &h.TrustID, &h.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Host{}, apperror.New(apperror.KindHostNotFound, fmt.Sprintf("host %s not found", id))
		}
		return Host{}, fmt.Errorf("getting host: %w", err)
	}
	caps, err := s.capabilities(ctx, id)
	if err != nil {
		return Host{}, err
	}
	h.Capabilities = caps
	return h, nil
}

// Delete removes a host, first dropping its freepool membership; its
// capability and pool_members rows FK-cascade with the host. Allocation rows
// do not cascade, so deleting a host that still has host_allocations rows
// fails on the foreign key.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.pools.RemoveComputeHost(ctx, s.freepoolName, id); err != nil {
		return fmt.Errorf("removing host from freepool: %w", err)
	}

	tag, err := s.dbtx.Exec(ctx, `DELETE FROM hosts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindHostNotFound, fmt.Sprintf("host %s not found", id))
	}
	return nil
}

// List returns every host in the catalog, capabilities included.
func (s *Store) List(ctx context.Context) ([]Host, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT id, hypervisor_hostname, service_name, trust_id, created_at FROM hosts ORDER BY hypervisor_hostname`)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var result []Host
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.ID, &h.HypervisorHostname, &h.ServiceName, &h.TrustID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning host row: %w", err)
		}
		result = append(result, h)
	}
	for i := range result {
		caps, err := s.capabilities(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Capabilities = caps
	}
	if result == nil {
		result = []Host{}
	}
	return result, nil
}

func (s *Store) capabilities(ctx context.Context, hostID uuid.UUID) (map[string]string, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT name, value FROM host_capabilities WHERE host_id = $1`, hostID)
	if err != nil {
		return nil, fmt.Errorf("listing host capabilities: %w", err)
	}
	defer rows.Close()

	caps := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scanning capability row: %w", err)
		}
		caps[name] = value
	}
	return caps, nil
}

// AddExtraCapability sets (or overwrites) a single capability on a host.
func (s *Store) AddExtraCapability(ctx context.Context, hostID uuid.UUID, name, value string) error {
	_, err := s.dbtx.Exec(ctx,
		`INSERT INTO host_capabilities (host_id, name, value) VALUES ($1, $2, $3)
		 ON CONFLICT (host_id, name) DO UPDATE SET value = EXCLUDED.value`,
		hostID, name, value)
	if err != nil {
		return fmt.Errorf("setting host capability: %w", err)
	}
	return nil
}

// RemoveExtraCapability drops a capability from a host.
func (s *Store) RemoveExtraCapability(ctx context.Context, hostID uuid.UUID, name string) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM host_capabilities WHERE host_id = $1 AND name = $2`, hostID, name)
	return err
}

// MatchingIDs returns the ids of hosts whose built-in columns and capability
// rows satisfy every filter in filters. Filters come from pkg/requirements'
// Translate and look like "vcpus >= 4" or "memory == 8192".
func (s *Store) MatchingIDs(ctx context.Context, filters []string) ([]uuid.UUID, error) {
	hosts, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
outer:
	for _, h := range hosts {
		props := map[string]string{
			"hypervisor_hostname": h.HypervisorHostname,
			"service_name":        h.ServiceName,
		}
		for k, v := range h.Capabilities {
			props[k] = v
		}
		for _, f := range filters {
			if !satisfies(props, f) {
				continue outer
			}
		}
		ids = append(ids, h.ID)
	}
	return ids, nil
}

// satisfies evaluates a single translated filter ("name op literal") against
// a host's flattened property map. Numeric comparisons are attempted first;
// on parse failure the comparison falls back to a string-equality semantic
// for "==" and "!=" (all other operators require a numeric value).
func satisfies(props map[string]string, filter string) bool {
	var name, op, literal string
	for _, candidate := range []string{" >= ", " <= ", " == ", " != ", " > ", " < "} {
		if idx := strings.Index(filter, candidate); idx >= 0 {
			name = filter[:idx]
			op = strings.TrimSpace(candidate)
			literal = filter[idx+len(candidate):]
			break
		}
	}
	if name == "" {
		return false
	}
	actual, ok := props[name]
	if !ok {
		return false
	}
	return compare(actual, op, literal)
}

// AddAllocation records a host as committed to a reservation for [start,end).
func (s *Store) AddAllocation(ctx context.Context, hostID, reservationID uuid.UUID, start, end time.Time) error {
	_, err := s.dbtx.Exec(ctx,
		`INSERT INTO host_allocations (id, host_id, reservation_id, start_date, end_date) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), hostID, reservationID, start, end)
	if err != nil {
		return fmt.Errorf("adding host allocation: %w", err)
	}
	return nil
}

// RemoveAllocation drops the allocation tying reservationID to hostID.
func (s *Store) RemoveAllocation(ctx context.Context, hostID, reservationID uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM host_allocations WHERE host_id = $1 AND reservation_id = $2`, hostID, reservationID)
	return err
}

// overlapping returns the [start,end) windows during which hostID is already
// allocated and overlaps [from,to).
func (s *Store) overlapping(ctx context.Context, hostID uuid.UUID, from, to time.Time) ([]FreePeriod, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT start_date, end_date FROM host_allocations
		 WHERE host_id = $1 AND start_date < $3 AND end_date > $2
		 ORDER BY start_date`,
		hostID, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing host allocations: %w", err)
	}
	defer rows.Close()

	var result []FreePeriod
	for rows.Next() {
		var p FreePeriod
		if err := rows.Scan(&p.Start, &p.End); err != nil {
			return nil, fmt.Errorf("scanning allocation row: %w", err)
		}
		result = append(result, p)
	}
	return result, nil
}

// EverAllocated reports whether hostID has ever had an allocation recorded,
// regardless of window.
func (s *Store) EverAllocated(ctx context.Context, hostID uuid.UUID) (bool, error) {
	var count int
	err := s.dbtx.QueryRow(ctx, `SELECT COUNT(*) FROM host_allocations WHERE host_id = $1`, hostID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking host allocation history: %w", err)
	}
	return count > 0, nil
}
