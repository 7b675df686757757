// Package pool implements reservation pools (C5): named groupings of
// compute hosts, including the special "freepool" every host joins on
// registration and leaves on deletion.
package pool

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/internal/db"
)

// Pool is a named group of compute hosts.
type Pool struct {
	ID   uuid.UUID
	Name string
}

// Store provides database operations for pools and their membership.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a pool Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Create registers a new, empty pool.
func (s *Store) Create(ctx context.Context, name string) (Pool, error) {
	var p Pool
	err := s.dbtx.QueryRow(ctx, `INSERT INTO pools (name) VALUES ($1) RETURNING id, name`, name).Scan(&p.ID, &p.Name)
	if err != nil {
		if db.UniqueViolation(err, "") {
			return Pool{}, apperror.New(apperror.KindAggregateAlreadyHasHost, fmt.Sprintf("pool %q already exists", name))
		}
		return Pool{}, fmt.Errorf("creating pool: %w", err)
	}
	return p, nil
}

// Delete removes a pool by name. It fails if the pool still has members.
func (s *Store) Delete(ctx context.Context, name string) error {
	hosts, err := s.GetComputeHosts(ctx, name)
	if err != nil {
		return err
	}
	if len(hosts) > 0 {
		return apperror.New(apperror.KindAggregateHaveHost, fmt.Sprintf("pool %q still has %d host(s)", name, len(hosts)))
	}
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM pools WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindAggregateNotFound, fmt.Sprintf("pool %q not found", name))
	}
	return nil
}

// Get fetches a pool by name.
func (s *Store) Get(ctx context.Context, name string) (Pool, error) {
	var p Pool
	err := s.dbtx.QueryRow(ctx, `SELECT id, name FROM pools WHERE name = $1`, name).Scan(&p.ID, &p.Name)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Pool{}, apperror.New(apperror.KindAggregateNotFound, fmt.Sprintf("pool %q not found", name))
		}
		return Pool{}, fmt.Errorf("getting pool: %w", err)
	}
	return p, nil
}

// AddComputeHost adds hostID to the named pool. A host may belong to at most
// one pool besides the freepool; callers are expected to remove it from its
// current pool first.
func (s *Store) AddComputeHost(ctx context.Context, poolName string, hostID uuid.UUID) error {
	p, err := s.Get(ctx, poolName)
	if err != nil {
		return err
	}
	_, err = s.dbtx.Exec(ctx,
		`INSERT INTO pool_members (pool_id, host_id) VALUES ($1, $2)
		 ON CONFLICT (pool_id, host_id) DO NOTHING`,
		p.ID, hostID)
	if err != nil {
		return fmt.Errorf("adding host to pool: %w", err)
	}
	return nil
}

// RemoveComputeHost removes hostID from the named pool.
func (s *Store) RemoveComputeHost(ctx context.Context, poolName string, hostID uuid.UUID) error {
	p, err := s.Get(ctx, poolName)
	if err != nil {
		return err
	}
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM pool_members WHERE pool_id = $1 AND host_id = $2`, p.ID, hostID)
	if err != nil {
		return fmt.Errorf("removing host from pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindHostNotInFreePool, fmt.Sprintf("host is not a member of pool %q", poolName))
	}
	return nil
}

// GetComputeHosts lists the ids of hosts belonging to the named pool.
func (s *Store) GetComputeHosts(ctx context.Context, poolName string) ([]uuid.UUID, error) {
	rows, err := s.dbtx.Query(ctx,
		`SELECT pm.host_id FROM pool_members pm JOIN pools p ON p.id = pm.pool_id WHERE p.name = $1`,
		poolName)
	if err != nil {
		return nil, fmt.Errorf("listing pool members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pool member row: %w", err)
		}
		ids = append(ids, id)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return ids, nil
}

// EnsureFreepool creates freepoolName if it does not already exist. Called
// once at startup so host registration always has a freepool to join.
func (s *Store) EnsureFreepool(ctx context.Context, freepoolName string) error {
	_, err := s.Get(ctx, freepoolName)
	if err == nil {
		return nil
	}
	if !apperror.Is(err, apperror.KindAggregateNotFound) {
		return err
	}
	_, err = s.Create(ctx, freepoolName)
	return err
}
