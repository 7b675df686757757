// Package db provides the narrow database-handle abstraction leasekeeper's
// store types are built on. It deliberately does not wrap every query behind
// a generated Queries struct — store types in pkg/lease, pkg/host, pkg/pool
// and pkg/hostplugin each own their SQL, following the same DBTX pattern.
package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so stores can be
// handed either a pool connection or an in-flight transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505) on the given constraint name. Pass "" to match
// any unique violation regardless of constraint.
func UniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
