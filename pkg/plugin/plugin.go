// Package plugin defines the resource-type plugin contract (C6) and the
// registry the lease manager dispatches RPCs through. Each resource type
// (e.g. "physical:host") registers one Plugin under its key; lease event
// handling and RPC calls are routed to it by resource_type prefix.
package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
)

// ReservationValues carries the resource-type-specific fields of a
// reservation request or update, decoded from the request's "values" object.
type ReservationValues map[string]any

// Plugin is the contract a resource-type backend implements to participate
// in lease lifecycle events and RPCs.
type Plugin interface {
	// CreateReservation allocates resources for a newly created reservation
	// and returns the resource id (e.g. the backing pool's id) the lease
	// manager should persist on the reservation row.
	CreateReservation(ctx context.Context, leaseID, reservationID uuid.UUID, values ReservationValues, start, end time.Time) (resourceID uuid.UUID, err error)
	// UpdateReservation re-evaluates an existing reservation's allocation
	// after its values or window changed.
	UpdateReservation(ctx context.Context, reservationID uuid.UUID, values ReservationValues, start, end time.Time) error
	// OnStart runs when the owning lease's start_date is reached.
	OnStart(ctx context.Context, reservationID uuid.UUID) error
	// OnEnd runs when the owning lease's end_date is reached.
	OnEnd(ctx context.Context, reservationID uuid.UUID) error
	// DeleteReservation releases all resources held by a reservation.
	DeleteReservation(ctx context.Context, reservationID uuid.UUID) error
}

// ValuesLoader is implemented by resource-type backends that persist their
// reservation-specific fields in their own side table rather than on the
// reservations row. Callers that only hold a reservation id (e.g. the lease
// manager reapplying an update) use it to rehydrate the values a fresh
// UpdateReservation call needs.
type ValuesLoader interface {
	LoadValues(ctx context.Context, reservationID uuid.UUID) (ReservationValues, error)
}

// AllocationsLister is implemented by resource-type backends that can list
// the concrete resources currently allocated to a reservation (pool-level
// introspection). Not every backend supports this; callers type-assert.
type AllocationsLister interface {
	GetAllocations(ctx context.Context, reservationID uuid.UUID) ([]uuid.UUID, error)
}

// Registry maps resource_type identifiers to their Plugin implementation.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry creates an empty plugin Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register binds resourceType to impl, overwriting any prior binding.
func (r *Registry) Register(resourceType string, impl Plugin) {
	r.plugins[resourceType] = impl
}

// Get returns the Plugin registered for resourceType.
func (r *Registry) Get(resourceType string) (Plugin, error) {
	p, ok := r.plugins[resourceType]
	if !ok {
		return nil, apperror.New(apperror.KindUnsupportedResourceType, fmt.Sprintf("no plugin registered for resource type %q", resourceType))
	}
	return p, nil
}

// Types returns the resource types currently registered.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.plugins))
	for t := range r.plugins {
		types = append(types, t)
	}
	return types
}
