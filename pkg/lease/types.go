package lease

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format for lease start/end dates: UTC, minute
// resolution. The literal "now" is also accepted for start_date.
const DateLayout = "2006-01-02 15:04"

// Status values for a Lease.
const (
	StatusActive   = "active"
	StatusPending  = "pending"
	StatusError    = "error"
	StatusTerminal = "terminal"
)

// Reservation status values.
const (
	ReservationPending   = "pending"
	ReservationActive    = "active"
	ReservationCompleted = "completed"
	ReservationError     = "error"
)

// Event type and status values.
const (
	EventStartLease     = "start_lease"
	EventEndLease       = "end_lease"
	EventBeforeEndLease = "before_end_lease"

	EventUndone     = "UNDONE"
	EventInProgress = "IN_PROGRESS"
	EventDone       = "DONE"
	EventError      = "ERROR"
)

// LeaseState action/status values.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionStart  = "START"
	ActionStop   = "STOP"

	StateInProgress = "IN_PROGRESS"
	StateComplete   = "COMPLETE"
	StateFailed     = "FAILED"
)

// Lease is a time-bounded holding of one or more reservations.
type Lease struct {
	ID           uuid.UUID
	Name         string
	ProjectID    string
	UserID       string
	TrustID      string
	StartDate    time.Time
	EndDate      time.Time
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Reservations []Reservation
	Events       []Event
}

// Reservation is a resource-type-specific subclaim within a lease.
type Reservation struct {
	ID           uuid.UUID
	LeaseID      uuid.UUID
	ResourceID   uuid.UUID
	ResourceType string
	Status       string
	Values       map[string]any
}

// Event is a scheduled lifecycle transition for a lease.
type Event struct {
	ID        uuid.UUID
	LeaseID   uuid.UUID
	EventType string
	Time      time.Time
	Status    string
}

// LeaseState is a persisted projection of the latest lifecycle action taken
// against a lease.
type LeaseState struct {
	LeaseID      uuid.UUID
	Action       string
	Status       string
	StatusReason string
	CreatedAt    time.Time
}

// CreateReservationRequest is the wire shape of one entry in create_lease's
// reservations[] array: resource_type plus every other field, which are
// passed through to the plugin verbatim as Values.
type CreateReservationRequest struct {
	ResourceType string
	Values       map[string]any
}

// UnmarshalJSON pulls resource_type out and keeps every other key as Values,
// since the shape of Values is resource-type-specific and opaque to the
// lease manager.
func (r *CreateReservationRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	resourceType, _ := raw["resource_type"].(string)
	delete(raw, "resource_type")
	r.ResourceType = resourceType
	r.Values = raw
	return nil
}

// CreateRequest is the wire shape of create_lease's values.
type CreateRequest struct {
	Name                   string                      `json:"name"`
	TrustID                string                      `json:"trust_id"`
	ProjectID              string                      `json:"project_id"`
	UserID                 string                      `json:"user_id"`
	StartDate              string                      `json:"start_date"`
	EndDate                string                      `json:"end_date"`
	BeforeEndNotification  *string                     `json:"before_end_notification"`
	Reservations           []CreateReservationRequest  `json:"reservations"`
}

// UpdateRequest is the wire shape of update_lease's values. Fields are
// pointers so "not present" is distinguishable from "present and empty".
type UpdateRequest struct {
	Name                  *string `json:"name"`
	StartDate             *string `json:"start_date"`
	EndDate               *string `json:"end_date"`
	BeforeEndNotification *string `json:"before_end_notification"`
}
