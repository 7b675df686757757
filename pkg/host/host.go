// Package host implements the host catalog and the host matcher (C4): given
// a set of DSL-translated constraints and a [start,end) window, it returns
// the compute hosts eligible to satisfy a reservation request.
package host

import (
	"time"

	"github.com/google/uuid"
)

// Host is a row in the host catalog.
type Host struct {
	ID                 uuid.UUID
	HypervisorHostname string
	ServiceName        string
	TrustID            string
	Capabilities        map[string]string
	CreatedAt           time.Time
}

// FreePeriod is a maximal sub-interval during which a host has no
// conflicting allocation.
type FreePeriod struct {
	Start time.Time
	End   time.Time
}
