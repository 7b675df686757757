// Package lease implements the lease manager (C7): lease CRUD, invariants
// on dates, reservation fan-out to resource-type plugins, and event
// bookkeeping. It also exposes the handlers the event dispatcher (C8)
// invokes for start_lease/end_lease/before_end_lease.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/internal/trust"
	"github.com/nimbusresv/leasekeeper/pkg/notify"
	"github.com/nimbusresv/leasekeeper/pkg/plugin"
)

// leaseStore is the subset of *Store the lease manager calls. Narrowing it
// to an interface (rather than depending on *Store directly) lets tests
// exercise CreateLease/UpdateLease/DeleteLease/Dispatch against an
// in-memory fake instead of a live Postgres connection.
type leaseStore interface {
	CreateLease(ctx context.Context, l Lease) (Lease, error)
	GetLease(ctx context.Context, id uuid.UUID) (Lease, error)
	ListLeases(ctx context.Context, projectID string) ([]Lease, error)
	UpdateLeaseWindow(ctx context.Context, id uuid.UUID, start, end time.Time) error
	RenameLease(ctx context.Context, id uuid.UUID, name string) error
	SetLeaseStatus(ctx context.Context, id uuid.UUID, status string) error
	DeleteLease(ctx context.Context, id uuid.UUID) error
	CreateReservation(ctx context.Context, r Reservation) (Reservation, error)
	SetReservationStatus(ctx context.Context, id uuid.UUID, status string) error
	CreateEvent(ctx context.Context, e Event) (Event, error)
	GetEventByType(ctx context.Context, leaseID uuid.UUID, eventType string) (*Event, error)
	UpdateEventTime(ctx context.Context, id uuid.UUID, t time.Time, resetStatus bool) error
	SetEventStatus(ctx context.Context, id uuid.UUID, status string) error
	RecordState(ctx context.Context, st LeaseState) error
}

// Service is the lease manager.
type Service struct {
	store                     leaseStore
	plugins                   *plugin.Registry
	notifier                  *notify.Registry
	trust                     trust.Resolver
	notifyHoursBeforeLeaseEnd int
	logger                    *slog.Logger
	now                       func() time.Time
}

// NewService creates a lease Service. notifyHoursBeforeLeaseEnd is
// manager.notify_hours_before_lease_end; 0 disables the before_end_lease event.
func NewService(store *Store, plugins *plugin.Registry, notifier *notify.Registry, resolver trust.Resolver, notifyHoursBeforeLeaseEnd int, logger *slog.Logger) *Service {
	return &Service{
		store: store, plugins: plugins, notifier: notifier, trust: resolver,
		notifyHoursBeforeLeaseEnd: notifyHoursBeforeLeaseEnd, logger: logger,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Minute) },
	}
}

// GetLease fetches a lease by id.
func (s *Service) GetLease(ctx context.Context, id uuid.UUID) (Lease, error) {
	return s.store.GetLease(ctx, id)
}

// ListLeases lists every lease, optionally filtered by project id.
func (s *Service) ListLeases(ctx context.Context, projectID string) ([]Lease, error) {
	return s.store.ListLeases(ctx, projectID)
}

// CreateLease validates and persists a new lease, fans reservations out to
// their resource-type plugins, and schedules its lifecycle events. Any
// reservation failure cascade-destroys the lease.
func (s *Service) CreateLease(ctx context.Context, req CreateRequest) (Lease, error) {
	if req.TrustID == "" {
		return Lease{}, apperror.New(apperror.KindMissingTrustId, "trust_id is required")
	}
	scope, err := s.trust.Resolve(ctx, req.TrustID)
	if err != nil {
		return Lease{}, err
	}

	now := s.now()
	start, err := parseStartDate(req.StartDate, now)
	if err != nil {
		return Lease{}, err
	}
	if start.Before(now) {
		return Lease{}, apperror.New(apperror.KindInvalidDate, "start_date must not be before now")
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return Lease{}, err
	}
	if end.Before(start) {
		return Lease{}, apperror.New(apperror.KindInvalidRange, "end_date must be >= start_date")
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = scope.ProjectID
	}
	userID := req.UserID
	if userID == "" {
		userID = scope.UserID
	}

	l, err := s.store.CreateLease(ctx, Lease{
		ID: uuid.New(), Name: req.Name, ProjectID: projectID, UserID: userID,
		TrustID: req.TrustID, StartDate: start, EndDate: end, Status: StatusPending,
	})
	if err != nil {
		return Lease{}, err
	}

	reservations, err := s.createReservations(ctx, l, req.Reservations, start, end)
	if err != nil {
		_ = s.store.DeleteLease(ctx, l.ID)
		return Lease{}, err
	}
	l.Reservations = reservations

	if err := s.scheduleLifecycleEvents(ctx, &l, req.BeforeEndNotification); err != nil {
		_ = s.store.DeleteLease(ctx, l.ID)
		return Lease{}, err
	}

	if err := s.store.RecordState(ctx, LeaseState{LeaseID: l.ID, Action: ActionCreate, Status: StateComplete}); err != nil {
		return Lease{}, err
	}
	s.notifier.Notify(ctx, notify.Notification{EventType: "lease.create", LeaseID: l.ID.String(), LeaseName: l.Name, Message: "lease created"})

	return s.store.GetLease(ctx, l.ID)
}

func (s *Service) createReservations(ctx context.Context, l Lease, reqs []CreateReservationRequest, start, end time.Time) ([]Reservation, error) {
	result := make([]Reservation, 0, len(reqs))
	for _, rr := range reqs {
		p, err := s.plugins.Get(rr.ResourceType)
		if err != nil {
			return nil, err
		}
		reservationID := uuid.New()
		resourceID, err := p.CreateReservation(ctx, l.ID, reservationID, rr.Values, start, end)
		if err != nil {
			return nil, err
		}
		r, err := s.store.CreateReservation(ctx, Reservation{
			ID: reservationID, LeaseID: l.ID, ResourceID: resourceID, ResourceType: rr.ResourceType, Status: ReservationPending,
		})
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

// scheduleLifecycleEvents inserts the start_lease/end_lease events and,
// unless disabled, a before_end_lease event.
func (s *Service) scheduleLifecycleEvents(ctx context.Context, l *Lease, beforeEndNotification *string) error {
	startEvt, err := s.store.CreateEvent(ctx, Event{ID: uuid.New(), LeaseID: l.ID, EventType: EventStartLease, Time: l.StartDate, Status: EventUndone})
	if err != nil {
		return err
	}
	endEvt, err := s.store.CreateEvent(ctx, Event{ID: uuid.New(), LeaseID: l.ID, EventType: EventEndLease, Time: l.EndDate, Status: EventUndone})
	if err != nil {
		return err
	}
	l.Events = []Event{startEvt, endEvt}

	beforeEndTime, ok, err := s.resolveBeforeEndTime(l.StartDate, l.EndDate, beforeEndNotification)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	evt, err := s.store.CreateEvent(ctx, Event{ID: uuid.New(), LeaseID: l.ID, EventType: EventBeforeEndLease, Time: beforeEndTime, Status: EventUndone})
	if err != nil {
		return err
	}
	l.Events = append(l.Events, evt)
	return nil
}

// resolveBeforeEndTime computes the before_end_lease event time. An
// explicit request value must fall strictly within (start, end); otherwise
// it defaults to end - N hours (N disabled by 0). A result before start is
// clamped to start with a logged warning.
func (s *Service) resolveBeforeEndTime(start, end time.Time, explicit *string) (time.Time, bool, error) {
	if explicit != nil && *explicit != "" {
		t, err := parseDate(*explicit)
		if err != nil {
			return time.Time{}, false, err
		}
		if !t.After(start) || !t.Before(end) {
			return time.Time{}, false, apperror.New(apperror.KindInvalidDate, "before_end_notification must fall strictly within (start_date, end_date)")
		}
		return t, true, nil
	}
	if s.notifyHoursBeforeLeaseEnd <= 0 {
		return time.Time{}, false, nil
	}
	t := end.Add(-time.Duration(s.notifyHoursBeforeLeaseEnd) * time.Hour)
	if t.Before(start) {
		s.logger.Warn("before_end_lease time clamped to start_date", "computed", t, "start_date", start)
		t = start
	}
	return t, true, nil
}

// UpdateLease validates the requested changes against the lease's current
// lifecycle position and re-runs reservation matching through each plugin.
func (s *Service) UpdateLease(ctx context.Context, id uuid.UUID, req UpdateRequest) (Lease, error) {
	l, err := s.store.GetLease(ctx, id)
	if err != nil {
		return Lease{}, err
	}
	now := s.now()

	if req.StartDate == nil && req.EndDate == nil && req.BeforeEndNotification == nil {
		if req.Name != nil {
			if err := s.store.RenameLease(ctx, id, *req.Name); err != nil {
				return Lease{}, err
			}
		}
		return s.store.GetLease(ctx, id)
	}

	started := !now.Before(l.StartDate)
	ended := now.After(l.EndDate)
	if ended {
		return Lease{}, apperror.New(apperror.KindInvalidState, "lease has ended; only its name may be changed")
	}

	start := l.StartDate
	if req.StartDate != nil {
		if started {
			return Lease{}, apperror.New(apperror.KindInvalidStateUpdate, "start_date is immutable once the lease has started")
		}
		parsed, err := parseDate(*req.StartDate)
		if err != nil {
			return Lease{}, err
		}
		if parsed.Before(now) {
			return Lease{}, apperror.New(apperror.KindInvalidDate, "start_date must be >= now")
		}
		start = parsed
	}

	end := l.EndDate
	if req.EndDate != nil {
		parsed, err := parseDate(*req.EndDate)
		if err != nil {
			return Lease{}, err
		}
		if parsed.Before(now) || parsed.Before(start) {
			return Lease{}, apperror.New(apperror.KindInvalidRange, "end_date must be >= now and >= start_date")
		}
		end = parsed
	}

	for _, r := range l.Reservations {
		p, err := s.plugins.Get(r.ResourceType)
		if err != nil {
			return Lease{}, err
		}
		values := r.Values
		if len(values) == 0 {
			if loader, ok := p.(plugin.ValuesLoader); ok {
				values, err = loader.LoadValues(ctx, r.ID)
				if err != nil {
					return Lease{}, fmt.Errorf("loading reservation values for update: %w", err)
				}
			}
		}
		if err := p.UpdateReservation(ctx, r.ID, values, start, end); err != nil {
			return Lease{}, err
		}
	}

	if err := s.store.UpdateLeaseWindow(ctx, id, start, end); err != nil {
		return Lease{}, err
	}
	if req.Name != nil {
		if err := s.store.RenameLease(ctx, id, *req.Name); err != nil {
			return Lease{}, err
		}
	}

	if err := s.rescheduleEvents(ctx, l, start, end, req.BeforeEndNotification); err != nil {
		return Lease{}, err
	}

	if err := s.store.RecordState(ctx, LeaseState{LeaseID: id, Action: ActionUpdate, Status: StateComplete}); err != nil {
		return Lease{}, err
	}
	return s.store.GetLease(ctx, id)
}

func (s *Service) rescheduleEvents(ctx context.Context, l Lease, newStart, newEnd time.Time, explicitBeforeEnd *string) error {
	startEvt, err := s.store.GetEventByType(ctx, l.ID, EventStartLease)
	if err != nil {
		return err
	}
	endEvt, err := s.store.GetEventByType(ctx, l.ID, EventEndLease)
	if err != nil {
		return err
	}
	if startEvt == nil || endEvt == nil {
		return apperror.New(apperror.KindEventError, "lease is missing its start_lease or end_lease event")
	}
	if err := s.store.UpdateEventTime(ctx, startEvt.ID, newStart, false); err != nil {
		return err
	}
	if err := s.store.UpdateEventTime(ctx, endEvt.ID, newEnd, false); err != nil {
		return err
	}

	beforeEndEvt, err := s.store.GetEventByType(ctx, l.ID, EventBeforeEndLease)
	if err != nil {
		return err
	}

	var newBeforeEnd time.Time
	var have bool
	if explicitBeforeEnd != nil {
		newBeforeEnd, have, err = s.resolveBeforeEndTime(newStart, newEnd, explicitBeforeEnd)
		if err != nil {
			return err
		}
	} else if beforeEndEvt != nil {
		delta := l.EndDate.Sub(beforeEndEvt.Time)
		newBeforeEnd = newEnd.Add(-delta)
		if newBeforeEnd.Before(newStart) {
			newBeforeEnd = newStart
		}
		have = true
	}

	if beforeEndEvt == nil {
		if have {
			_, err := s.store.CreateEvent(ctx, Event{ID: uuid.New(), LeaseID: l.ID, EventType: EventBeforeEndLease, Time: newBeforeEnd, Status: EventUndone})
			return err
		}
		return nil
	}

	if !have {
		return nil
	}
	wasDone := beforeEndEvt.Status == EventDone
	if err := s.store.UpdateEventTime(ctx, beforeEndEvt.ID, newBeforeEnd, wasDone); err != nil {
		return err
	}
	if wasDone {
		s.notifier.Notify(ctx, notify.Notification{EventType: "lease.event.before_end_lease.stop", LeaseID: l.ID.String(), LeaseName: l.Name, Message: "before-end notification rescheduled"})
	}
	return nil
}

// DeleteLease is allowed only before the lease has started or after it has
// ended. A not-yet-ended lease invokes each plugin's on_end for cleanup
// before cascading the delete.
func (s *Service) DeleteLease(ctx context.Context, id uuid.UUID) error {
	l, err := s.store.GetLease(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	running := !now.Before(l.StartDate) && !now.After(l.EndDate)
	if running {
		return apperror.New(apperror.KindNotAuthorized, "cannot delete a lease while it is running")
	}

	if now.Before(l.EndDate) {
		for _, r := range l.Reservations {
			p, err := s.plugins.Get(r.ResourceType)
			if err != nil {
				return err
			}
			if err := p.OnEnd(ctx, r.ID); err != nil {
				return err
			}
		}
	}

	if err := s.store.DeleteLease(ctx, id); err != nil {
		return err
	}
	s.notifier.Notify(ctx, notify.Notification{EventType: "lease.delete", LeaseID: l.ID.String(), LeaseName: l.Name, Message: "lease deleted"})
	return nil
}

// StartLease is the start_lease event handler: invoked by the dispatcher.
func (s *Service) StartLease(ctx context.Context, leaseID, eventID uuid.UUID) error {
	return s.basicAction(ctx, leaseID, eventID, ActionStart, func(p plugin.Plugin, r Reservation) error {
		return p.OnStart(ctx, r.ID)
	}, ReservationActive)
}

// EndLease is the end_lease event handler: invoked by the dispatcher.
func (s *Service) EndLease(ctx context.Context, leaseID, eventID uuid.UUID) error {
	return s.basicAction(ctx, leaseID, eventID, ActionStop, func(p plugin.Plugin, r Reservation) error {
		return p.OnEnd(ctx, r.ID)
	}, ReservationCompleted)
}

// basicAction is the common routine behind StartLease/EndLease: sets
// LeaseState to IN_PROGRESS, runs fn over every reservation (continuing
// past per-reservation failures), and records the final LeaseState.
func (s *Service) basicAction(ctx context.Context, leaseID, eventID uuid.UUID, action string, fn func(plugin.Plugin, Reservation) error, successStatus string) error {
	l, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}
	if err := s.store.RecordState(ctx, LeaseState{LeaseID: leaseID, Action: action, Status: StateInProgress}); err != nil {
		return err
	}

	allOK := true
	for _, r := range l.Reservations {
		p, err := s.plugins.Get(r.ResourceType)
		if err != nil {
			allOK = false
			_ = s.store.SetReservationStatus(ctx, r.ID, ReservationError)
			continue
		}
		if err := fn(p, r); err != nil {
			s.logger.Error("reservation lifecycle handler failed", "reservation_id", r.ID, "action", action, "error", err)
			allOK = false
			_ = s.store.SetReservationStatus(ctx, r.ID, ReservationError)
			continue
		}
		_ = s.store.SetReservationStatus(ctx, r.ID, successStatus)
	}

	finalStatus := StateComplete
	if !allOK {
		finalStatus = StateFailed
	}
	if err := s.store.RecordState(ctx, LeaseState{LeaseID: leaseID, Action: action, Status: finalStatus}); err != nil {
		return err
	}
	if err := s.store.SetEventStatus(ctx, eventID, EventDone); err != nil {
		return err
	}

	leaseStatus := StatusActive
	if action == ActionStop {
		leaseStatus = StatusTerminal
	}
	if err := s.store.SetLeaseStatus(ctx, leaseID, leaseStatus); err != nil {
		return err
	}

	s.notifier.Notify(ctx, notify.Notification{EventType: fmt.Sprintf("event.%s", eventTypeFor(action)), LeaseID: l.ID.String(), LeaseName: l.Name, Message: fmt.Sprintf("%s complete", action)})
	if !allOK {
		return apperror.New(apperror.KindEventError, fmt.Sprintf("one or more reservations failed during %s", action))
	}
	return nil
}

func eventTypeFor(action string) string {
	if action == ActionStart {
		return EventStartLease
	}
	return EventEndLease
}

// BeforeEndLease is the before_end_lease event handler: it warns whoever is
// watching the lease that its end date is approaching, then marks the event
// DONE so the dispatcher doesn't re-claim it.
func (s *Service) BeforeEndLease(ctx context.Context, leaseID, eventID uuid.UUID) error {
	l, err := s.store.GetLease(ctx, leaseID)
	if err != nil {
		return err
	}

	s.notifier.Notify(ctx, notify.Notification{
		EventType: "event.before_end_lease",
		LeaseID:   l.ID.String(),
		LeaseName: l.Name,
		Message:   fmt.Sprintf("lease ends at %s", l.EndDate.Format(DateLayout)),
	})

	return s.store.SetEventStatus(ctx, eventID, EventDone)
}

// Dispatch routes a "<resource_type>:<method>" RPC call to the named
// plugin. Supported methods are update_reservation, on_start, on_end, and
// delete_reservation; anything else is a not-found error.
func (s *Service) Dispatch(ctx context.Context, resourceType, method string, reservationID uuid.UUID, values plugin.ReservationValues, start, end time.Time) error {
	p, err := s.plugins.Get(resourceType)
	if err != nil {
		return err
	}
	switch method {
	case "update_reservation":
		return p.UpdateReservation(ctx, reservationID, values, start, end)
	case "on_start":
		return p.OnStart(ctx, reservationID)
	case "on_end":
		return p.OnEnd(ctx, reservationID)
	case "delete_reservation":
		return p.DeleteReservation(ctx, reservationID)
	default:
		return apperror.New(apperror.KindServiceNotFound, fmt.Sprintf("method %q not found on resource type %q", method, resourceType))
	}
}

// GetAllocations lists the concrete resources a reservation currently holds,
// exposed over RPC as "<resource_type>:get_allocations" (e.g.
// physical:host:get_allocations) for pool introspection. Only resource
// types whose plugin implements plugin.AllocationsLister support this.
func (s *Service) GetAllocations(ctx context.Context, resourceType string, reservationID uuid.UUID) ([]uuid.UUID, error) {
	p, err := s.plugins.Get(resourceType)
	if err != nil {
		return nil, err
	}
	lister, ok := p.(plugin.AllocationsLister)
	if !ok {
		return nil, apperror.New(apperror.KindServiceNotFound, fmt.Sprintf("resource type %q does not support get_allocations", resourceType))
	}
	return lister.GetAllocations(ctx, reservationID)
}

// parseStartDate additionally accepts the literal "now", resolved to the
// current UTC minute.
func parseStartDate(value string, now time.Time) (time.Time, error) {
	if value == "now" {
		return now, nil
	}
	return parseDate(value)
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, apperror.Wrap(apperror.KindInvalidDate, fmt.Sprintf("date %q must match %q", value, DateLayout), err)
	}
	return t.UTC(), nil
}
