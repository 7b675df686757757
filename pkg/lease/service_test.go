package lease

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/internal/apperror"
	"github.com/nimbusresv/leasekeeper/internal/trust"
	"github.com/nimbusresv/leasekeeper/pkg/notify"
	"github.com/nimbusresv/leasekeeper/pkg/plugin"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(DateLayout, s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return tm.UTC()
}

func TestParseStartDate(t *testing.T) {
	now := mustParse(t, "2026-01-01 00:00")

	got, err := parseStartDate("now", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}

	got, err = parseStartDate("2026-02-01 10:00", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mustParse(t, "2026-02-01 10:00")
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := parseStartDate("not-a-date", now); !apperror.Is(err, apperror.KindInvalidDate) {
		t.Errorf("expected KindInvalidDate, got %v", err)
	}
}

func TestResolveBeforeEndTime(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	start := mustParse(t, "2026-01-01 00:00")
	end := mustParse(t, "2026-01-11 00:00")

	t.Run("explicit within window", func(t *testing.T) {
		s := &Service{logger: logger, notifyHoursBeforeLeaseEnd: 48}
		explicit := "2026-01-05 00:00"
		got, set, err := s.resolveBeforeEndTime(start, end, &explicit)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !set {
			t.Fatal("expected set=true")
		}
		want := mustParse(t, "2026-01-05 00:00")
		if !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("explicit outside window rejected", func(t *testing.T) {
		s := &Service{logger: logger, notifyHoursBeforeLeaseEnd: 48}
		explicit := "2026-01-11 00:00" // == end, not strictly before
		_, _, err := s.resolveBeforeEndTime(start, end, &explicit)
		if !apperror.Is(err, apperror.KindInvalidDate) {
			t.Errorf("expected KindInvalidDate, got %v", err)
		}
	})

	t.Run("default disabled when N<=0", func(t *testing.T) {
		s := &Service{logger: logger, notifyHoursBeforeLeaseEnd: 0}
		_, set, err := s.resolveBeforeEndTime(start, end, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if set {
			t.Fatal("expected set=false")
		}
	})

	t.Run("default computed and clamped to start", func(t *testing.T) {
		s := &Service{logger: logger, notifyHoursBeforeLeaseEnd: 24 * 20} // 20 days, larger than the 10-day window
		got, set, err := s.resolveBeforeEndTime(start, end, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !set {
			t.Fatal("expected set=true")
		}
		if !got.Equal(start) {
			t.Errorf("got %v, want %v", got, start)
		}
	})

	t.Run("default within window", func(t *testing.T) {
		s := &Service{logger: logger, notifyHoursBeforeLeaseEnd: 48}
		got, set, err := s.resolveBeforeEndTime(start, end, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !set {
			t.Fatal("expected set=true")
		}
		want := end.Add(-48 * time.Hour)
		if !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})
}

// fakeLeaseStore is an in-memory leaseStore used to exercise the manager's
// CRUD and dispatch paths without a live database connection.
type fakeLeaseStore struct {
	leases       map[uuid.UUID]Lease
	reservations map[uuid.UUID]Reservation
	events       map[uuid.UUID]Event
	states       []LeaseState
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{
		leases:       map[uuid.UUID]Lease{},
		reservations: map[uuid.UUID]Reservation{},
		events:       map[uuid.UUID]Event{},
	}
}

func (f *fakeLeaseStore) CreateLease(ctx context.Context, l Lease) (Lease, error) {
	f.leases[l.ID] = l
	return l, nil
}

func (f *fakeLeaseStore) GetLease(ctx context.Context, id uuid.UUID) (Lease, error) {
	l, ok := f.leases[id]
	if !ok {
		return Lease{}, apperror.New(apperror.KindLeaseNotFound, "lease not found")
	}
	for _, r := range f.reservations {
		if r.LeaseID == id {
			l.Reservations = append(l.Reservations, r)
		}
	}
	for _, e := range f.events {
		if e.LeaseID == id {
			l.Events = append(l.Events, e)
		}
	}
	return l, nil
}

func (f *fakeLeaseStore) ListLeases(ctx context.Context, projectID string) ([]Lease, error) {
	var result []Lease
	for id, l := range f.leases {
		if projectID == "" || l.ProjectID == projectID {
			got, err := f.GetLease(ctx, id)
			if err != nil {
				return nil, err
			}
			result = append(result, got)
		}
	}
	return result, nil
}

func (f *fakeLeaseStore) UpdateLeaseWindow(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	l, ok := f.leases[id]
	if !ok {
		return apperror.New(apperror.KindLeaseNotFound, "lease not found")
	}
	l.StartDate, l.EndDate = start, end
	f.leases[id] = l
	return nil
}

func (f *fakeLeaseStore) RenameLease(ctx context.Context, id uuid.UUID, name string) error {
	l, ok := f.leases[id]
	if !ok {
		return apperror.New(apperror.KindLeaseNotFound, "lease not found")
	}
	l.Name = name
	f.leases[id] = l
	return nil
}

func (f *fakeLeaseStore) SetLeaseStatus(ctx context.Context, id uuid.UUID, status string) error {
	l, ok := f.leases[id]
	if !ok {
		return apperror.New(apperror.KindLeaseNotFound, "lease not found")
	}
	l.Status = status
	f.leases[id] = l
	return nil
}

func (f *fakeLeaseStore) DeleteLease(ctx context.Context, id uuid.UUID) error {
	delete(f.leases, id)
	for rid, r := range f.reservations {
		if r.LeaseID == id {
			delete(f.reservations, rid)
		}
	}
	for eid, e := range f.events {
		if e.LeaseID == id {
			delete(f.events, eid)
		}
	}
	return nil
}

func (f *fakeLeaseStore) CreateReservation(ctx context.Context, r Reservation) (Reservation, error) {
	f.reservations[r.ID] = r
	return r, nil
}

func (f *fakeLeaseStore) SetReservationStatus(ctx context.Context, id uuid.UUID, status string) error {
	r, ok := f.reservations[id]
	if !ok {
		return apperror.New(apperror.KindAggregateNotFound, "reservation not found")
	}
	r.Status = status
	f.reservations[id] = r
	return nil
}

func (f *fakeLeaseStore) CreateEvent(ctx context.Context, e Event) (Event, error) {
	f.events[e.ID] = e
	return e, nil
}

func (f *fakeLeaseStore) GetEventByType(ctx context.Context, leaseID uuid.UUID, eventType string) (*Event, error) {
	for _, e := range f.events {
		if e.LeaseID == leaseID && e.EventType == eventType {
			found := e
			return &found, nil
		}
	}
	return nil, nil
}

func (f *fakeLeaseStore) UpdateEventTime(ctx context.Context, id uuid.UUID, t time.Time, resetStatus bool) error {
	e, ok := f.events[id]
	if !ok {
		return apperror.New(apperror.KindEventNotFound, "event not found")
	}
	e.Time = t
	if resetStatus {
		e.Status = EventUndone
	}
	f.events[id] = e
	return nil
}

func (f *fakeLeaseStore) SetEventStatus(ctx context.Context, id uuid.UUID, status string) error {
	e, ok := f.events[id]
	if !ok {
		return apperror.New(apperror.KindEventNotFound, "event not found")
	}
	e.Status = status
	f.events[id] = e
	return nil
}

func (f *fakeLeaseStore) RecordState(ctx context.Context, st LeaseState) error {
	f.states = append(f.states, st)
	return nil
}

// stubPlugin is a minimal plugin.Plugin used to exercise the manager's
// reservation fan-out without a real resource-type backend. When values is
// non-nil, it also implements plugin.ValuesLoader and returns it from
// LoadValues — used to verify UpdateLease's rehydration path.
type stubPlugin struct {
	resourceID uuid.UUID
	values     plugin.ReservationValues

	createCalls int
	updateCalls int
	onStartIDs  []uuid.UUID
	onEndIDs    []uuid.UUID
	lastValues  plugin.ReservationValues
	failOnEnd   bool
}

func (p *stubPlugin) CreateReservation(ctx context.Context, leaseID, reservationID uuid.UUID, values plugin.ReservationValues, start, end time.Time) (uuid.UUID, error) {
	p.createCalls++
	return p.resourceID, nil
}

func (p *stubPlugin) UpdateReservation(ctx context.Context, reservationID uuid.UUID, values plugin.ReservationValues, start, end time.Time) error {
	p.updateCalls++
	p.lastValues = values
	return nil
}

func (p *stubPlugin) OnStart(ctx context.Context, reservationID uuid.UUID) error {
	p.onStartIDs = append(p.onStartIDs, reservationID)
	return nil
}

func (p *stubPlugin) OnEnd(ctx context.Context, reservationID uuid.UUID) error {
	p.onEndIDs = append(p.onEndIDs, reservationID)
	if p.failOnEnd {
		return apperror.New(apperror.KindEventError, "on_end failed")
	}
	return nil
}

func (p *stubPlugin) DeleteReservation(ctx context.Context, reservationID uuid.UUID) error {
	return p.OnEnd(ctx, reservationID)
}

func (p *stubPlugin) LoadValues(ctx context.Context, reservationID uuid.UUID) (plugin.ReservationValues, error) {
	return p.values, nil
}

var _ plugin.ValuesLoader = (*stubPlugin)(nil)

// recordingProvider is a notify.Provider test double that captures every
// notification it's handed instead of delivering it anywhere.
type recordingProvider struct {
	sent []notify.Notification
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Notify(ctx context.Context, n notify.Notification) error {
	p.sent = append(p.sent, n)
	return nil
}

func newTestService(t *testing.T, store leaseStore, p *stubPlugin, providers ...notify.Provider) *Service {
	t.Helper()
	registry := plugin.NewRegistry()
	registry.Register("physical:host", p)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := mustParse(t, "2026-01-01 00:00")
	return &Service{
		store: store, plugins: registry, notifier: notify.NewRegistry(logger, providers...),
		trust: trust.NewStatic(trust.Scope{ProjectID: "proj-1", UserID: "user-1"}),
		notifyHoursBeforeLeaseEnd: 0, logger: logger,
		now: func() time.Time { return now },
	}
}

func TestCreateLease(t *testing.T) {
	store := newFakeLeaseStore()
	p := &stubPlugin{resourceID: uuid.New()}
	s := newTestService(t, store, p)

	l, err := s.CreateLease(context.Background(), CreateRequest{
		Name: "my-lease", TrustID: "tok", StartDate: "now", EndDate: "2026-01-10 00:00",
		Reservations: []CreateReservationRequest{{ResourceType: "physical:host", Values: map[string]any{"min": 1, "max": 1}}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.ProjectID != "proj-1" || l.UserID != "user-1" {
		t.Errorf("expected scope to be used as fallback project/user, got %+v", l)
	}
	if len(l.Reservations) != 1 {
		t.Fatalf("expected 1 reservation, got %d", len(l.Reservations))
	}
	if p.createCalls != 1 {
		t.Errorf("expected plugin CreateReservation called once, got %d", p.createCalls)
	}
	if len(l.Events) != 2 {
		t.Errorf("expected start_lease/end_lease events scheduled, got %d", len(l.Events))
	}
	if len(store.states) != 1 || store.states[0].Action != ActionCreate {
		t.Errorf("expected one CREATE lease state, got %+v", store.states)
	}
}

func TestCreateLease_MissingTrustID(t *testing.T) {
	store := newFakeLeaseStore()
	s := newTestService(t, store, &stubPlugin{})

	_, err := s.CreateLease(context.Background(), CreateRequest{Name: "x", EndDate: "2026-01-10 00:00"})
	if !apperror.Is(err, apperror.KindMissingTrustId) {
		t.Errorf("expected KindMissingTrustId, got %v", err)
	}
}

func TestCreateLease_ReservationFailureCascadesDelete(t *testing.T) {
	store := newFakeLeaseStore()
	s := newTestService(t, store, &stubPlugin{})

	_, err := s.CreateLease(context.Background(), CreateRequest{
		Name: "x", TrustID: "tok", StartDate: "now", EndDate: "2026-01-10 00:00",
		Reservations: []CreateReservationRequest{{ResourceType: "virtual:instance", Values: map[string]any{}}},
	})
	if !apperror.Is(err, apperror.KindUnsupportedResourceType) {
		t.Errorf("expected KindUnsupportedResourceType, got %v", err)
	}
	if len(store.leases) != 0 {
		t.Errorf("expected the lease to be rolled back, got %d leases", len(store.leases))
	}
}

func TestUpdateLease_RehydratesValuesViaLoader(t *testing.T) {
	store := newFakeLeaseStore()
	loaderValues := plugin.ReservationValues{"min": 2, "max": 4}
	p := &stubPlugin{resourceID: uuid.New(), values: loaderValues}
	s := newTestService(t, store, p)

	leaseID := uuid.New()
	reservationID := uuid.New()
	store.leases[leaseID] = Lease{
		ID: leaseID, Name: "my-lease", ProjectID: "proj-1", UserID: "user-1",
		StartDate: mustParse(t, "2026-01-02 00:00"), EndDate: mustParse(t, "2026-01-10 00:00"), Status: StatusPending,
	}
	store.reservations[reservationID] = Reservation{ID: reservationID, LeaseID: leaseID, ResourceType: "physical:host", Status: ReservationPending}
	startEvt := Event{ID: uuid.New(), LeaseID: leaseID, EventType: EventStartLease, Time: mustParse(t, "2026-01-02 00:00"), Status: EventUndone}
	endEvt := Event{ID: uuid.New(), LeaseID: leaseID, EventType: EventEndLease, Time: mustParse(t, "2026-01-10 00:00"), Status: EventUndone}
	store.events[startEvt.ID] = startEvt
	store.events[endEvt.ID] = endEvt

	newEnd := "2026-01-12 00:00"
	_, err := s.UpdateLease(context.Background(), leaseID, UpdateRequest{EndDate: &newEnd})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.updateCalls != 1 {
		t.Fatalf("expected plugin UpdateReservation called once, got %d", p.updateCalls)
	}
	if p.lastValues["min"] != 2 || p.lastValues["max"] != 4 {
		t.Errorf("expected rehydrated values from LoadValues, got %+v", p.lastValues)
	}
}

func TestUpdateLease_StartDateImmutableOnceStarted(t *testing.T) {
	store := newFakeLeaseStore()
	s := newTestService(t, store, &stubPlugin{})

	leaseID := uuid.New()
	store.leases[leaseID] = Lease{
		ID: leaseID, Name: "my-lease", ProjectID: "proj-1", UserID: "user-1",
		StartDate: mustParse(t, "2025-12-01 00:00"), EndDate: mustParse(t, "2026-01-10 00:00"), Status: StatusActive,
	}

	newStart := "2026-01-02 00:00"
	_, err := s.UpdateLease(context.Background(), leaseID, UpdateRequest{StartDate: &newStart})
	if !apperror.Is(err, apperror.KindInvalidStateUpdate) {
		t.Errorf("expected KindInvalidStateUpdate, got %v", err)
	}
}

func TestUpdateLease_RenameOnlyDoesNotTouchPlugins(t *testing.T) {
	store := newFakeLeaseStore()
	p := &stubPlugin{}
	s := newTestService(t, store, p)

	leaseID := uuid.New()
	store.leases[leaseID] = Lease{
		ID: leaseID, Name: "old-name", ProjectID: "proj-1", UserID: "user-1",
		StartDate: mustParse(t, "2026-01-02 00:00"), EndDate: mustParse(t, "2026-01-10 00:00"), Status: StatusPending,
	}

	newName := "new-name"
	l, err := s.UpdateLease(context.Background(), leaseID, UpdateRequest{Name: &newName})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Name != "new-name" {
		t.Errorf("expected renamed lease, got %q", l.Name)
	}
	if p.updateCalls != 0 {
		t.Errorf("expected no plugin calls on a rename-only update, got %d", p.updateCalls)
	}
}

func TestDeleteLease_RunningLeaseRejected(t *testing.T) {
	store := newFakeLeaseStore()
	s := newTestService(t, store, &stubPlugin{})

	leaseID := uuid.New()
	store.leases[leaseID] = Lease{
		ID: leaseID, Name: "my-lease",
		StartDate: mustParse(t, "2025-12-01 00:00"), EndDate: mustParse(t, "2026-01-10 00:00"), Status: StatusActive,
	}

	err := s.DeleteLease(context.Background(), leaseID)
	if !apperror.Is(err, apperror.KindNotAuthorized) {
		t.Errorf("expected KindNotAuthorized, got %v", err)
	}
}

func TestDeleteLease_PendingLeaseEndsReservationsAndCascades(t *testing.T) {
	store := newFakeLeaseStore()
	p := &stubPlugin{}
	s := newTestService(t, store, p)

	leaseID := uuid.New()
	reservationID := uuid.New()
	store.leases[leaseID] = Lease{
		ID: leaseID, Name: "my-lease",
		StartDate: mustParse(t, "2026-01-05 00:00"), EndDate: mustParse(t, "2026-01-10 00:00"), Status: StatusPending,
	}
	store.reservations[reservationID] = Reservation{ID: reservationID, LeaseID: leaseID, ResourceType: "physical:host"}

	if err := s.DeleteLease(context.Background(), leaseID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.onEndIDs) != 1 || p.onEndIDs[0] != reservationID {
		t.Errorf("expected on_end called for the reservation, got %v", p.onEndIDs)
	}
	if _, ok := store.leases[leaseID]; ok {
		t.Error("expected the lease to be deleted")
	}
}

func TestDispatch(t *testing.T) {
	store := newFakeLeaseStore()
	p := &stubPlugin{}
	s := newTestService(t, store, p)
	reservationID := uuid.New()

	if err := s.Dispatch(context.Background(), "physical:host", "on_start", reservationID, nil, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.onStartIDs) != 1 || p.onStartIDs[0] != reservationID {
		t.Errorf("expected on_start routed to the plugin, got %v", p.onStartIDs)
	}

	if err := s.Dispatch(context.Background(), "physical:host", "update_reservation", reservationID, plugin.ReservationValues{"min": 1}, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.updateCalls != 1 {
		t.Errorf("expected update_reservation routed to the plugin, got %d calls", p.updateCalls)
	}

	err := s.Dispatch(context.Background(), "physical:host", "bogus_method", reservationID, nil, time.Time{}, time.Time{})
	if !apperror.Is(err, apperror.KindServiceNotFound) {
		t.Errorf("expected KindServiceNotFound for an unknown method, got %v", err)
	}

	err = s.Dispatch(context.Background(), "virtual:instance", "on_start", reservationID, nil, time.Time{}, time.Time{})
	if !apperror.Is(err, apperror.KindUnsupportedResourceType) {
		t.Errorf("expected KindUnsupportedResourceType for an unregistered resource type, got %v", err)
	}
}

func TestBeforeEndLease_SendsNotificationAndMarksEventDone(t *testing.T) {
	store := newFakeLeaseStore()
	provider := &recordingProvider{}
	s := newTestService(t, store, &stubPlugin{}, provider)

	leaseID := uuid.New()
	store.leases[leaseID] = Lease{
		ID: leaseID, Name: "my-lease",
		StartDate: mustParse(t, "2026-01-05 00:00"), EndDate: mustParse(t, "2026-01-10 00:00"), Status: StatusActive,
	}
	evt := Event{ID: uuid.New(), LeaseID: leaseID, EventType: EventBeforeEndLease, Status: EventUndone}
	store.events[evt.ID] = evt

	if err := s.BeforeEndLease(context.Background(), leaseID, evt.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(provider.sent) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(provider.sent))
	}
	got := provider.sent[0]
	if got.EventType != "event.before_end_lease" || got.LeaseID != leaseID.String() {
		t.Errorf("unexpected notification: %+v", got)
	}

	if store.events[evt.ID].Status != EventDone {
		t.Errorf("expected event marked DONE, got %q", store.events[evt.ID].Status)
	}
}
