package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusresv/leasekeeper/pkg/lease"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []*lease.Event
	statuses map[uuid.UUID]string
}

func newFakeStore(events ...*lease.Event) *fakeStore {
	return &fakeStore{pending: events, statuses: map[uuid.UUID]string{}}
}

func (s *fakeStore) ClaimNextDueEvent(ctx context.Context, now time.Time) (*lease.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	evt := s.pending[0]
	s.pending = s.pending[1:]
	return evt, nil
}

func (s *fakeStore) SetEventStatus(ctx context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeStore) statusOf(id uuid.UUID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type fakeHandlers struct {
	mu       sync.Mutex
	calls    []string
	failWith error
}

func (h *fakeHandlers) record(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	return h.failWith
}

func (h *fakeHandlers) StartLease(ctx context.Context, leaseID, eventID uuid.UUID) error {
	return h.record("start_lease")
}
func (h *fakeHandlers) EndLease(ctx context.Context, leaseID, eventID uuid.UUID) error {
	return h.record("end_lease")
}
func (h *fakeHandlers) BeforeEndLease(ctx context.Context, leaseID, eventID uuid.UUID) error {
	return h.record("before_end_lease")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickNoEventDue(t *testing.T) {
	store := newFakeStore()
	handlers := &fakeHandlers{}
	d := New(store, handlers, discardLogger())

	d.tick(context.Background())

	if len(handlers.calls) != 0 {
		t.Errorf("expected no handler calls, got %v", handlers.calls)
	}
}

func TestHandleRoutesByEventType(t *testing.T) {
	leaseID := uuid.New()
	eventID := uuid.New()
	handlers := &fakeHandlers{}
	store := newFakeStore()
	d := New(store, handlers, discardLogger())

	d.handle(context.Background(), lease.Event{ID: eventID, LeaseID: leaseID, EventType: lease.EventStartLease})

	if len(handlers.calls) != 1 || handlers.calls[0] != "start_lease" {
		t.Errorf("expected start_lease call, got %v", handlers.calls)
	}
	if status := store.statusOf(eventID); status != "" {
		t.Errorf("expected no status write on success, got %q", status)
	}
}

func TestHandleMarksEventErrorOnFailure(t *testing.T) {
	leaseID := uuid.New()
	eventID := uuid.New()
	handlers := &fakeHandlers{failWith: errors.New("plugin exploded")}
	store := newFakeStore()
	d := New(store, handlers, discardLogger())

	d.handle(context.Background(), lease.Event{ID: eventID, LeaseID: leaseID, EventType: lease.EventEndLease})

	if status := store.statusOf(eventID); status != lease.EventError {
		t.Errorf("expected event marked %q, got %q", lease.EventError, status)
	}
}

func TestHandleUnknownEventTypeMarksError(t *testing.T) {
	leaseID := uuid.New()
	eventID := uuid.New()
	handlers := &fakeHandlers{}
	store := newFakeStore()
	d := New(store, handlers, discardLogger())

	d.handle(context.Background(), lease.Event{ID: eventID, LeaseID: leaseID, EventType: "not_a_real_event"})

	if status := store.statusOf(eventID); status != lease.EventError {
		t.Errorf("expected event marked %q, got %q", lease.EventError, status)
	}
	if len(handlers.calls) != 0 {
		t.Errorf("expected no handler invoked for unknown event type, got %v", handlers.calls)
	}
}
