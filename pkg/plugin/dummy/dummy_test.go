package dummy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDummyPluginIsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(logger)
	ctx := context.Background()
	leaseID, reservationID := uuid.New(), uuid.New()

	resourceID, err := p.CreateReservation(ctx, leaseID, reservationID, nil, time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateReservation: unexpected error: %v", err)
	}
	if resourceID != uuid.Nil {
		t.Errorf("expected uuid.Nil resourceID, got %v", resourceID)
	}

	if err := p.UpdateReservation(ctx, reservationID, nil, time.Now(), time.Now().Add(time.Hour)); err != nil {
		t.Errorf("UpdateReservation: unexpected error: %v", err)
	}
	if err := p.OnStart(ctx, reservationID); err != nil {
		t.Errorf("OnStart: unexpected error: %v", err)
	}
	if err := p.OnEnd(ctx, reservationID); err != nil {
		t.Errorf("OnEnd: unexpected error: %v", err)
	}
	if err := p.DeleteReservation(ctx, reservationID); err != nil {
		t.Errorf("DeleteReservation: unexpected error: %v", err)
	}
}
