package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubProvider struct {
	name     string
	err      error
	notified []Notification
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Notify(ctx context.Context, n Notification) error {
	p.notified = append(p.notified, n)
	return p.err
}

func TestRegistryFansOutToEveryProvider(t *testing.T) {
	a := &stubProvider{name: "a"}
	b := &stubProvider{name: "b"}
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), a, b)

	n := Notification{EventType: "lease.create", LeaseID: "lease-1"}
	r.Notify(context.Background(), n)

	if len(a.notified) != 1 || a.notified[0] != n {
		t.Errorf("provider a did not receive notification: %+v", a.notified)
	}
	if len(b.notified) != 1 || b.notified[0] != n {
		t.Errorf("provider b did not receive notification: %+v", b.notified)
	}
}

func TestRegistrySwallowsProviderErrors(t *testing.T) {
	failing := &stubProvider{name: "failing", err: errors.New("boom")}
	ok := &stubProvider{name: "ok"}
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), failing, ok)

	// Must not panic or block despite the first provider's error.
	r.Notify(context.Background(), Notification{EventType: "lease.delete"})

	if len(ok.notified) != 1 {
		t.Errorf("expected the second provider to still be notified, got %d calls", len(ok.notified))
	}
}

func TestLogProviderName(t *testing.T) {
	p := NewLogProvider(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if p.Name() != "log" {
		t.Errorf("got %q, want %q", p.Name(), "log")
	}
	if err := p.Notify(context.Background(), Notification{EventType: "lease.create"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
