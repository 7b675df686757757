// Package notify dispatches lease lifecycle notifications to every
// registered backend: a log-only provider, plus Slack when configured.
package notify

import (
	"context"
	"log/slog"
)

// Notification is a single event worth telling someone about.
type Notification struct {
	EventType string // e.g. "lease.create", "event.start_lease"
	LeaseID   string
	LeaseName string
	Message   string
}

// Provider delivers a Notification to some external channel.
type Provider interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Registry fans a Notification out to every registered Provider, logging
// (not failing) individual provider errors — notification delivery is
// best-effort and must never block the lifecycle transition that triggered it.
type Registry struct {
	providers []Provider
	logger    *slog.Logger
}

// NewRegistry creates a Registry that logs through logger.
func NewRegistry(logger *slog.Logger, providers ...Provider) *Registry {
	return &Registry{providers: providers, logger: logger}
}

// Notify delivers n to every registered provider.
func (r *Registry) Notify(ctx context.Context, n Notification) {
	for _, p := range r.providers {
		if err := p.Notify(ctx, n); err != nil {
			r.logger.Error("notification delivery failed", "provider", p.Name(), "event_type", n.EventType, "error", err)
		}
	}
}

// LogProvider is the default, always-available provider: it writes the
// notification to the structured logger. It is registered whether or not
// an external backend (e.g. Slack) is configured.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a LogProvider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Name() string { return "log" }

func (p *LogProvider) Notify(ctx context.Context, n Notification) error {
	p.logger.Info("notification", "event_type", n.EventType, "lease_id", n.LeaseID, "lease_name", n.LeaseName, "message", n.Message)
	return nil
}
