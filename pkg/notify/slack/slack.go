// Package slack adapts notify.Provider to Slack, grounded on the same
// slack-go client used elsewhere for channel posts.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/nimbusresv/leasekeeper/pkg/notify"
)

// Provider posts lease notifications to a single configured Slack channel.
// If botToken is empty it behaves as a disabled no-op, so it is always safe
// to register regardless of configuration.
type Provider struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Slack Provider. An empty botToken disables posting.
func New(botToken, channel string, logger *slog.Logger) *Provider {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Provider{client: client, channel: channel, logger: logger}
}

var _ notify.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return "slack" }

func (p *Provider) enabled() bool {
	return p.client != nil && p.channel != ""
}

func (p *Provider) Notify(ctx context.Context, n notify.Notification) error {
	if !p.enabled() {
		p.logger.Debug("slack provider disabled, skipping notification", "event_type", n.EventType, "lease_id", n.LeaseID)
		return nil
	}
	text := fmt.Sprintf("[%s] lease %s (%s): %s", n.EventType, n.LeaseName, n.LeaseID, n.Message)
	_, _, err := p.client.PostMessageContext(ctx, p.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting lease notification to slack: %w", err)
	}
	return nil
}
