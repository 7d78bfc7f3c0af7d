package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamSubscriptionEvents captures document-match envelopes published
	// by the upstream subscription processors.
	StreamSubscriptionEvents = "SUBSCRIPTION_EVENTS"
	// SubjectSubscriptions is the wildcard subject hierarchy for inbound
	// match envelopes.
	SubjectSubscriptions = "subscriptions.>"

	// StreamNotificationEvents captures the worker's own output: email
	// payloads and dead-lettered envelopes. Realtime events are deliberately
	// NOT on a stream — they are ephemeral signals.
	StreamNotificationEvents = "NOTIFICATION_EVENTS"
	// SubjectNotifications is the wildcard subject hierarchy for outbound
	// notification events.
	SubjectNotifications = "notifications.>"
)

// ProvisionStreams idempotently creates the JetStream streams the worker
// consumes from and publishes to.
func (c *Client) ProvisionStreams() error {
	for _, cfg := range []*nats.StreamConfig{
		{
			Name:      StreamSubscriptionEvents,
			Subjects:  []string{SubjectSubscriptions},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      StreamNotificationEvents,
			Subjects:  []string{SubjectNotifications},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
	} {
		if err := c.provisionStream(cfg); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) provisionStream(cfg *nats.StreamConfig) error {
	_, err := c.JS.StreamInfo(cfg.Name)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", cfg.Name))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", cfg.Name))
	return nil
}
