package natsclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	publishAttempts       = 3
	publishInitialBackoff = 2 * time.Second
	publishBackoffFactor  = 2
	publishMaxBackoff     = 15 * time.Second
)

// Publish writes a message to a JetStream subject, retrying with
// exponential backoff (2s, 4s, capped at 15s, three attempts in total).
// The context bounds the whole retry loop.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	backoff := publishInitialBackoff

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if _, err := c.JS.Publish(subject, data); err != nil {
			lastErr = err
			c.Log.Warn("publish failed",
				zap.String("subject", subject),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else {
			return nil
		}

		if attempt == publishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", subject, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= publishBackoffFactor
		if backoff > publishMaxBackoff {
			backoff = publishMaxBackoff
		}
	}

	return fmt.Errorf("publish to %s after %d attempts: %w", subject, publishAttempts, lastErr)
}

// PublishDLQ parks a poisonous payload on the dead-letter subject. Delivery
// is best-effort: failures are logged here and the returned error exists
// only so the caller can decide whether to nack the original message —
// it must never be propagated further.
func (c *Client) PublishDLQ(ctx context.Context, subject string, data []byte) error {
	if err := c.Publish(ctx, subject, data); err != nil {
		c.Log.Error("DLQ publish failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}

// PublishEphemeral fires a plain NATS message (no JetStream, no retry).
// Used for realtime events, which are transient signals — a missed one is
// superseded by the next page load, so at-least-once semantics would only
// add latency.
func (c *Client) PublishEphemeral(subject string, data []byte) error {
	return c.Conn.Publish(subject, data)
}
