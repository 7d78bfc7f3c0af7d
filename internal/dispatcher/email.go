// Package dispatcher fans persisted notifications out to their delivery
// channels: immediate email, daily digest, and realtime events.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/repository/db"
)

// Publisher is the slice of the broker client the dispatchers need.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishEphemeral(subject string, data []byte) error
}

// emailPayload is the wire format consumed by the downstream email renderer.
type emailPayload struct {
	UserID        string              `json:"user_id"`
	Email         string              `json:"email"`
	Type          string              `json:"type"`
	Notifications []emailNotification `json:"notifications"`
	Timestamp     string              `json:"timestamp"`
}

type emailNotification struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	SourceURL        string    `json:"source_url"`
	SubscriptionName string    `json:"subscription_name"`
	CreatedAt        time.Time `json:"created_at"`
}

// EmailDispatcher decides the email channel for each persisted notification
// from the user's preferences and publishes to the matching subject.
type EmailDispatcher struct {
	publisher        Publisher
	querier          db.Querier
	immediateSubject string
	dailySubject     string
	logger           *zap.Logger
}

// NewEmailDispatcher creates an EmailDispatcher.
func NewEmailDispatcher(publisher Publisher, querier db.Querier, immediateSubject, dailySubject string, logger *zap.Logger) *EmailDispatcher {
	return &EmailDispatcher{
		publisher:        publisher,
		querier:          querier,
		immediateSubject: immediateSubject,
		dailySubject:     dailySubject,
		logger:           logger,
	}
}

// Dispatch routes one persisted notification. Returns whether an immediate
// email was sent (and email_sent flipped). A publish failure is returned to
// the caller to count as a row error — it never aborts the batch.
func (d *EmailDispatcher) Dispatch(ctx context.Context, user db.User, n db.Notification, subscriptionName string) (bool, error) {
	switch {
	case ShouldReceiveInstant(user):
		if err := d.publish(ctx, d.immediateSubject, "immediate", user, n, subscriptionName); err != nil {
			return false, fmt.Errorf("immediate email publish: %w", err)
		}
		if err := d.querier.MarkEmailSent(ctx, n.ID, n.UserID); err != nil {
			// The email went out; a failed flag flip means at worst one
			// repeat email after redelivery.
			d.logger.Warn("email sent but email_sent flip failed",
				zap.String("notification_id", n.ID),
				zap.Error(err),
			)
		}
		return true, nil

	case ShouldReceiveDigest(user):
		// Digest emails are batched by the downstream renderer; email_sent
		// stays false until the digest actually goes out.
		if err := d.publish(ctx, d.dailySubject, "digest", user, n, subscriptionName); err != nil {
			return false, fmt.Errorf("digest email publish: %w", err)
		}
		return false, nil

	default:
		return false, nil
	}
}

func (d *EmailDispatcher) publish(ctx context.Context, subject, kind string, user db.User, n db.Notification, subscriptionName string) error {
	payload := emailPayload{
		UserID: user.ID,
		Email:  DeliveryAddress(user),
		Type:   kind,
		Notifications: []emailNotification{{
			ID:               n.ID,
			Title:            n.Title,
			Content:          n.Content,
			SourceURL:        n.SourceURL,
			SubscriptionName: subscriptionName,
			CreatedAt:        n.CreatedAt,
		}},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email payload: %w", err)
	}
	return d.publisher.Publish(ctx, subject, data)
}

// ShouldReceiveInstant reports whether the user gets an immediate email.
// Test users always do, so end-to-end checks can run against production
// plumbing without opt-in state.
func ShouldReceiveInstant(u db.User) bool {
	if u.IsTestUser {
		return true
	}
	return u.InstantNotifications && ValidEmail(DeliveryAddress(u))
}

// ShouldReceiveDigest reports whether the notification lands in the user's
// digest.
func ShouldReceiveDigest(u db.User) bool {
	return u.EmailNotifications && u.DigestFrequency != db.DigestNever && ValidEmail(DeliveryAddress(u))
}

// DeliveryAddress prefers the dedicated notification address over the
// account email.
func DeliveryAddress(u db.User) string {
	if u.NotificationEmail != "" {
		return u.NotificationEmail
	}
	return u.Email
}

// ValidEmail is the cheap structural check the preference predicates use.
func ValidEmail(s string) bool {
	return strings.Contains(s, "@") && strings.Contains(s, ".")
}
