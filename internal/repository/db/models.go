// Package db holds the Postgres access layer for the notification-worker.
//
// The notifications table is protected by row-level security: every
// statement that touches it must first set the app.current_user_id session
// parameter on the same connection, scoped to the statement's transaction.
// Store does that internally, so callers never see the RLS plumbing.
package db

import "time"

// NotificationStatus enumerates the read states a stored notification
// moves through. Rows are immutable apart from status and email_sent.
type NotificationStatus string

const (
	StatusUnread   NotificationStatus = "unread"
	StatusRead     NotificationStatus = "read"
	StatusArchived NotificationStatus = "archived"
)

// Notification is one persisted user notification.
type Notification struct {
	ID             string
	UserID         string
	SubscriptionID string
	Title          string
	Content        string
	SourceURL      string
	EntityType     string
	Metadata       map[string]interface{}
	Status         NotificationStatus
	EmailSent      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InsertNotificationParams carries one row for InsertNotification. Metadata
// is stored as JSONB; the id and timestamps are assigned by the store.
type InsertNotificationParams struct {
	UserID         string
	SubscriptionID string
	Title          string
	Content        string
	SourceURL      string
	EntityType     string
	Metadata       map[string]interface{}
}

// DuplicateLookupParams identifies the dedup composite key. DocumentID is
// matched against metadata->>'document_id' only when non-empty.
type DuplicateLookupParams struct {
	UserID     string
	Title      string
	SourceURL  string
	EntityType string
	DocumentID string
	Window     time.Duration
}

// DigestFrequency enumerates how often a user wants digest emails.
type DigestFrequency string

const (
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
	DigestNever  DigestFrequency = "never"
)

// User is the delivery-preference projection of a user row. The worker
// looks users up; it never owns or mutates them.
type User struct {
	ID                   string
	Email                string
	EmailNotifications   bool
	InstantNotifications bool
	NotificationEmail    string
	DigestFrequency      DigestFrequency
	IsTestUser           bool
}

// Subscription is the ownership projection of a subscription row.
type Subscription struct {
	ID     string
	UserID string
	Name   string
	Status string
}
