package db

import "context"

// Querier is the persistence interface consumed by the pipeline. Store is
// the pgx implementation; tests use the generated mock in repository/mock.
type Querier interface {
	// InsertNotification persists one notification under the RLS session
	// context of its user and returns the stored row. Transient connection
	// failures are retried internally; after retries are exhausted the
	// error unwraps to *ConnectionError.
	InsertNotification(ctx context.Context, arg InsertNotificationParams) (Notification, error)

	// CountRecentNotifications counts notifications matching the dedup
	// composite key created within the lookup window.
	CountRecentNotifications(ctx context.Context, arg DuplicateLookupParams) (int64, error)

	// MarkEmailSent flips email_sent on a stored notification.
	MarkEmailSent(ctx context.Context, notificationID, userID string) error

	// GetUserByID loads the delivery-preference projection of a user.
	// Returns ErrNotFound when the user does not exist.
	GetUserByID(ctx context.Context, id string) (User, error)

	// GetSubscriptionByID loads the ownership projection of a subscription.
	// Returns ErrNotFound when the subscription does not exist.
	GetSubscriptionByID(ctx context.Context, id string) (Subscription, error)

	// Ping verifies database connectivity for the status monitor.
	Ping(ctx context.Context) error
}
