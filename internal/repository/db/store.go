package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store implements Querier on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a Store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

var _ Querier = (*Store)(nil)

const insertNotificationSQL = `
INSERT INTO notifications (user_id, subscription_id, title, content, source_url, entity_type, metadata, status, email_sent)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'unread', FALSE)
RETURNING id, created_at, updated_at`

// InsertNotification persists one notification. The RLS session parameter
// app.current_user_id is set with set_config(..., true) inside the same
// transaction as the INSERT, so it is scoped to this statement and cannot
// leak to other connections in the pool.
func (s *Store) InsertNotification(ctx context.Context, arg InsertNotificationParams) (Notification, error) {
	metadata, err := json.Marshal(arg.Metadata)
	if err != nil {
		return Notification{}, fmt.Errorf("marshal metadata: %w", err)
	}

	n := Notification{
		UserID:         arg.UserID,
		SubscriptionID: arg.SubscriptionID,
		Title:          arg.Title,
		Content:        arg.Content,
		SourceURL:      arg.SourceURL,
		EntityType:     arg.EntityType,
		Metadata:       arg.Metadata,
		Status:         StatusUnread,
	}

	err = withRetry(ctx, s.logger, func() error {
		return s.withUserTx(ctx, arg.UserID, func(tx pgx.Tx) error {
			return tx.QueryRow(ctx, insertNotificationSQL,
				arg.UserID, arg.SubscriptionID, arg.Title, arg.Content,
				arg.SourceURL, arg.EntityType, metadata,
			).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
		})
	})
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}

const countRecentSQL = `
SELECT COUNT(*) FROM notifications
WHERE user_id = $1
  AND title = $2
  AND source_url = $3
  AND entity_type = $4
  AND ($5 = '' OR metadata->>'document_id' = $5)
  AND created_at > NOW() - $6::interval`

// CountRecentNotifications answers the dedup gate's lookup: rows matching
// the composite key inside the window. RLS applies to SELECTs on
// notifications too, so the lookup runs under the user's session context.
func (s *Store) CountRecentNotifications(ctx context.Context, arg DuplicateLookupParams) (int64, error) {
	var count int64
	err := s.withUserTx(ctx, arg.UserID, func(tx pgx.Tx) error {
		interval := fmt.Sprintf("%d minutes", int64(arg.Window.Minutes()))
		return tx.QueryRow(ctx, countRecentSQL,
			arg.UserID, arg.Title, arg.SourceURL, arg.EntityType, arg.DocumentID, interval,
		).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

const markEmailSentSQL = `
UPDATE notifications SET email_sent = TRUE, updated_at = NOW()
WHERE id = $1 AND user_id = $2`

// MarkEmailSent flips email_sent after a successful immediate-email publish.
func (s *Store) MarkEmailSent(ctx context.Context, notificationID, userID string) error {
	return s.withUserTx(ctx, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markEmailSentSQL, notificationID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const getUserSQL = `
SELECT id, email,
       COALESCE(email_notifications, FALSE),
       COALESCE(instant_notifications, FALSE),
       COALESCE(notification_email, ''),
       COALESCE(digest_frequency, 'never'),
       COALESCE(is_test_user, FALSE)
FROM users WHERE id = $1`

// GetUserByID loads the delivery-preference projection of a user.
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx, getUserSQL, id).Scan(
		&u.ID, &u.Email, &u.EmailNotifications, &u.InstantNotifications,
		&u.NotificationEmail, &u.DigestFrequency, &u.IsTestUser,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

const getSubscriptionSQL = `
SELECT id, user_id, COALESCE(name, ''), COALESCE(status, '')
FROM subscriptions WHERE id = $1`

// GetSubscriptionByID loads the ownership projection of a subscription.
func (s *Store) GetSubscriptionByID(ctx context.Context, id string) (Subscription, error) {
	var sub Subscription
	err := s.pool.QueryRow(ctx, getSubscriptionSQL, id).Scan(
		&sub.ID, &sub.UserID, &sub.Name, &sub.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withUserTx borrows a connection, opens a transaction, sets the RLS
// session parameter for the given user with transaction-local scope, runs
// fn, and commits. The set-and-use happens on one connection inside one
// transaction, which is the only safe shape under concurrent workers.
func (s *Store) withUserTx(ctx context.Context, userID string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_user_id', $1, true)`, userID); err != nil {
		return fmt.Errorf("set RLS context: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
