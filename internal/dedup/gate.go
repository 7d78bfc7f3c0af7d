// Package dedup answers one question per notification candidate: has this
// user already been notified about this document within the sliding window?
//
// The check is best-effort and non-transactional by design: the broker is
// at-least-once, so a false negative only produces a duplicate row, and a
// failure of the gate must never drop a notification. A Redis key with TTL
// equal to the window serves as fast path — read at check time, written
// only once the row is persisted — and the Postgres composite-key lookup
// is the fallback (and the source of truth across restarts).
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/repository/db"
)

// Key is the dedup composite key. DocumentID participates only when the
// upstream source provided one.
type Key struct {
	UserID     string
	Title      string
	SourceURL  string
	EntityType string
	DocumentID string
}

// Gate performs duplicate checks. rdb may be nil, which disables the Redis
// fast path entirely.
type Gate struct {
	rdb     *redis.Client
	querier db.Querier
	window  time.Duration
	logger  *zap.Logger
}

// NewGate creates a Gate with the given dedup window.
func NewGate(rdb *redis.Client, querier db.Querier, window time.Duration, logger *zap.Logger) *Gate {
	return &Gate{rdb: rdb, querier: querier, window: window, logger: logger}
}

// Window returns the configured dedup window.
func (g *Gate) Window() time.Duration { return g.window }

// IsDuplicate reports whether an equivalent notification was already seen
// for this user inside the window. Store failures answer "not a duplicate"
// with a warning — dedup being unavailable must not drop notifications.
//
// The check is strictly read-only: the cache key is written by MarkSeen
// only after the row is persisted. Writing it here would turn a failed
// insert's redelivery into a false duplicate and lose the notification.
func (g *Gate) IsDuplicate(ctx context.Context, key Key) bool {
	if g.rdb != nil {
		// A Redis failure falls through to Postgres rather than failing
		// the check.
		n, err := g.rdb.Exists(ctx, g.redisKey(key)).Result()
		if err == nil {
			if n > 0 {
				g.logger.Info("duplicate notification suppressed (cache)",
					zap.String("user_id", key.UserID),
					zap.String("title", key.Title),
				)
				return true
			}
			// Cold cache says nothing; still confirm against the store so
			// restarts cannot double-deliver.
		} else {
			g.logger.Warn("dedup cache unavailable, falling back to store", zap.Error(err))
		}
	}

	count, err := g.querier.CountRecentNotifications(ctx, db.DuplicateLookupParams{
		UserID:     key.UserID,
		Title:      key.Title,
		SourceURL:  key.SourceURL,
		EntityType: key.EntityType,
		DocumentID: key.DocumentID,
		Window:     g.window,
	})
	if err != nil {
		g.logger.Warn("dedup lookup failed, treating as not a duplicate",
			zap.String("user_id", key.UserID),
			zap.Error(err),
		)
		return false
	}
	if count > 0 {
		g.logger.Info("duplicate notification suppressed",
			zap.String("user_id", key.UserID),
			zap.String("title", key.Title),
		)
		return true
	}
	return false
}

// MarkSeen records a persisted notification in the cache with TTL equal to
// the window. Called only after the insert committed; best-effort, a cache
// write failure just means the next check falls through to the store.
func (g *Gate) MarkSeen(ctx context.Context, key Key) {
	if g.rdb == nil {
		return
	}
	if err := g.rdb.SetNX(ctx, g.redisKey(key), 1, g.window).Err(); err != nil {
		g.logger.Warn("dedup cache write failed", zap.Error(err))
	}
}

func (g *Gate) redisKey(key Key) string {
	h := sha256.Sum256([]byte(strings.Join([]string{
		key.UserID, key.Title, key.SourceURL, key.EntityType, key.DocumentID,
	}, "\x00")))
	return "notifications:dedup:" + hex.EncodeToString(h[:])
}
