package dispatcher

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/repository/db"
)

// RealtimeDispatcher publishes a lightweight event per persisted
// notification so connected clients can refresh immediately. Events are
// ephemeral (plain NATS, no stream): a missed event is superseded by the
// next fetch, so failures are logged and swallowed — they never hold up
// the ack.
type RealtimeDispatcher struct {
	publisher     Publisher
	subjectPrefix string
	logger        *zap.Logger
}

// NewRealtimeDispatcher creates a RealtimeDispatcher. Events go to
// <subjectPrefix>.<user_id>.
func NewRealtimeDispatcher(publisher Publisher, subjectPrefix string, logger *zap.Logger) *RealtimeDispatcher {
	return &RealtimeDispatcher{
		publisher:     publisher,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}
}

type realtimeEvent struct {
	Event          string    `json:"event"`
	UserID         string    `json:"user_id"`
	NotificationID string    `json:"notification_id"`
	Title          string    `json:"title"`
	EntityType     string    `json:"entity_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notify fires the realtime event for one persisted notification.
func (d *RealtimeDispatcher) Notify(n db.Notification) {
	data, err := json.Marshal(realtimeEvent{
		Event:          "notification.created",
		UserID:         n.UserID,
		NotificationID: n.ID,
		Title:          n.Title,
		EntityType:     n.EntityType,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		d.logger.Error("marshal realtime event", zap.Error(err))
		return
	}

	subject := d.subjectPrefix + "." + n.UserID
	if err := d.publisher.PublishEphemeral(subject, data); err != nil {
		d.logger.Warn("realtime publish failed (swallowed)",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}
