package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/lexwatch/notification-worker/internal/dedup"
	"github.com/lexwatch/notification-worker/internal/dispatcher"
	"github.com/lexwatch/notification-worker/internal/envelope"
	"github.com/lexwatch/notification-worker/internal/processor"
	"github.com/lexwatch/notification-worker/internal/repository/db"
	"github.com/lexwatch/notification-worker/internal/repository/mock"
)

// stubPublisher implements dispatcher.Publisher in memory.
type stubPublisher struct {
	published int
	ephemeral int
	err       error
}

func (s *stubPublisher) Publish(context.Context, string, []byte) error {
	if s.err != nil {
		return s.err
	}
	s.published++
	return nil
}

func (s *stubPublisher) PublishEphemeral(string, []byte) error {
	if s.err != nil {
		return s.err
	}
	s.ephemeral++
	return nil
}

func newTestPipeline(t *testing.T, querier db.Querier, pub dispatcher.Publisher) *Pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewPipeline(
		processor.NewRegistry(
			processor.NewBOEProcessor(logger),
			processor.NewRealEstateProcessor(logger),
		),
		querier,
		dedup.NewGate(nil, querier, time.Hour, logger),
		dispatcher.NewEmailDispatcher(pub, querier, "notifications.email.immediate", "notifications.email.daily", logger),
		dispatcher.NewRealtimeDispatcher(pub, "realtime.notifications", logger),
		logger,
	)
}

func matchEnvelope(docs string) []byte {
	return []byte(`{
		"processor_type": "boe", "trace_id": "trace-1",
		"request": {"user_id": "user-1", "subscription_id": "sub-1"},
		"results": {"matches": [{"prompt": "ayudas", "documents": [` + docs + `]}]}
	}`)
}

const boeDoc = `{"title": "Resolución X", "document_type": "boe_document",
	"links": {"html": "https://www.boe.es/doc"}}`

func ownedSubscription(querier *mock.MockQuerier) {
	querier.EXPECT().
		GetSubscriptionByID(gomock.Any(), "sub-1").
		Return(db.Subscription{ID: "sub-1", UserID: "user-1", Name: "Mi suscripción"}, nil).
		AnyTimes()
}

func TestProcessEnvelope_HappyPath(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	ownedSubscription(querier)
	querier.EXPECT().
		CountRecentNotifications(gomock.Any(), gomock.Any()).
		Return(int64(0), nil)
	querier.EXPECT().
		InsertNotification(gomock.Any(), gomock.Any()).
		Return(db.Notification{ID: "notif-1", UserID: "user-1", Title: "Resolución X"}, nil)
	querier.EXPECT().
		GetUserByID(gomock.Any(), "user-1").
		Return(db.User{ID: "user-1", Email: "u@example.test", InstantNotifications: true}, nil)
	querier.EXPECT().MarkEmailSent(gomock.Any(), "notif-1", "user-1").Return(nil)

	pub := &stubPublisher{}
	p := newTestPipeline(t, querier, pub)

	result, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))

	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.EmailsSent)
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Duplicates)
	assert.Equal(t, 1, pub.published)
	assert.Equal(t, 1, pub.ephemeral)
}

func TestProcessEnvelope_DuplicateSuppressed(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	ownedSubscription(querier)
	querier.EXPECT().
		CountRecentNotifications(gomock.Any(), gomock.Any()).
		Return(int64(1), nil)

	pub := &stubPublisher{}
	p := newTestPipeline(t, querier, pub)

	result, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))

	require.NoError(t, err)
	assert.Zero(t, result.Created)
	assert.Equal(t, 1, result.Duplicates)
	assert.Zero(t, pub.published)
	assert.Zero(t, pub.ephemeral)
}

func TestProcessEnvelope_UnknownProcessorType(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	p := newTestPipeline(t, querier, &stubPublisher{})

	raw := []byte(`{"processor_type": "telegram",
		"request": {"user_id": "user-1", "subscription_id": "sub-1"}}`)
	_, err := p.ProcessEnvelope(context.Background(), raw)

	var unknownErr *envelope.UnknownProcessorTypeError
	require.True(t, errors.As(err, &unknownErr))
	assert.Equal(t, "telegram", unknownErr.Tag)
}

func TestProcessEnvelope_OwnershipMismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	querier.EXPECT().
		GetSubscriptionByID(gomock.Any(), "sub-1").
		Return(db.Subscription{ID: "sub-1", UserID: "someone-else"}, nil)

	p := newTestPipeline(t, querier, &stubPublisher{})

	_, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))

	var authErr *processor.AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "user-1", authErr.UserID)
	assert.Equal(t, "someone-else", authErr.OwnerID)
}

func TestProcessEnvelope_SubscriptionNotFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	querier.EXPECT().
		GetSubscriptionByID(gomock.Any(), "sub-1").
		Return(db.Subscription{}, db.ErrNotFound)

	p := newTestPipeline(t, querier, &stubPublisher{})

	_, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))

	var validErr *envelope.ValidationError
	require.True(t, errors.As(err, &validErr))
	assert.Equal(t, "subscription_id", validErr.Field)
}

func TestProcessEnvelope_SubscriptionLookupTransient(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	querier.EXPECT().
		GetSubscriptionByID(gomock.Any(), "sub-1").
		Return(db.Subscription{}, errors.New("connection refused"))

	p := newTestPipeline(t, querier, &stubPublisher{})

	_, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))

	var connErr *db.ConnectionError
	require.True(t, errors.As(err, &connErr))
}

func TestProcessEnvelope_RowErrorContinuesBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	ownedSubscription(querier)
	querier.EXPECT().
		CountRecentNotifications(gomock.Any(), gomock.Any()).
		Return(int64(0), nil).
		Times(2)

	// First insert hits a constraint; the second succeeds.
	gomock.InOrder(
		querier.EXPECT().
			InsertNotification(gomock.Any(), gomock.Any()).
			Return(db.Notification{}, &pgconn.PgError{Code: "23505"}),
		querier.EXPECT().
			InsertNotification(gomock.Any(), gomock.Any()).
			Return(db.Notification{ID: "notif-2", UserID: "user-1"}, nil),
	)
	querier.EXPECT().
		GetUserByID(gomock.Any(), "user-1").
		Return(db.User{}, db.ErrNotFound)

	p := newTestPipeline(t, querier, &stubPublisher{})

	docs := boeDoc + `, {"title": "Orden Y", "document_type": "boe_document"}`
	result, err := p.ProcessEnvelope(context.Background(), matchEnvelope(docs))

	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Errors)
}

func TestProcessEnvelope_TransientInsertAbortsBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	ownedSubscription(querier)
	querier.EXPECT().
		CountRecentNotifications(gomock.Any(), gomock.Any()).
		Return(int64(0), nil)
	querier.EXPECT().
		InsertNotification(gomock.Any(), gomock.Any()).
		Return(db.Notification{}, &db.ConnectionError{Err: errors.New("connection refused")})

	p := newTestPipeline(t, querier, &stubPublisher{})

	docs := boeDoc + `, {"title": "Orden Y", "document_type": "boe_document"}`
	result, err := p.ProcessEnvelope(context.Background(), matchEnvelope(docs))

	// The partial result comes back alongside the transient error so
	// progress is still counted before the nack.
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Zero(t, result.Created)

	var connErr *db.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}

// The dedup cache is written only once the row is persisted: a transient
// insert failure must leave the cache empty so the broker's redelivery is
// processed instead of being suppressed as a duplicate.
func TestProcessEnvelope_CacheMarkedOnlyAfterPersist(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)
	logger := zaptest.NewLogger(t)

	ownedSubscription(querier)
	querier.EXPECT().
		CountRecentNotifications(gomock.Any(), gomock.Any()).
		Return(int64(0), nil).
		Times(2)
	gomock.InOrder(
		querier.EXPECT().
			InsertNotification(gomock.Any(), gomock.Any()).
			Return(db.Notification{}, &db.ConnectionError{Err: errors.New("connection refused")}),
		querier.EXPECT().
			InsertNotification(gomock.Any(), gomock.Any()).
			Return(db.Notification{ID: "notif-1", UserID: "user-1"}, nil),
	)
	querier.EXPECT().
		GetUserByID(gomock.Any(), "user-1").
		Return(db.User{}, db.ErrNotFound)

	pub := &stubPublisher{}
	p := NewPipeline(
		processor.NewRegistry(processor.NewBOEProcessor(logger)),
		querier,
		dedup.NewGate(rdb, querier, time.Hour, logger),
		dispatcher.NewEmailDispatcher(pub, querier, "imm", "daily", logger),
		dispatcher.NewRealtimeDispatcher(pub, "realtime.notifications", logger),
		logger,
	)

	// First delivery: the insert fails transiently; nothing may be cached.
	_, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))
	require.Error(t, err)
	assert.Empty(t, mr.Keys())

	// Redelivery: processed as new, and only now does the key appear.
	result, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Zero(t, result.Duplicates)
	assert.Len(t, mr.Keys(), 1)
}

// A failed email publish happens after the row is persisted, so it must be
// counted as a delivery error, not a row error: for every envelope,
// created + errors + duplicates stays within the document count.
func TestProcessEnvelope_EmailFailureIsNotARowError(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	ownedSubscription(querier)
	querier.EXPECT().
		CountRecentNotifications(gomock.Any(), gomock.Any()).
		Return(int64(0), nil)
	querier.EXPECT().
		InsertNotification(gomock.Any(), gomock.Any()).
		Return(db.Notification{ID: "notif-1", UserID: "user-1"}, nil)
	querier.EXPECT().
		GetUserByID(gomock.Any(), "user-1").
		Return(db.User{ID: "user-1", Email: "u@example.test", InstantNotifications: true}, nil)

	pub := &stubPublisher{err: errors.New("no responders")}
	p := newTestPipeline(t, querier, pub)

	result, err := p.ProcessEnvelope(context.Background(), matchEnvelope(boeDoc))

	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Zero(t, result.Errors)
	assert.Equal(t, 1, result.EmailErrors)
	assert.Zero(t, result.EmailsSent)
	assert.LessOrEqual(t, result.Created+result.Errors+result.Duplicates, 1)
}

func TestProcessEnvelope_InvalidDocumentsCountAsErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	querier := mock.NewMockQuerier(ctrl)

	ownedSubscription(querier)

	p := newTestPipeline(t, querier, &stubPublisher{})

	// An empty document is structurally invalid for the bulletin processor.
	result, err := p.ProcessEnvelope(context.Background(), matchEnvelope(`{}`))

	require.NoError(t, err)
	assert.Zero(t, result.Created)
	assert.Equal(t, 1, result.Errors)
}
