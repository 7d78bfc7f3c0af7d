package consumer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/dedup"
	"github.com/lexwatch/notification-worker/internal/dispatcher"
	"github.com/lexwatch/notification-worker/internal/envelope"
	"github.com/lexwatch/notification-worker/internal/processor"
	"github.com/lexwatch/notification-worker/internal/repository/db"
)

// Result is the per-message processing outcome reported to metrics and, on
// partial failures, to the logs. Errors counts per-document validation and
// persistence failures, so for every envelope
// created + errors + duplicates never exceeds the document count;
// delivery failures on already-persisted rows go to EmailErrors.
type Result struct {
	Created          int
	Errors           int
	Duplicates       int
	EmailsSent       int
	EmailErrors      int
	ProcessingTimeMS int64
}

// Pipeline runs one normalized envelope through dispatch, dedup,
// persistence, and delivery. It is broker-agnostic: the surrounding
// Consumer owns ack/nack.
type Pipeline struct {
	registry *processor.Registry
	querier  db.Querier
	gate     *dedup.Gate
	email    *dispatcher.EmailDispatcher
	realtime *dispatcher.RealtimeDispatcher
	logger   *zap.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(
	registry *processor.Registry,
	querier db.Querier,
	gate *dedup.Gate,
	email *dispatcher.EmailDispatcher,
	realtime *dispatcher.RealtimeDispatcher,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		registry: registry,
		querier:  querier,
		gate:     gate,
		email:    email,
		realtime: realtime,
		logger:   logger,
	}
}

// ProcessEnvelope is the per-message pipeline. Errors it returns carry the
// taxonomy types the Consumer classifies into ack/nack/DLQ; a non-nil
// Result comes back even alongside an error so partial progress is counted.
func (p *Pipeline) ProcessEnvelope(ctx context.Context, data []byte) (*Result, error) {
	env, err := envelope.Normalize(data, p.logger)
	if err != nil {
		return nil, err
	}

	proc, err := p.registry.Get(env.ProcessorType)
	if err != nil {
		return nil, err
	}

	if err := p.checkOwnership(ctx, env); err != nil {
		return nil, err
	}

	subResult, err := proc.ValidateAndTransform(env)
	if err != nil {
		return nil, err
	}

	result := &Result{Errors: subResult.Invalid}
	for _, candidate := range subResult.Candidates {
		key := dedup.Key{
			UserID:     candidate.Notification.UserID,
			Title:      candidate.Notification.Title,
			SourceURL:  candidate.Notification.SourceURL,
			EntityType: candidate.Notification.EntityType,
			DocumentID: candidate.DocumentID,
		}
		if p.gate.IsDuplicate(ctx, key) {
			result.Duplicates++
			continue
		}

		n, err := p.querier.InsertNotification(ctx, candidate.Notification)
		if err != nil {
			var connErr *db.ConnectionError
			if errors.As(err, &connErr) || errors.Is(err, context.DeadlineExceeded) {
				// Connection lost mid-batch: surface as transient so the
				// broker redelivers; rows written so far are absorbed by
				// the dedup gate on the retry.
				return result, err
			}
			result.Errors++
			p.logger.Error("notification insert failed, continuing batch",
				zap.String("trace_id", env.TraceID),
				zap.String("user_id", env.UserID),
				zap.String("document_id", candidate.DocumentID),
				zap.Error(err),
			)
			continue
		}
		result.Created++
		// The row is durable from here on; mark it in the cache so the
		// fast path answers for the rest of the window.
		p.gate.MarkSeen(ctx, key)

		p.deliver(ctx, env, n, result)
	}

	return result, nil
}

// deliver fans one persisted notification out to email and realtime. Email
// failures are counted separately from row errors (the row itself is safely
// persisted); realtime failures are swallowed inside the dispatcher.
// Nothing here aborts the batch.
func (p *Pipeline) deliver(ctx context.Context, env *envelope.Normalized, n db.Notification, result *Result) {
	defer p.realtime.Notify(n)

	user, err := p.querier.GetUserByID(ctx, n.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Warn("user not found, skipping email delivery",
				zap.String("trace_id", env.TraceID),
				zap.String("user_id", n.UserID),
			)
		} else {
			p.logger.Error("user lookup failed, skipping email delivery",
				zap.String("trace_id", env.TraceID),
				zap.String("user_id", n.UserID),
				zap.Error(err),
			)
		}
		return
	}

	subscriptionName := ""
	if sub, err := p.querier.GetSubscriptionByID(ctx, n.SubscriptionID); err == nil {
		subscriptionName = sub.Name
	}

	sent, err := p.email.Dispatch(ctx, user, n, subscriptionName)
	if err != nil {
		result.EmailErrors++
		p.logger.Error("email dispatch failed",
			zap.String("trace_id", env.TraceID),
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
		return
	}
	if sent {
		result.EmailsSent++
	}
}

// checkOwnership verifies the envelope's user owns the subscription it
// claims results for.
func (p *Pipeline) checkOwnership(ctx context.Context, env *envelope.Normalized) error {
	sub, err := p.querier.GetSubscriptionByID(ctx, env.SubscriptionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return &envelope.ValidationError{Field: "subscription_id", Reason: "not found"}
		}
		// Subscription lookups fail almost exclusively on connectivity;
		// treat as transient so the broker redelivers.
		return &db.ConnectionError{Err: fmt.Errorf("subscription lookup: %w", err)}
	}
	if sub.UserID != env.UserID {
		return &processor.AuthorizationError{
			UserID:         env.UserID,
			SubscriptionID: env.SubscriptionID,
			OwnerID:        sub.UserID,
		}
	}
	return nil
}
