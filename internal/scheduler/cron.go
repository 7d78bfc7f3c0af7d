// Package scheduler emits digest-flush ticks for the downstream email
// renderer.
//
// Notifications routed to the digest channel accumulate on the daily
// subject until a flush tick tells the renderer to assemble and send the
// digests:
//
//	@daily  → SYSTEM_EVENTS.digest.daily
//	@weekly → SYSTEM_EVENTS.digest.weekly
package scheduler

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/natsclient"
)

const (
	subjectDigestDaily  = "SYSTEM_EVENTS.digest.daily"
	subjectDigestWeekly = "SYSTEM_EVENTS.digest.weekly"
)

// tickPayload is the JSON envelope published for each flush tick.
type tickPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// DigestScheduler wraps robfig/cron and publishes flush ticks to NATS.
type DigestScheduler struct {
	cron   *cron.Cron
	nats   *natsclient.Client
	logger *zap.Logger
}

// NewDigestScheduler creates and configures the scheduler.
func NewDigestScheduler(nc *natsclient.Client, logger *zap.Logger) *DigestScheduler {
	return &DigestScheduler{
		cron:   cron.New(),
		nats:   nc,
		logger: logger,
	}
}

// Start registers the cron jobs and starts the scheduler.
// Call Stop() to gracefully shut down.
func (s *DigestScheduler) Start() error {
	if _, err := s.cron.AddFunc("@daily", s.publishDaily); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@weekly", s.publishWeekly); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("digest scheduler started",
		zap.String("daily_subject", subjectDigestDaily),
		zap.String("weekly_subject", subjectDigestWeekly),
	)
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *DigestScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("digest scheduler stopped")
}

func (s *DigestScheduler) publishDaily() {
	s.publish(subjectDigestDaily, "digest.daily")
}

func (s *DigestScheduler) publishWeekly() {
	s.publish(subjectDigestWeekly, "digest.weekly")
}

func (s *DigestScheduler) publish(subject, event string) {
	payload := tickPayload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal tick payload", zap.Error(err))
		return
	}

	// Plain NATS, not JetStream — ticks are ephemeral signals; a missed
	// one is covered by the next.
	if err := s.nats.PublishEphemeral(subject, data); err != nil {
		s.logger.Error("failed to publish digest tick",
			zap.String("subject", subject),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("digest tick published",
		zap.String("subject", subject),
		zap.String("event", event),
	)
}
