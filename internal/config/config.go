// Package config loads the notification-worker configuration from the
// environment, with an optional Vault KV-v2 overlay for connection secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the worker needs to start. All fields have
// defaults suitable for local development; production deployments override
// them via environment variables (or Vault, see ApplyVault).
type Config struct {
	Port   string
	AppEnv string

	// Postgres. PGURL wins when set; otherwise it is assembled from the
	// DB_* parts.
	PGURL string

	// NATS.
	NATSURL string
	// SubscriptionDurable is the JetStream durable consumer name. All worker
	// replicas share it so each message is processed by exactly one instance.
	SubscriptionDurable string
	MatchSubject        string

	// Outbound subjects.
	DLQSubject            string
	EmailImmediateSubject string
	EmailDailySubject     string
	RealtimeSubjectPrefix string

	// Optional Redis dedup fast path. Empty disables it.
	RedisAddr string

	DedupWindow    time.Duration
	MessageTimeout time.Duration
	ShutdownGrace  time.Duration

	LogLevel string
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  envOr("PORT", "8080"),
		AppEnv:                envOr("APP_ENV", "development"),
		PGURL:                 os.Getenv("PG_URL"),
		NATSURL:               envOr("NATS_URL", "nats://localhost:4222"),
		SubscriptionDurable:   envOr("PUBSUB_SUBSCRIPTION", "notification-worker"),
		MatchSubject:          envOr("MATCH_SUBJECT", "subscriptions.matches"),
		DLQSubject:            envOr("DLQ_TOPIC", "notifications.dlq"),
		EmailImmediateSubject: envOr("EMAIL_IMMEDIATE_TOPIC", "notifications.email.immediate"),
		EmailDailySubject:     envOr("EMAIL_DAILY_TOPIC", "notifications.email.daily"),
		RealtimeSubjectPrefix: envOr("REALTIME_TOPIC", "realtime.notifications"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
	}

	if cfg.PGURL == "" {
		cfg.PGURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			envOr("DB_USER", "postgres"),
			envOr("DB_PASSWORD", "postgres"),
			envOr("DB_HOST", "localhost"),
			envOr("DB_PORT", "5432"),
			envOr("DB_NAME", "notifications"),
		)
	}

	windowMinutes, err := envInt("DEDUPLICATION_WINDOW_MINUTES", 1440)
	if err != nil {
		return nil, err
	}
	cfg.DedupWindow = time.Duration(windowMinutes) * time.Minute

	timeoutSeconds, err := envInt("MESSAGE_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.MessageTimeout = time.Duration(timeoutSeconds) * time.Second

	graceSeconds, err := envInt("SHUTDOWN_GRACE_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownGrace = time.Duration(graceSeconds) * time.Second

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return n, nil
}
