package consumer

import (
	"sync"
	"time"
)

// Metrics tracks the ingestion counters served by GET /metrics. The
// upstream consumers expose these as JSON, not as a scrape target, so this
// stays a mutex-guarded struct rather than a metrics registry.
type Metrics struct {
	mu sync.Mutex

	messageCount       int64
	successfulMessages int64
	validationErrors   int64
	processingErrors   int64
	notificationsMade  int64
	duplicatesSkipped  int64
	emailsSent         int64
	emailErrors        int64
	lastActivity       time.Time
	totalProcessingMS  int64
}

// MetricsSnapshot is the JSON shape of GET /metrics.
type MetricsSnapshot struct {
	MessageCount       int64     `json:"message_count"`
	SuccessfulMessages int64     `json:"successful_messages"`
	ValidationErrors   int64     `json:"validation_errors"`
	ProcessingErrors   int64     `json:"processing_errors"`
	NotificationsMade  int64     `json:"notifications_created"`
	DuplicatesSkipped  int64     `json:"duplicates_skipped"`
	EmailsSent         int64     `json:"emails_sent"`
	EmailErrors        int64     `json:"email_errors"`
	LastActivity       time.Time `json:"last_activity_ts"`
	AvgProcessingMS    float64   `json:"avg_processing_time_ms"`
}

// NewMetrics creates a Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) recordReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageCount++
	m.lastActivity = time.Now()
}

func (m *Metrics) recordSuccess(result *Result, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successfulMessages++
	m.totalProcessingMS += elapsed.Milliseconds()
	if result != nil {
		m.notificationsMade += int64(result.Created)
		m.duplicatesSkipped += int64(result.Duplicates)
		m.emailsSent += int64(result.EmailsSent)
		m.emailErrors += int64(result.EmailErrors)
	}
}

func (m *Metrics) recordValidationError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validationErrors++
}

func (m *Metrics) recordProcessingError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingErrors++
}

// Snapshot copies the counters for the HTTP surface.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := float64(0)
	if m.successfulMessages > 0 {
		avg = float64(m.totalProcessingMS) / float64(m.successfulMessages)
	}
	return MetricsSnapshot{
		MessageCount:       m.messageCount,
		SuccessfulMessages: m.successfulMessages,
		ValidationErrors:   m.validationErrors,
		ProcessingErrors:   m.processingErrors,
		NotificationsMade:  m.notificationsMade,
		DuplicatesSkipped:  m.duplicatesSkipped,
		EmailsSent:         m.emailsSent,
		EmailErrors:        m.emailErrors,
		LastActivity:       m.lastActivity,
		AvgProcessingMS:    avg,
	}
}
