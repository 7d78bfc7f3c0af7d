// Package consumer owns the ingestion loop: a durable JetStream pull
// subscription whose messages run through the processing pipeline, with the
// ack/nack/dead-letter decision made here and nowhere else.
//
// Disposition rules:
//   - Parse, schema, unknown-tag errors: publish to the DLQ, then ack —
//     redelivery cannot fix a malformed payload.
//   - Transient database/broker errors and deadline expiries: nack, let
//     the broker redeliver.
//   - Ownership violations: log and ack; the envelope is skipped whole.
//   - Partial-batch outcomes (some rows failed): still ack; failures are
//     counted, not retried.
//   - Panics: best-effort DLQ then ack to break poison loops; if even the
//     DLQ publish fails, nack so the message is not lost.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lexwatch/notification-worker/internal/envelope"
	"github.com/lexwatch/notification-worker/internal/natsclient"
	"github.com/lexwatch/notification-worker/internal/processor"
	"github.com/lexwatch/notification-worker/internal/repository/db"
	"github.com/lexwatch/notification-worker/internal/status"
)

const fetchBatch = 10

// Options configures the ingestion consumer.
type Options struct {
	Subject        string
	Durable        string
	DLQSubject     string
	MessageTimeout time.Duration
}

// dlqPublisher is the slice of the broker client the disposition logic
// needs; narrowed to an interface so unit tests can fake it.
type dlqPublisher interface {
	PublishDLQ(ctx context.Context, subject string, data []byte) error
}

// Consumer pulls match envelopes and drives the pipeline.
type Consumer struct {
	nc       *natsclient.Client
	dlq      dlqPublisher
	pipeline *Pipeline
	metrics  *Metrics
	monitor  *status.Monitor
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer

	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewConsumer creates a Consumer. nc may be nil in unit tests that drive
// processMessage directly.
func NewConsumer(
	nc *natsclient.Client,
	pipeline *Pipeline,
	metrics *Metrics,
	monitor *status.Monitor,
	opts Options,
	logger *zap.Logger,
) *Consumer {
	c := &Consumer{
		nc:       nc,
		pipeline: pipeline,
		metrics:  metrics,
		monitor:  monitor,
		opts:     opts,
		logger:   logger,
		tracer:   otel.Tracer("notification-ingestion"),
	}
	if nc != nil {
		c.dlq = nc
	}
	return c
}

// fetcher is the pull slice of the JetStream subscription, narrowed so unit
// tests can drive the loop without a broker.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Start creates the durable pull subscription and launches the fetch loop
// in a background goroutine. It returns immediately.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.nc.JS.PullSubscribe(
		c.opts.Subject,
		c.opts.Durable,
		nats.BindStream(natsclient.StreamSubscriptionEvents),
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return fmt.Errorf("ingestion consumer: PullSubscribe: %w", err)
	}

	c.monitor.SetSubscriptionActive(true)
	c.monitor.SetBrokerActive(true)

	// The fetch loop gets its own cancellation, separate from the message
	// context: Stop must halt fetching without aborting whatever is
	// currently mid-pipeline — in-flight messages finish under the grace
	// period, not under the fetch cancel.
	fetchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.logger.Info("ingestion consumer started",
		zap.String("subject", c.opts.Subject),
		zap.String("durable", c.opts.Durable),
	)

	go c.run(ctx, fetchCtx, sub)
	return nil
}

// run is the fetch loop. msgCtx is the lifetime of message processing;
// fetchCtx only governs fetching and is what Stop cancels.
func (c *Consumer) run(msgCtx, fetchCtx context.Context, sub fetcher) {
	for {
		select {
		case <-fetchCtx.Done():
			c.logger.Info("ingestion consumer stopping")
			c.monitor.SetSubscriptionActive(false)
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.Context(fetchCtx))
		if err != nil {
			// Timeout on an empty queue is routine; anything else is a
			// broker-side subscription error. Stay alive either way.
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.Canceled) {
				c.logger.Error("fetch error", zap.Error(err))
				c.monitor.RecordError("broker", err.Error())
				if c.nc != nil {
					c.monitor.SetBrokerActive(c.nc.Connected())
				}
			}
			continue
		}
		c.monitor.SetBrokerActive(true)

		for _, msg := range msgs {
			c.inflight.Add(1)
			c.processMessage(msgCtx, msg, msg.Data)
			c.inflight.Done()
		}
	}
}

// Stop halts fetching and waits for in-flight messages up to the grace
// period; messages already mid-pipeline keep running on their own context.
// Messages still running after the grace hold un-acked deliveries, which
// the broker redelivers. Returns true when everything drained.
func (c *Consumer) Stop(grace time.Duration) bool {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		c.logger.Warn("shutdown grace expired with messages in flight",
			zap.Duration("grace", grace),
		)
		return false
	}
}

// acker is the message-lifecycle slice of *nats.Msg the disposition logic
// touches. Exactly one of Ack or Nak is invoked per delivery, on every path.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
}

// disposition is the terminal decision for one delivery.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionNak
	dispositionDLQ
)

// processMessage runs one delivery through the pipeline and resolves its
// disposition.
func (c *Consumer) processMessage(ctx context.Context, msg acker, data []byte) {
	msgCtx, cancel := context.WithTimeout(ctx, c.opts.MessageTimeout)
	defer cancel()

	msgCtx, span := c.tracer.Start(msgCtx, "ingestion.processMessage")
	defer span.End()

	c.metrics.recordReceived()
	start := time.Now()

	result, err := c.safeProcess(msgCtx, data)
	elapsed := time.Since(start)

	c.observe(err)

	switch classify(err) {
	case dispositionAck:
		if err != nil {
			// Ownership violation: skipped whole, acked, no DLQ.
			c.logger.Warn("envelope skipped", zap.Error(err))
			c.metrics.recordValidationError()
		} else {
			c.metrics.recordSuccess(result, elapsed)
			if result != nil && (result.Errors > 0 || result.EmailErrors > 0) {
				c.logger.Warn("message processed with row errors",
					zap.Int("created", result.Created),
					zap.Int("errors", result.Errors),
					zap.Int("email_errors", result.EmailErrors),
					zap.Int("duplicates", result.Duplicates),
				)
			}
		}
		c.ack(msg)

	case dispositionNak:
		c.metrics.recordProcessingError()
		c.logger.Error("transient failure, message nacked", zap.Error(err))
		c.nak(msg)

	case dispositionDLQ:
		c.metrics.recordValidationError()
		if c.publishDLQ(data, err) {
			c.ack(msg)
		} else {
			// The DLQ is the only place a poison message can be parked; if
			// parking failed, keep the delivery alive.
			c.nak(msg)
		}
	}
}

// safeProcess runs the pipeline with panic containment.
func (c *Consumer) safeProcess(ctx context.Context, data []byte) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return c.pipeline.ProcessEnvelope(ctx, data)
}

// classify maps a pipeline error to its disposition.
func classify(err error) disposition {
	if err == nil {
		return dispositionAck
	}

	var (
		parseErr   *envelope.ParseError
		validErr   *envelope.ValidationError
		unknownErr *envelope.UnknownProcessorTypeError
		authErr    *processor.AuthorizationError
		connErr    *db.ConnectionError
		pErr       *panicError
	)
	switch {
	case errors.As(err, &parseErr),
		errors.As(err, &validErr),
		errors.As(err, &unknownErr):
		return dispositionDLQ
	case errors.As(err, &authErr):
		return dispositionAck
	case errors.As(err, &connErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return dispositionNak
	case errors.As(err, &pErr):
		return dispositionDLQ
	default:
		// Unexpected error: dead-letter rather than loop forever.
		return dispositionDLQ
	}
}

// observe feeds the degraded-mode flags from the processing outcome.
func (c *Consumer) observe(err error) {
	var connErr *db.ConnectionError
	if errors.As(err, &connErr) {
		c.monitor.SetDBActive(false)
		c.monitor.RecordError("database", connErr.Error())
		return
	}
	if err == nil {
		c.monitor.SetDBActive(true)
	}
}

// publishDLQ parks the original bytes plus the error envelope on the DLQ
// subject. Reports whether the publish succeeded.
func (c *Consumer) publishDLQ(original []byte, cause error) bool {
	if c.dlq == nil {
		return false
	}

	// DLQ publish gets its own deadline: the message context may already
	// be expired, and the parking attempt must still run.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(dlqEnvelope{
		OriginalData: rawOrString(original),
		Error:        dlqErrorFrom(cause),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		c.logger.Error("marshal DLQ envelope", zap.Error(err))
		return false
	}

	if err := c.dlq.PublishDLQ(ctx, c.opts.DLQSubject, payload); err != nil {
		c.monitor.RecordError("broker", err.Error())
		return false
	}
	return true
}

func (c *Consumer) ack(msg acker) {
	if err := msg.Ack(); err != nil {
		c.logger.Error("ack failed", zap.Error(err))
	}
}

func (c *Consumer) nak(msg acker) {
	if err := msg.Nak(); err != nil {
		c.logger.Error("nack failed", zap.Error(err))
	}
}

// ── DLQ envelope ──────────────────────────────────────────────────────────

type dlqEnvelope struct {
	OriginalData json.RawMessage `json:"original_data"`
	Error        dlqError        `json:"error"`
	Timestamp    string          `json:"timestamp"`
}

type dlqError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Stack   string `json:"stack,omitempty"`
}

// named is implemented by the taxonomy errors that carry a wire name.
type named interface{ Name() string }

func dlqErrorFrom(err error) dlqError {
	out := dlqError{Message: err.Error(), Name: "ProcessingError"}

	var n named
	if errors.As(err, &n) {
		out.Name = n.Name()
	}
	var pErr *panicError
	if errors.As(err, &pErr) {
		out.Stack = pErr.stack
	}
	return out
}

// rawOrString embeds the original payload verbatim when it is valid JSON,
// and as a JSON string otherwise (a ParseError's payload usually is not).
func rawOrString(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return json.RawMessage(quoted)
}

// panicError wraps a recovered panic so it can flow through the taxonomy.
type panicError struct {
	value interface{}
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic during processing: %v", e.value) }
func (e *panicError) Name() string  { return "PanicError" }
