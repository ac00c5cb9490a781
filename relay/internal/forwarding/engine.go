// Package forwarding delivers inbound messages to webhook subscriptions.
package forwarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/relay/internal/dlq"
	"github.com/goip-relay/goip-relay/relay/internal/events"
	"github.com/goip-relay/goip-relay/relay/internal/metrics"
	"github.com/goip-relay/goip-relay/relay/internal/models"
	"github.com/goip-relay/goip-relay/relay/internal/repository"
)

// ErrShuttingDown is reported by Dispatch after Shutdown has been called.
var ErrShuttingDown = errors.New("forwarding engine is shutting down")

type Config struct {
	// RetryJitter adds up to RetryJitter*delay of random wait before each
	// retry. Zero disables jitter.
	RetryJitter float64 `mapstructure:"retry_jitter"`
	// StatsTimeout bounds each subscription counter update.
	StatsTimeout time.Duration `mapstructure:"stats_timeout"`
	// DeadLetter publishes exhausted deliveries when a queue is configured.
	DeadLetter bool `mapstructure:"dead_letter"`
}

func DefaultConfig() Config {
	return Config{
		StatsTimeout: 5 * time.Second,
		DeadLetter:   true,
	}
}

// DeadLetterWriter receives deliveries that exhausted their attempts.
type DeadLetterWriter interface {
	Write(ctx context.Context, f *dlq.FailedDelivery) error
}

type Option func(*Engine)

// WithHTTPClient replaces the webhook client.
func WithHTTPClient(c *resty.Client) Option {
	return func(e *Engine) { e.client = c }
}

func WithEmitter(em *events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

func WithDeadLetter(w DeadLetterWriter) Option {
	return func(e *Engine) { e.dlq = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Status is a point-in-time view of the engine for operators.
type Status struct {
	InFlight     int64  `json:"inFlight"`
	Dispatched   uint64 `json:"dispatched"`
	Delivered    uint64 `json:"delivered"`
	Failed       uint64 `json:"failed"`
	DeadLettered uint64 `json:"deadLettered"`
	Panics       uint64 `json:"panics"`
	ShuttingDown bool   `json:"shuttingDown"`
}

// Engine fans each message out to its matching subscriptions concurrently,
// retrying each subscription independently.
type Engine struct {
	store   repository.SubscriptionStore
	cfg     Config
	client  *resty.Client
	emitter *events.Emitter
	dlq     DeadLetterWriter
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// base is cancelled when Shutdown gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	inFlight     atomic.Int64
	dispatched   atomic.Uint64
	delivered    atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	panics       atomic.Uint64
}

func New(store repository.SubscriptionStore, cfg Config, opts ...Option) *Engine {
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepContext,
		base:   base,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.Component("forwarding"))
	if e.client == nil {
		e.client = NewHTTPClient(e.logger)
	}
	if e.emitter == nil {
		e.emitter = events.NewEmitter(nil, e.logger)
	}
	return e
}

// NewHTTPClient returns the resty client used for webhook POSTs. Retries are
// driven by the engine, not by resty.
func NewHTTPClient(logger *slog.Logger) *resty.Client {
	return resty.New().
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", models.DefaultUserAgent).
		SetLogger(restyLogger{logger})
}

// Dispatch forwards msg in the background and returns immediately. The
// goroutine is tracked for Shutdown and a panic in it is logged, not fatal.
func (e *Engine) Dispatch(msg *models.Message, slot *models.Slot) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		e.logger.Warn("dropping forward during shutdown", logging.MessageID(msg.ID))
		return ErrShuttingDown
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	e.dispatched.Add(1)
	e.inFlight.Add(1)
	metrics.InflightForwards.Inc()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.panics.Add(1)
				e.logger.Error("panic while forwarding message",
					logging.MessageID(msg.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
			metrics.InflightForwards.Dec()
			e.inFlight.Add(-1)
			e.inflight.Done()
		}()
		e.Forward(e.base, msg, slot)
	}()
	return nil
}

// Forward delivers msg to every matching subscription and returns one
// outcome per subscription. It never fails; problems are logged.
func (e *Engine) Forward(ctx context.Context, msg *models.Message, slot *models.Slot) []models.DeliveryOutcome {
	subs, err := e.store.FindSubscriptions(ctx, repository.SubscriptionQuery{
		DeviceID:  msg.DeviceID,
		DeviceRef: msg.DeviceRef,
		Receiver:  msg.Receiver,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load subscriptions",
			logging.MessageID(msg.ID),
			logging.Error(err))
		return nil
	}
	if len(subs) == 0 {
		e.logger.DebugContext(ctx, "no matching subscriptions",
			logging.MessageID(msg.ID),
			logging.DeviceID(msg.DeviceID))
		return nil
	}

	payload := models.NewWebhookPayload(msg, slot)
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to encode webhook payload",
			logging.MessageID(msg.ID),
			logging.Error(err))
		return nil
	}

	outcomes := make([]models.DeliveryOutcome, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := e.deliver(ctx, sub, msg.ID, body)
			e.settle(ctx, sub, &outcome, payload)
			outcomes[i] = outcome
		}()
	}
	wg.Wait()

	e.logger.InfoContext(ctx, "message forwarded",
		logging.MessageID(msg.ID),
		logging.Count(len(subs)),
		slog.Int("delivered", countStatus(outcomes, models.Delivered)))
	return outcomes
}

// settle records a terminal outcome: exactly one counter increment, the
// last-used timestamp, the outcome event and, on failure, the dead letter.
// It uses a context detached from cancellation so shutdown does not lose
// statistics.
func (e *Engine) settle(ctx context.Context, sub *models.Subscription, o *models.DeliveryOutcome, payload models.WebhookPayload) {
	metrics.Deliveries.WithLabelValues(string(o.Status)).Inc()
	metrics.DeliveryDuration.Observe(o.Duration.Seconds())

	statsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.statsTimeout())
	defer cancel()

	field := repository.SuccessCount
	if o.Status == models.Delivered {
		e.delivered.Add(1)
	} else {
		field = repository.FailureCount
		e.failed.Add(1)
	}
	if err := e.store.IncrementCounter(statsCtx, sub.ID, field, 1); err != nil {
		metrics.CounterUpdateErrors.Inc()
		e.logger.ErrorContext(ctx, "failed to update subscription counter",
			logging.Subscription(sub.ID),
			slog.String("field", string(field)),
			logging.Error(err))
	}
	if err := e.store.SetLastUsedAt(statsCtx, sub.ID, o.CompletedAt); err != nil {
		metrics.CounterUpdateErrors.Inc()
		e.logger.ErrorContext(ctx, "failed to update subscription last used",
			logging.Subscription(sub.ID),
			logging.Error(err))
	}

	e.emitter.Emit(ctx, subjectOutcome, o)

	if o.Status == models.Failed && e.cfg.DeadLetter && e.dlq != nil {
		err := e.dlq.Write(statsCtx, &dlq.FailedDelivery{
			Timestamp:      o.CompletedAt.UTC(),
			Reason:         dlq.ReasonDeliveryExhausted,
			SubscriptionID: sub.ID,
			URL:            sub.URL,
			Attempts:       o.AttemptsMade,
			StatusCode:     o.StatusCode,
			LastError:      o.LastError,
			Payload:        payload,
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to dead-letter delivery",
				logging.Subscription(sub.ID),
				logging.MessageID(o.MessageID),
				logging.Error(err))
		} else {
			e.deadLettered.Add(1)
			metrics.DeadLettered.Inc()
		}
	}
}

// Shutdown stops accepting new dispatches and waits for in-flight forwards.
// If ctx ends first, outstanding deliveries are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return fmt.Errorf("forwarding shutdown: %w", ctx.Err())
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	closing := e.closing
	e.mu.Unlock()

	return Status{
		InFlight:     e.inFlight.Load(),
		Dispatched:   e.dispatched.Load(),
		Delivered:    e.delivered.Load(),
		Failed:       e.failed.Load(),
		DeadLettered: e.deadLettered.Load(),
		Panics:       e.panics.Load(),
		ShuttingDown: closing,
	}
}

func (c Config) statsTimeout() time.Duration {
	if c.StatsTimeout <= 0 {
		return 5 * time.Second
	}
	return c.StatsTimeout
}

func countStatus(outcomes []models.DeliveryOutcome, s models.DeliveryStatus) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}
