package forwarding

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/common/messaging"
	"github.com/goip-relay/goip-relay/relay/internal/metrics"
	"github.com/goip-relay/goip-relay/relay/internal/models"
)

const subjectOutcome = messaging.SubjectForwardingOutcome

// deliver runs one subscription's attempts sequentially. Timeouts, network
// errors and non-2xx responses are all retried the same way.
func (e *Engine) deliver(ctx context.Context, sub *models.Subscription, messageID string, body []byte) models.DeliveryOutcome {
	start := e.now()
	outcome := models.DeliveryOutcome{
		MessageID:        messageID,
		SubscriptionID:   sub.ID,
		SubscriptionName: sub.Name,
		Status:           models.Failed,
	}

	maxAttempts := sub.MaxAttempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.AttemptsMade = attempt
		status, err := e.post(ctx, sub, body)
		outcome.StatusCode = status
		metrics.DeliveryAttempts.Inc()

		if err == nil {
			outcome.Status = models.Delivered
			outcome.LastError = ""
			break
		}
		outcome.LastError = err.Error()

		if attempt == maxAttempts {
			e.logger.ErrorContext(ctx, "webhook delivery exhausted",
				logging.MessageID(messageID),
				logging.Subscription(sub.ID),
				logging.Attempt(attempt),
				logging.Status(status),
				logging.Error(err))
			break
		}

		e.logger.WarnContext(ctx, "webhook attempt failed",
			logging.MessageID(messageID),
			logging.Subscription(sub.ID),
			logging.Attempt(attempt),
			slog.Int("max_attempts", maxAttempts),
			logging.Status(status),
			logging.Error(err))

		if err := e.sleep(ctx, e.retryDelay(sub)); err != nil {
			outcome.LastError = fmt.Sprintf("retry aborted: %v", err)
			break
		}
	}

	outcome.CompletedAt = e.now()
	outcome.Duration = outcome.CompletedAt.Sub(start)
	return outcome
}

// post makes one attempt bounded by the subscription timeout. status is 0
// when no response was received.
func (e *Engine) post(ctx context.Context, sub *models.Subscription, body []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, sub.Timeout())
	defer cancel()

	resp, err := e.client.R().
		SetContext(attemptCtx).
		SetHeaders(sub.Headers).
		SetBody(body).
		Post(sub.URL)
	if err != nil {
		return 0, fmt.Errorf("send webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return resp.StatusCode(), fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return resp.StatusCode(), nil
}

func (e *Engine) retryDelay(sub *models.Subscription) time.Duration {
	delay := sub.RetryDelay()
	if j := e.cfg.RetryJitter; j > 0 && delay > 0 {
		delay += time.Duration(rand.Float64() * min(j, 1) * float64(delay))
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restyLogger routes resty's internal warnings through slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }
