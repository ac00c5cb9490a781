// Package service runs the ingestion pipeline: parse, resolve, persist,
// then hand off to forwarding.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/common/messaging"
	"github.com/goip-relay/goip-relay/relay/internal/events"
	"github.com/goip-relay/goip-relay/relay/internal/metrics"
	"github.com/goip-relay/goip-relay/relay/internal/models"
	"github.com/goip-relay/goip-relay/relay/internal/repository"
	"github.com/goip-relay/goip-relay/relay/pkg/goip"
)

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrParse        = errors.New("parse error")
	ErrPersist      = errors.New("failed to persist message")
)

// Resolver attaches device context to a parsed message.
type Resolver interface {
	Resolve(ctx context.Context, port, receiver string) (*models.Resolution, error)
}

// Forwarder starts background delivery of a persisted message.
type Forwarder interface {
	Dispatch(msg *models.Message, slot *models.Slot) error
}

// Indexer queues a message for search indexing.
type Indexer interface {
	Enqueue(msg *models.Message) error
}

// UsageRecorder counts traffic per device and slot.
type UsageRecorder interface {
	Record(device string, slot int, sourceIP string, at time.Time)
}

type Config struct {
	// BatchConcurrency caps concurrent segment processing in a batch.
	BatchConcurrency int `mapstructure:"batch_concurrency"`
	// BatchRate caps segment persists per second across a batch. Zero
	// disables pacing.
	BatchRate float64 `mapstructure:"batch_rate"`
	// MaxBatchSegments rejects larger batches outright.
	MaxBatchSegments int `mapstructure:"max_batch_segments"`
	// Timezone interprets device SCTS timestamps. Empty means local time.
	Timezone string `mapstructure:"timezone"`
}

func DefaultConfig() Config {
	return Config{
		BatchConcurrency: 4,
		BatchRate:        10,
		MaxBatchSegments: 500,
	}
}

type Option func(*Service)

func WithEmitter(e *events.Emitter) Option     { return func(s *Service) { s.emitter = e } }
func WithIndexer(i Indexer) Option             { return func(s *Service) { s.indexer = i } }
func WithUsageRecorder(u UsageRecorder) Option { return func(s *Service) { s.usage = u } }
func WithLogger(l *slog.Logger) Option         { return func(s *Service) { s.logger = l } }
func WithParser(p goip.Parser) Option          { return func(s *Service) { s.parser = p } }

type Service struct {
	store     repository.MessageStore
	resolver  Resolver
	forwarder Forwarder
	cfg       Config

	parser  goip.Parser
	emitter *events.Emitter
	indexer Indexer
	usage   UsageRecorder
	logger  *slog.Logger
	now     func() time.Time
}

func New(store repository.MessageStore, resolver Resolver, forwarder Forwarder, cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		store:     store,
		resolver:  resolver,
		forwarder: forwarder,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid ingest timezone %q: %w", cfg.Timezone, err)
		}
		s.parser.Location = loc
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.Component("ingest"))
	if s.emitter == nil {
		s.emitter = events.NewEmitter(nil, s.logger)
	}
	return s, nil
}

// Result is the response-facing summary of one ingestion request.
type Result struct {
	Batch      bool
	MessageIDs []string
	Processed  int
	Failed     int
}

// Process ingests payload as a batch when it contains the delimiter and as
// a single message otherwise.
func (s *Service) Process(ctx context.Context, payload, sourceIP string) (*Result, error) {
	if goip.IsBatch(payload) {
		return s.IngestBatch(ctx, payload, sourceIP)
	}

	msg, err := s.Ingest(ctx, payload, sourceIP)
	if err != nil {
		return nil, err
	}
	return &Result{MessageIDs: []string{msg.ID}, Processed: 1}, nil
}

// Ingest handles one raw message. Forwarding is started but not awaited.
func (s *Service) Ingest(ctx context.Context, raw, sourceIP string) (*models.Message, error) {
	metrics.MessagesReceived.WithLabelValues("single").Inc()
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyPayload
	}
	return s.ingest(ctx, raw, sourceIP)
}

func (s *Service) ingest(ctx context.Context, raw, sourceIP string) (*models.Message, error) {
	logger := s.logger.With(logging.IP(sourceIP))

	parsed, err := s.parser.Parse(raw)
	if err != nil {
		metrics.ParseErrors.Inc()
		logger.WarnContext(ctx, "rejecting malformed payload", logging.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	res, err := s.resolver.Resolve(ctx, parsed.Port, parsed.Receiver)
	if err != nil {
		metrics.PersistErrors.Inc()
		logger.ErrorContext(ctx, "failed to resolve device",
			logging.Port(parsed.Port),
			logging.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		DeviceRef:  res.Device.ID,
		DeviceID:   res.Device.DeviceID,
		SlotIndex:  res.SlotIndex(),
		Sender:     parsed.Sender,
		Receiver:   parsed.Receiver,
		Port:       parsed.Port,
		Body:       parsed.Body,
		OccurredAt: parsed.OccurredAt,
		ReceivedAt: s.now().UTC(),
		Raw:        raw,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		metrics.PersistErrors.Inc()
		logger.ErrorContext(ctx, "failed to persist message",
			logging.DeviceID(msg.DeviceID),
			logging.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	metrics.MessagesPersisted.Inc()

	logger.InfoContext(ctx, "message received",
		logging.MessageID(msg.ID),
		logging.DeviceID(msg.DeviceID),
		logging.Port(msg.Port),
		slog.String("resolution", string(res.Kind)))

	s.afterPersist(ctx, msg, res, sourceIP)
	return msg, nil
}

// afterPersist runs the side effects that must never fail ingestion.
func (s *Service) afterPersist(ctx context.Context, msg *models.Message, res *models.Resolution, sourceIP string) {
	if s.usage != nil {
		slot := -1
		if msg.SlotIndex != nil {
			slot = *msg.SlotIndex
		}
		s.usage.Record(msg.DeviceID, slot, sourceIP, msg.ReceivedAt)
	}

	s.emitter.Emit(ctx, messaging.SubjectMessageReceived, events.MessageReceived{
		MessageID:  msg.ID,
		DeviceRef:  msg.DeviceRef,
		DeviceID:   msg.DeviceID,
		SlotIndex:  msg.SlotIndex,
		Sender:     msg.Sender,
		Receiver:   msg.Receiver,
		Resolution: string(res.Kind),
		ReceivedAt: msg.ReceivedAt,
	})

	if s.indexer != nil {
		if err := s.indexer.Enqueue(msg); err != nil {
			s.logger.WarnContext(ctx, "message not queued for search",
				logging.MessageID(msg.ID),
				logging.Error(err))
		}
	}

	if err := s.forwarder.Dispatch(msg, res.Slot); err != nil {
		s.logger.WarnContext(ctx, "message not forwarded",
			logging.MessageID(msg.ID),
			logging.Error(err))
	}
}

// IngestBatch splits payload on the batch delimiter and ingests every
// segment. Segments run concurrently up to BatchConcurrency and persists are
// paced by BatchRate. Message IDs are returned in segment order.
func (s *Service) IngestBatch(ctx context.Context, payload, sourceIP string) (*Result, error) {
	metrics.MessagesReceived.WithLabelValues("batch").Inc()

	segments := goip.SplitBatch(payload)
	if len(segments) == 0 {
		return nil, ErrEmptyPayload
	}
	if s.cfg.MaxBatchSegments > 0 && len(segments) > s.cfg.MaxBatchSegments {
		return nil, fmt.Errorf("%w: batch of %d segments exceeds limit of %d",
			ErrParse, len(segments), s.cfg.MaxBatchSegments)
	}

	var limiter *rate.Limiter
	if s.cfg.BatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.BatchRate), 1)
	}

	ids := make([]string, len(segments))
	errs := make([]error, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.BatchConcurrency, 1))
	for i, segment := range segments {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					errs[i] = err
					return nil
				}
			}
			msg, err := s.ingest(gctx, segment, sourceIP)
			if err != nil {
				errs[i] = err
				return nil
			}
			ids[i] = msg.ID
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Batch: true, MessageIDs: make([]string, 0, len(segments))}
	var parseFailures, persistFailures int
	for i, err := range errs {
		switch {
		case err == nil:
			res.Processed++
			res.MessageIDs = append(res.MessageIDs, ids[i])
		case errors.Is(err, ErrParse):
			parseFailures++
			res.Failed++
		default:
			persistFailures++
			res.Failed++
		}
	}

	s.logger.InfoContext(ctx, "batch processed",
		logging.IP(sourceIP),
		logging.Count(len(segments)),
		slog.Int("processed", res.Processed),
		slog.Int("failed", res.Failed))

	if res.Processed == 0 {
		if persistFailures > 0 {
			return nil, fmt.Errorf("%w: all %d segments failed", ErrPersist, len(segments))
		}
		return nil, fmt.Errorf("%w: no segment could be parsed", ErrParse)
	}
	return res, nil
}
