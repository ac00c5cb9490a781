package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goip-relay/goip-relay/common/devicestats"
	"github.com/goip-relay/goip-relay/common/httputil"
	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/relay/internal/dlq"
	"github.com/goip-relay/goip-relay/relay/internal/forwarding"
	"github.com/goip-relay/goip-relay/relay/internal/models"
	"github.com/goip-relay/goip-relay/relay/internal/repository"
	"github.com/goip-relay/goip-relay/relay/internal/search"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// AdminStore is the read/admin slice of the store.
type AdminStore interface {
	ListMessages(ctx context.Context, q repository.MessageQuery) ([]*models.Message, int, error)
	ListSubscriptions(ctx context.Context) ([]*models.Subscription, error)
	CreateSubscription(ctx context.Context, s *models.Subscription) error
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Result, error)
}

type StatsReader interface {
	Get(ctx context.Context, device string, now time.Time, onlineWindow time.Duration) (*devicestats.Stats, error)
}

type StatusReporter interface {
	Status() forwarding.Status
}

type DeadLetterReader interface {
	Stats(ctx context.Context) map[string]any
	List(ctx context.Context, limit int) ([]dlq.FailedDelivery, error)
}

type AdminOption func(*AdminHandler)

func WithSearch(s Searcher) AdminOption { return func(h *AdminHandler) { h.search = s } }
func WithDeadLetters(d DeadLetterReader) AdminOption {
	return func(h *AdminHandler) { h.deadLetters = d }
}

// WithDeviceStats enables the device statistics endpoint. Devices seen
// within onlineWindow are reported online.
func WithDeviceStats(s StatsReader, onlineWindow time.Duration) AdminOption {
	return func(h *AdminHandler) {
		h.stats = s
		h.onlineWindow = onlineWindow
	}
}

// AdminHandler serves the operator read APIs and subscription management.
// Optional backends answer 503 when not configured.
type AdminHandler struct {
	store        AdminStore
	engine       StatusReporter
	search       Searcher
	stats        StatsReader
	deadLetters  DeadLetterReader
	onlineWindow time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewAdminHandler(store AdminStore, engine StatusReporter, logger *slog.Logger, opts ...AdminOption) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &AdminHandler{
		store:        store,
		engine:       engine,
		onlineWindow: 5 * time.Minute,
		now:          time.Now,
		logger:       logger.With(logging.Component("admin_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type messagesResponse struct {
	Messages []*models.Message `json:"messages"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func (h *AdminHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	page := httputil.ParsePage(r, defaultPageSize, maxPageSize)
	msgs, total, err := h.store.ListMessages(r.Context(), repository.MessageQuery{
		DeviceID: r.URL.Query().Get("device_id"),
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list messages", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	httputil.WriteJSON(w, http.StatusOK, messagesResponse{
		Messages: msgs,
		Total:    total,
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
}

func (h *AdminHandler) SearchMessages(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "Search is not enabled")
		return
	}
	q := r.URL.Query()
	page := httputil.ParsePage(r, defaultPageSize, maxPageSize)
	res, err := h.search.Search(r.Context(), search.Query{
		Text:     q.Get("q"),
		DeviceID: q.Get("device_id"),
		Receiver: q.Get("receiver"),
		Limit:    page.Limit,
		Offset:   page.Offset,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "search failed", logging.Error(err))
		httputil.WriteErrorDetails(w, http.StatusBadGateway, "Search failed", err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

// subscriptionView adds the derived success rate to a subscription.
type subscriptionView struct {
	*models.Subscription
	SuccessRate float64 `json:"successRate"`
}

func newSubscriptionView(s *models.Subscription) subscriptionView {
	return subscriptionView{Subscription: s, SuccessRate: s.SuccessRate()}
}

func (h *AdminHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list subscriptions", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list subscriptions")
		return
	}
	views := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, newSubscriptionView(s))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"subscriptions": views})
}

func (h *AdminHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var in models.SubscriptionInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	sub, err := in.Build()
	if err != nil {
		httputil.WriteErrorDetails(w, http.StatusBadRequest, "Invalid subscription", err.Error())
		return
	}

	if err := h.store.CreateSubscription(r.Context(), sub); err != nil {
		if errors.Is(err, repository.ErrDuplicateSubscription) {
			httputil.WriteError(w, http.StatusConflict, "Subscription name already exists")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to create subscription", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}

	h.logger.InfoContext(r.Context(), "subscription created",
		logging.Subscription(sub.ID),
		slog.String("name", sub.Name),
		slog.String("url", sub.URL))
	httputil.WriteJSON(w, http.StatusCreated, newSubscriptionView(sub))
}

func (h *AdminHandler) DeviceStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "Device statistics are not enabled")
		return
	}
	deviceID := r.PathValue("deviceId")
	if deviceID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Missing device id")
		return
	}
	stats, err := h.stats.Get(r.Context(), deviceID, h.now(), h.onlineWindow)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read device stats",
			logging.DeviceID(deviceID),
			logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to read device statistics")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) ForwardingStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.engine.Status())
}

func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "Dead letter queue is not enabled")
		return
	}
	limit := httputil.ParsePage(r, 20, 200).Limit
	items, err := h.deadLetters.List(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list dead letters", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}
	if items == nil {
		items = []dlq.FailedDelivery{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"stats": h.deadLetters.Stats(r.Context()),
		"items": items,
	})
}
