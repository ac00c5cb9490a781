package forwarding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/relay/internal/dlq"
	"github.com/goip-relay/goip-relay/relay/internal/models"
	"github.com/goip-relay/goip-relay/relay/internal/repository"
)

func newTestEngine(t *testing.T, store repository.SubscriptionStore, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard().Logger)}, opts...)
	e := New(store, DefaultConfig(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func addSubscription(t *testing.T, store *repository.MemoryStore, sub *models.Subscription) *models.Subscription {
	t.Helper()
	sub.IsActive = true
	if sub.TimeoutSeconds == 0 {
		sub.TimeoutSeconds = 5
	}
	if sub.Headers == nil {
		sub.Headers = models.DefaultHeaders()
	}
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	return sub
}

func testMessage() *models.Message {
	slot := 1
	return &models.Message{
		ID:         "0b5e3f5c-7c55-4f39-9f87-0d4c9d0b7a11",
		DeviceRef:  "4c7f6a7e-7f0e-4f55-8d0e-2b1b2a2f9c01",
		DeviceID:   "abc123",
		SlotIndex:  &slot,
		Sender:     "+919876543210",
		Receiver:   "9334198143",
		Port:       "abc123-2.01",
		Body:       "Hello there",
		OccurredAt: time.Date(2023, 12, 1, 12, 0, 0, 0, time.UTC),
		ReceivedAt: time.Date(2023, 12, 1, 12, 0, 5, 0, time.UTC),
	}
}

type recordingDLQ struct {
	mu      sync.Mutex
	entries []*dlq.FailedDelivery
}

func (r *recordingDLQ) Write(_ context.Context, f *dlq.FailedDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, f)
	return nil
}

func TestForward_Delivered(t *testing.T) {
	var got models.WebhookPayload
	var gotHeader, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Get("X-Api-Key")
		gotContentType = r.Header.Get("Content-Type")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	headers := models.DefaultHeaders()
	headers["X-Api-Key"] = "secret"
	sub := addSubscription(t, store, &models.Subscription{Name: "crm", URL: srv.URL, Headers: headers})

	e := newTestEngine(t, store)
	slot := &models.Slot{SlotIndex: 1, CarrierName: "Jio", PhoneNumber: "9334198143"}
	outcomes := e.Forward(context.Background(), testMessage(), slot)

	require.Len(t, outcomes, 1)
	assert.Equal(t, models.Delivered, outcomes[0].Status)
	assert.Equal(t, 1, outcomes[0].AttemptsMade)
	assert.Equal(t, http.StatusCreated, outcomes[0].StatusCode)

	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "0b5e3f5c-7c55-4f39-9f87-0d4c9d0b7a11", got.ID)
	assert.Equal(t, "abc123", got.DeviceIDStr)
	assert.Equal(t, "9334198143", got.Recipient)
	assert.Equal(t, "Hello there", got.Message)
	require.NotNil(t, got.SlotInfo)
	assert.Equal(t, "Jio", got.SlotInfo.CarrierName)

	stored, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Equal(t, int64(0), stored.FailureCount)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestForward_RetryBudget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	sub := addSubscription(t, store, &models.Subscription{Name: "flaky", URL: srv.URL, RetryCount: 2})

	dead := &recordingDLQ{}
	e := newTestEngine(t, store, WithDeadLetter(dead))
	outcomes := e.Forward(context.Background(), testMessage(), nil)

	assert.Equal(t, int32(3), hits.Load(), "first try plus two retries")
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.Failed, outcomes[0].Status)
	assert.Equal(t, 3, outcomes[0].AttemptsMade)
	assert.Equal(t, http.StatusInternalServerError, outcomes[0].StatusCode)
	assert.Contains(t, outcomes[0].LastError, "500")

	stored, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.FailureCount, "one increment per message, not per attempt")
	assert.Equal(t, int64(0), stored.SuccessCount)
	assert.NotNil(t, stored.LastUsedAt)

	require.Len(t, dead.entries, 1)
	assert.Equal(t, dlq.ReasonDeliveryExhausted, dead.entries[0].Reason)
	assert.Equal(t, 3, dead.entries[0].Attempts)
	assert.Equal(t, "abc123", dead.entries[0].Payload.DeviceIDStr)
	assert.Equal(t, uint64(1), e.Status().DeadLettered)
}

func TestForward_SucceedsAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	sub := addSubscription(t, store, &models.Subscription{Name: "eventual", URL: srv.URL, RetryCount: 5})

	e := newTestEngine(t, store)
	outcomes := e.Forward(context.Background(), testMessage(), nil)

	require.Len(t, outcomes, 1)
	assert.Equal(t, models.Delivered, outcomes[0].Status)
	assert.Equal(t, 3, outcomes[0].AttemptsMade)
	assert.Empty(t, outcomes[0].LastError)

	stored, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Equal(t, int64(0), stored.FailureCount)
}

func TestForward_FanOutIsolation(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer slow.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	store := repository.NewMemoryStore()
	addSubscription(t, store, &models.Subscription{Name: "a-slow", URL: slow.URL, RetryCount: 1, TimeoutSeconds: 1})
	addSubscription(t, store, &models.Subscription{Name: "b-healthy", URL: healthy.URL})

	e := newTestEngine(t, store)
	outcomes := e.Forward(context.Background(), testMessage(), nil)
	require.Len(t, outcomes, 2)

	byName := map[string]models.DeliveryOutcome{}
	for _, o := range outcomes {
		byName[o.SubscriptionName] = o
	}
	slowOutcome, healthyOutcome := byName["a-slow"], byName["b-healthy"]

	assert.Equal(t, models.Failed, slowOutcome.Status)
	assert.Equal(t, 2, slowOutcome.AttemptsMade)
	assert.GreaterOrEqual(t, slowOutcome.Duration, 2*time.Second)

	assert.Equal(t, models.Delivered, healthyOutcome.Status)
	assert.Less(t, healthyOutcome.Duration, time.Second, "healthy delivery must not wait for the slow one")
	assert.True(t, healthyOutcome.CompletedAt.Before(slowOutcome.CompletedAt))
}

func TestForward_FilterMatching(t *testing.T) {
	var dev1Hits, allHits atomic.Int32
	dev1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { dev1Hits.Add(1) }))
	defer dev1.Close()
	all := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { allHits.Add(1) }))
	defer all.Close()

	store := repository.NewMemoryStore()
	addSubscription(t, store, &models.Subscription{Name: "dev1-only", URL: dev1.URL, DeviceIDFilter: []string{"dev-1"}})
	addSubscription(t, store, &models.Subscription{Name: "everything", URL: all.URL})
	off := &models.Subscription{Name: "disabled", URL: all.URL, TimeoutSeconds: 5}
	require.NoError(t, store.CreateSubscription(context.Background(), off))

	msg := testMessage()
	msg.DeviceID = "dev-2"

	e := newTestEngine(t, store)
	outcomes := e.Forward(context.Background(), msg, nil)

	assert.Len(t, outcomes, 1)
	assert.Equal(t, int32(0), dev1Hits.Load())
	assert.Equal(t, int32(1), allHits.Load())
}

func TestForward_NoSubscriptions(t *testing.T) {
	e := newTestEngine(t, repository.NewMemoryStore())
	assert.Empty(t, e.Forward(context.Background(), testMessage(), nil))
}

func TestForward_WaitsRetryDelayBetweenAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	addSubscription(t, store, &models.Subscription{Name: "delayed", URL: srv.URL, RetryCount: 2, RetryDelaySeconds: 7})

	e := newTestEngine(t, store)
	var mu sync.Mutex
	var waits []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		return nil
	}

	e.Forward(context.Background(), testMessage(), nil)
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, waits, "no wait after the last attempt")
}

func TestRetryDelay_Jitter(t *testing.T) {
	e := New(repository.NewMemoryStore(), Config{RetryJitter: 0.5}, WithLogger(logging.Discard().Logger))
	sub := &models.Subscription{RetryDelaySeconds: 10}
	for i := 0; i < 50; i++ {
		d := e.retryDelay(sub)
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
	}

	e.cfg.RetryJitter = 0
	assert.Equal(t, 10*time.Second, e.retryDelay(sub))
}

// failingCounterStore fails statistic updates.
type failingCounterStore struct {
	*repository.MemoryStore
}

func (failingCounterStore) IncrementCounter(context.Context, string, repository.CounterField, int64) error {
	return errors.New("database unavailable")
}

func (failingCounterStore) SetLastUsedAt(context.Context, string, time.Time) error {
	return errors.New("database unavailable")
}

func TestForward_CounterErrorsAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	mem := repository.NewMemoryStore()
	addSubscription(t, mem, &models.Subscription{Name: "ok", URL: srv.URL})

	e := newTestEngine(t, failingCounterStore{mem})
	outcomes := e.Forward(context.Background(), testMessage(), nil)
	require.Len(t, outcomes, 1)
	assert.Equal(t, models.Delivered, outcomes[0].Status)
}

// panickingStore blows up on subscription lookup.
type panickingStore struct {
	*repository.MemoryStore
}

func (panickingStore) FindSubscriptions(context.Context, repository.SubscriptionQuery) ([]*models.Subscription, error) {
	panic("boom")
}

func TestDispatch_RecoversPanics(t *testing.T) {
	e := newTestEngine(t, panickingStore{repository.NewMemoryStore()})
	require.NoError(t, e.Dispatch(testMessage(), nil))

	require.NoError(t, e.Shutdown(context.Background()))
	st := e.Status()
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, int64(0), st.InFlight)
}

func TestDispatch_ReturnsBeforeDelivery(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		hits.Add(1)
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	addSubscription(t, store, &models.Subscription{Name: "blocked", URL: srv.URL})
	e := newTestEngine(t, store)

	require.NoError(t, e.Dispatch(testMessage(), nil))
	assert.Equal(t, int32(0), hits.Load())
	assert.Eventually(t, func() bool { return e.Status().InFlight == 1 }, time.Second, 10*time.Millisecond)

	close(release)
	require.NoError(t, e.Shutdown(context.Background()))

	st := e.Status()
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, uint64(1), st.Dispatched)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.True(t, st.ShuttingDown)

	assert.ErrorIs(t, e.Dispatch(testMessage(), nil), ErrShuttingDown)
}

func TestShutdown_DeadlineCancelsDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	sub := addSubscription(t, store, &models.Subscription{Name: "hung", URL: srv.URL, TimeoutSeconds: 60, RetryCount: 3, RetryDelaySeconds: 60})
	e := newTestEngine(t, store)
	require.NoError(t, e.Dispatch(testMessage(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := e.Shutdown(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	stored, err := store.GetSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.FailureCount, "cancelled delivery is still counted")
}
