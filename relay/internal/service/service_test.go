package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/relay/internal/models"
	"github.com/goip-relay/goip-relay/relay/internal/repository"
	"github.com/goip-relay/goip-relay/relay/internal/resolver"
	"github.com/goip-relay/goip-relay/relay/pkg/goip"
)

const examplePayload = "Sender: +919876543210\nReceiver: \"abc123-2.01\" 919334198143\nSCTS: 231201120000\nHello there"

type fakeForwarder struct {
	mu    sync.Mutex
	msgs  []*models.Message
	slots []*models.Slot
	err   error
}

func (f *fakeForwarder) Dispatch(msg *models.Message, slot *models.Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.slots = append(f.slots, slot)
	return f.err
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeUsage struct {
	mu      sync.Mutex
	devices []string
	slots   []int
}

func (f *fakeUsage) Record(device string, slot int, _ string, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, device)
	f.slots = append(f.slots, slot)
}

type fakeIndexer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIndexer) Enqueue(msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, msg.ID)
	return nil
}

// failingMessages rejects every insert.
type failingMessages struct {
	*repository.MemoryStore
}

func (failingMessages) CreateMessage(context.Context, *models.Message) error {
	return errors.New("connection reset")
}

type harness struct {
	svc     *Service
	store   *repository.MemoryStore
	fwd     *fakeForwarder
	usage   *fakeUsage
	indexer *fakeIndexer
}

func newHarness(t *testing.T, cfg Config, store repository.MessageStore, mem *repository.MemoryStore) *harness {
	t.Helper()
	logger := logging.Discard().Logger
	h := &harness{store: mem, fwd: &fakeForwarder{}, usage: &fakeUsage{}, indexer: &fakeIndexer{}}
	res := resolver.New(mem, resolver.DefaultConfig(), nil, logger)

	svc, err := New(store, res, h.fwd, cfg,
		WithLogger(logger),
		WithParser(goip.Parser{Location: time.UTC}),
		WithUsageRecorder(h.usage),
		WithIndexer(h.indexer),
	)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchRate = 0
	return cfg
}

func newMemHarness(t *testing.T) *harness {
	mem := repository.NewMemoryStore()
	return newHarness(t, testConfig(), mem, mem)
}

func TestIngest_EndToEnd(t *testing.T) {
	h := newMemHarness(t)
	ctx := context.Background()

	msg, err := h.svc.Ingest(ctx, examplePayload, "10.0.0.7")
	require.NoError(t, err)

	stored, err := h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", stored.Sender)
	assert.Equal(t, "9334198143", stored.Receiver)
	assert.Equal(t, "abc123-2.01", stored.Port)
	assert.Equal(t, "Hello there", stored.Body)
	assert.Equal(t, "abc123", stored.DeviceID)
	require.NotNil(t, stored.SlotIndex)
	assert.Equal(t, 1, *stored.SlotIndex)
	assert.True(t, time.Date(2023, 12, 1, 12, 0, 0, 0, time.UTC).Equal(stored.OccurredAt))
	assert.Equal(t, examplePayload, stored.Raw)

	require.Equal(t, 1, h.fwd.count())
	assert.Equal(t, msg.ID, h.fwd.msgs[0].ID)
	require.NotNil(t, h.fwd.slots[0], "learned slot is forwarded")
	assert.Equal(t, "9334198143", h.fwd.slots[0].PhoneNumber)

	assert.Equal(t, []string{"abc123"}, h.usage.devices)
	assert.Equal(t, []int{1}, h.usage.slots)
	assert.Equal(t, []string{msg.ID}, h.indexer.ids)
}

func TestIngest_EmptyPayload(t *testing.T) {
	h := newMemHarness(t)
	_, err := h.svc.Ingest(context.Background(), "  \n\t", "")
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.Zero(t, h.fwd.count())
}

func TestIngest_ParseError(t *testing.T) {
	h := newMemHarness(t)
	_, err := h.svc.Ingest(context.Background(), "Sender: \xff\xfe", "")
	assert.ErrorIs(t, err, ErrParse)
	assert.Zero(t, h.fwd.count())
}

func TestIngest_PersistFailureSurfaces(t *testing.T) {
	mem := repository.NewMemoryStore()
	h := newHarness(t, testConfig(), failingMessages{mem}, mem)

	_, err := h.svc.Ingest(context.Background(), examplePayload, "")
	assert.ErrorIs(t, err, ErrPersist)
	assert.Zero(t, h.fwd.count(), "nothing is forwarded when persistence fails")
}

func TestIngest_ForwardingErrorDoesNotFail(t *testing.T) {
	h := newMemHarness(t)
	h.fwd.err = errors.New("shutting down")

	msg, err := h.svc.Ingest(context.Background(), examplePayload, "")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
}

func TestIngest_UnresolvablePortUsesPlaceholder(t *testing.T) {
	h := newMemHarness(t)
	ctx := context.Background()

	msg, err := h.svc.Ingest(ctx, "Sender: 12345\nReceiver: 9334198143\nbalance low", "")
	require.NoError(t, err)

	assert.Equal(t, "gateway-Unknown", msg.DeviceID)
	assert.Nil(t, msg.SlotIndex)
	assert.Equal(t, []int{-1}, h.usage.slots)

	device, err := h.store.FindDeviceByPortOrID(ctx, "gateway-Unknown")
	require.NoError(t, err)
	assert.True(t, device.IsPlaceholder)
}

func TestProcess_SingleAndBatch(t *testing.T) {
	h := newMemHarness(t)
	ctx := context.Background()

	single, err := h.svc.Process(ctx, examplePayload, "")
	require.NoError(t, err)
	assert.False(t, single.Batch)
	assert.Len(t, single.MessageIDs, 1)

	batch, err := h.svc.Process(ctx, examplePayload+"\n"+goip.BatchDelimiter+"\n"+examplePayload, "")
	require.NoError(t, err)
	assert.True(t, batch.Batch)
	assert.Equal(t, 2, batch.Processed)
}

func TestIngestBatch_PartialFailure(t *testing.T) {
	h := newMemHarness(t)
	segments := []string{
		"Sender: A\nReceiver: \"dev1-1.01\" 111\nfirst",
		"Sender: \xff",
		"Sender: C\nReceiver: \"dev1-2.01\" 333\nthird",
	}
	payload := strings.Join(segments, "\n"+goip.BatchDelimiter+"\n")

	res, err := h.svc.IngestBatch(context.Background(), payload, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.MessageIDs, 2)

	first, err := h.store.GetMessage(context.Background(), res.MessageIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "first", first.Body, "ids follow segment order")
	assert.Equal(t, 2, h.fwd.count())
}

func TestIngestBatch_AllUnparseable(t *testing.T) {
	h := newMemHarness(t)
	payload := "\xff\n" + goip.BatchDelimiter + "\n\xfe"

	_, err := h.svc.IngestBatch(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrParse)
}

func TestIngestBatch_AllPersistFailures(t *testing.T) {
	mem := repository.NewMemoryStore()
	h := newHarness(t, testConfig(), failingMessages{mem}, mem)
	payload := examplePayload + "\n" + goip.BatchDelimiter + "\n" + examplePayload

	_, err := h.svc.IngestBatch(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrPersist)
}

func TestIngestBatch_OnlyDelimiters(t *testing.T) {
	h := newMemHarness(t)
	_, err := h.svc.IngestBatch(context.Background(), goip.BatchDelimiter+"\n"+goip.BatchDelimiter, "")
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestIngestBatch_TooManySegments(t *testing.T) {
	mem := repository.NewMemoryStore()
	cfg := testConfig()
	cfg.MaxBatchSegments = 1
	h := newHarness(t, cfg, mem, mem)

	payload := examplePayload + "\n" + goip.BatchDelimiter + "\n" + examplePayload
	_, err := h.svc.IngestBatch(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrParse)
	assert.Zero(t, h.fwd.count())
}

func TestIngestBatch_Paced(t *testing.T) {
	mem := repository.NewMemoryStore()
	cfg := testConfig()
	cfg.BatchRate = 20
	h := newHarness(t, cfg, mem, mem)

	parts := make([]string, 5)
	for i := range parts {
		parts[i] = examplePayload
	}
	start := time.Now()
	res, err := h.svc.IngestBatch(context.Background(), strings.Join(parts, "\n"+goip.BatchDelimiter+"\n"), "")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
	// Burst of one, then 50ms per segment.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestNew_InvalidTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Timezone = "Mars/Olympus"
	_, err := New(repository.NewMemoryStore(), nil, &fakeForwarder{}, cfg)
	assert.Error(t, err)
}
