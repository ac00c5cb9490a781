package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goip-relay/goip-relay/relay/internal/models"
)

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("devices", func(t *testing.T) { testDevices(t, newStore(t)) })
	t.Run("slots", func(t *testing.T) { testSlots(t, newStore(t)) })
	t.Run("messages", func(t *testing.T) { testMessages(t, newStore(t)) })
	t.Run("subscription matching", func(t *testing.T) { testFindSubscriptions(t, newStore(t)) })
	t.Run("subscription counters", func(t *testing.T) { testCounters(t, newStore(t)) })
	t.Run("duplicate subscription", func(t *testing.T) { testDuplicateSubscription(t, newStore(t)) })
}

func mustSubscription(t *testing.T, store Store, in models.SubscriptionInput) *models.Subscription {
	t.Helper()
	sub, err := in.Build()
	require.NoError(t, err)
	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	require.NotEmpty(t, sub.ID)
	return sub
}

func testDevices(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.FindDeviceByPortOrID(ctx, "abc123")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	created, err := store.CreateDevice(ctx, &models.Device{DeviceID: "abc123", Name: "Rack A"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "abc123", created.DeviceID)
	assert.False(t, created.IsPlaceholder)

	again, err := store.CreateDevice(ctx, &models.Device{DeviceID: "abc123", Name: "other"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID, "create must be idempotent on device id")

	byHardware, err := store.FindDeviceByPortOrID(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byHardware.ID)

	byRecord, err := store.FindDeviceByPortOrID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc123", byRecord.DeviceID)

	seen := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.TouchDevice(ctx, created.ID, seen))
	require.NoError(t, store.TouchDevice(ctx, created.ID, seen.Add(-time.Hour)))
	d, err := store.FindDeviceByPortOrID(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, d.LastSeenAt)
	assert.True(t, seen.Equal(*d.LastSeenAt), "last seen never moves backwards")

	assert.ErrorIs(t, store.TouchDevice(ctx, uuid.NewString(), seen), ErrDeviceNotFound)

	placeholder, err := store.CreateDevice(ctx, &models.Device{DeviceID: models.PlaceholderDeviceID("LEGACY"), IsPlaceholder: true})
	require.NoError(t, err)
	assert.True(t, placeholder.IsPlaceholder)
}

func testSlots(t *testing.T, store Store) {
	ctx := context.Background()
	d, err := store.CreateDevice(ctx, &models.Device{DeviceID: "slots-dev"})
	require.NoError(t, err)

	_, err = store.FindSlot(ctx, d.ID, 1)
	assert.ErrorIs(t, err, ErrSlotNotFound)

	require.NoError(t, store.UpsertSlot(ctx, &models.Slot{DeviceRef: d.ID, SlotIndex: 1, PhoneNumber: "9334198143"}))
	require.NoError(t, store.UpsertSlot(ctx, &models.Slot{DeviceRef: d.ID, SlotIndex: 1, CarrierName: "Jio"}))

	slot, err := store.FindSlot(ctx, d.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, slot.SlotIndex)
	assert.Equal(t, "Jio", slot.CarrierName)
	assert.Equal(t, "9334198143", slot.PhoneNumber, "empty fields must not overwrite")
}

func testMessages(t *testing.T, store Store) {
	ctx := context.Background()
	d, err := store.CreateDevice(ctx, &models.Device{DeviceID: "msg-dev"})
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	slot := 0
	for i := 0; i < 3; i++ {
		msg := &models.Message{
			ID:         uuid.NewString(),
			DeviceRef:  d.ID,
			DeviceID:   d.DeviceID,
			SlotIndex:  &slot,
			Sender:     "+15550000",
			Receiver:   "9334198143",
			Port:       "msg-dev-1.01",
			Body:       "hello",
			OccurredAt: base,
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.CreateMessage(ctx, msg))
	}

	noTime := &models.Message{ID: uuid.NewString(), DeviceRef: d.ID, DeviceID: "msg-dev", Sender: "s", Receiver: "r", Port: "p", Body: "b", OccurredAt: base}
	require.NoError(t, store.CreateMessage(ctx, noTime))
	assert.False(t, noTime.ReceivedAt.IsZero(), "received at is assigned on insert")

	got, err := store.GetMessage(ctx, noTime.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SlotIndex)

	_, err = store.GetMessage(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrMessageNotFound)

	page, total, err := store.ListMessages(ctx, MessageQuery{DeviceID: "msg-dev", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.True(t, !page[0].ReceivedAt.Before(page[1].ReceivedAt), "newest first")

	none, total, err := store.ListMessages(ctx, MessageQuery{DeviceID: "nobody", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, none)
}

func testFindSubscriptions(t *testing.T, store Store) {
	ctx := context.Background()
	inactive := false

	all := mustSubscription(t, store, models.SubscriptionInput{Name: "b-all", URL: "https://all.test"})
	dev1 := mustSubscription(t, store, models.SubscriptionInput{Name: "a-dev1", URL: "https://dev1.test", DeviceIDFilter: []string{"dev-1"}})
	phone := mustSubscription(t, store, models.SubscriptionInput{Name: "c-phone", URL: "https://phone.test", PhoneNumberFilter: []string{"9334198143"}})
	mustSubscription(t, store, models.SubscriptionInput{Name: "d-off", URL: "https://off.test", IsActive: &inactive})

	names := func(subs []*models.Subscription) []string {
		out := make([]string, len(subs))
		for i, s := range subs {
			out[i] = s.Name
		}
		return out
	}

	got, err := store.FindSubscriptions(ctx, SubscriptionQuery{DeviceID: "dev-1", Receiver: "9334198143"})
	require.NoError(t, err)
	assert.Equal(t, []string{dev1.Name, all.Name, phone.Name}, names(got))

	got, err = store.FindSubscriptions(ctx, SubscriptionQuery{DeviceID: "dev-2", Receiver: "5550000"})
	require.NoError(t, err)
	assert.Equal(t, []string{all.Name}, names(got))

	got, err = store.FindSubscriptions(ctx, SubscriptionQuery{DeviceID: "dev-2", DeviceRef: "dev-1", Receiver: "5550000"})
	require.NoError(t, err)
	assert.Equal(t, []string{dev1.Name, all.Name}, names(got), "record id also satisfies the device filter")

	listed, err := store.ListSubscriptions(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 4)
	assert.Equal(t, "a-dev1", listed[0].Name)
}

func testCounters(t *testing.T, store Store) {
	ctx := context.Background()
	sub := mustSubscription(t, store, models.SubscriptionInput{Name: "counted", URL: "https://c.test"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			field := SuccessCount
			if i%4 == 0 {
				field = FailureCount
			}
			assert.NoError(t, store.IncrementCounter(ctx, sub.ID, field, 1))
		}(i)
	}
	wg.Wait()

	used := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetLastUsedAt(ctx, sub.ID, used))

	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), got.SuccessCount)
	assert.Equal(t, int64(5), got.FailureCount)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, used.Equal(*got.LastUsedAt))
	assert.Equal(t, 75.0, got.SuccessRate())

	assert.ErrorIs(t, store.IncrementCounter(ctx, sub.ID, "name", 1), ErrInvalidCounter)
	assert.ErrorIs(t, store.IncrementCounter(ctx, uuid.NewString(), SuccessCount, 1), ErrSubscriptionNotFound)
	assert.ErrorIs(t, store.SetLastUsedAt(ctx, uuid.NewString(), used), ErrSubscriptionNotFound)

	_, err = store.GetSubscription(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func testDuplicateSubscription(t *testing.T, store Store) {
	mustSubscription(t, store, models.SubscriptionInput{Name: "dup", URL: "https://a.test"})

	sub, err := models.SubscriptionInput{Name: "dup", URL: "https://b.test"}.Build()
	require.NoError(t, err)
	assert.ErrorIs(t, store.CreateSubscription(context.Background(), sub), ErrDuplicateSubscription)
}
