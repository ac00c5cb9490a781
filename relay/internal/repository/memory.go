package repository

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goip-relay/goip-relay/relay/internal/models"
)

type slotRef struct {
	device string
	index  int
}

// MemoryStore is an in-process Store for tests and single-node demos.
// Returned records are copies.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	devices       map[string]*models.Device // by record ID
	slots         map[slotRef]*models.Slot
	messages      []*models.Message
	subscriptions map[string]*models.Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		devices:       make(map[string]*models.Device),
		slots:         make(map[slotRef]*models.Slot),
		subscriptions: make(map[string]*models.Subscription),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func copyDevice(d *models.Device) *models.Device {
	c := *d
	return &c
}

func (m *MemoryStore) FindDeviceByPortOrID(_ context.Context, token string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if d, ok := m.devices[token]; ok {
		return copyDevice(d), nil
	}
	for _, d := range m.devices {
		if d.DeviceID == token {
			return copyDevice(d), nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (m *MemoryStore) CreateDevice(_ context.Context, d *models.Device) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.devices {
		if existing.DeviceID == d.DeviceID {
			return copyDevice(existing), nil
		}
	}
	created := &models.Device{
		ID:            uuid.NewString(),
		DeviceID:      d.DeviceID,
		Name:          d.Name,
		IsPlaceholder: d.IsPlaceholder,
		CreatedAt:     m.now(),
	}
	m.devices[created.ID] = created
	return copyDevice(created), nil
}

func (m *MemoryStore) TouchDevice(_ context.Context, deviceRef string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceRef]
	if !ok {
		return ErrDeviceNotFound
	}
	if d.LastSeenAt == nil || at.After(*d.LastSeenAt) {
		d.LastSeenAt = &at
	}
	return nil
}

func (m *MemoryStore) FindSlot(_ context.Context, deviceRef string, slotIndex int) (*models.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.slots[slotRef{deviceRef, slotIndex}]
	if !ok {
		return nil, ErrSlotNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) UpsertSlot(_ context.Context, s *models.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[s.DeviceRef]; !ok {
		return fmt.Errorf("failed to upsert slot: %w", ErrDeviceNotFound)
	}
	key := slotRef{s.DeviceRef, s.SlotIndex}
	existing, ok := m.slots[key]
	if !ok {
		c := *s
		m.slots[key] = &c
		return nil
	}
	if s.CarrierName != "" {
		existing.CarrierName = s.CarrierName
	}
	if s.PhoneNumber != "" {
		existing.PhoneNumber = s.PhoneNumber
	}
	return nil
}

func (m *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = m.now()
	}
	c := *msg
	m.messages = append(m.messages, &c)
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages {
		if msg.ID == id {
			c := *msg
			return &c, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (m *MemoryStore) ListMessages(_ context.Context, q MessageQuery) ([]*models.Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*models.Message, 0, len(m.messages))
	for i := len(m.messages) - 1; i >= 0; i-- {
		if q.DeviceID == "" || m.messages[i].DeviceID == q.DeviceID {
			c := *m.messages[i]
			matched = append(matched, &c)
		}
	}
	slices.SortStableFunc(matched, func(a, b *models.Message) int {
		return b.ReceivedAt.Compare(a.ReceivedAt)
	})

	total := len(matched)
	start := min(max(q.Offset, 0), total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}
	return matched[start:end], total, nil
}

func copySubscription(s *models.Subscription) *models.Subscription {
	c := *s
	c.DeviceIDFilter = slices.Clone(s.DeviceIDFilter)
	c.PhoneNumberFilter = slices.Clone(s.PhoneNumberFilter)
	c.Headers = maps.Clone(s.Headers)
	if s.LastUsedAt != nil {
		t := *s.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

func sortSubscriptions(subs []*models.Subscription) {
	slices.SortFunc(subs, func(a, b *models.Subscription) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
}

// SelectSubscriptions filters subs with Subscription.Matches and returns the
// matches in name, ID order.
func SelectSubscriptions(subs []*models.Subscription, q SubscriptionQuery) []*models.Subscription {
	out := make([]*models.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Matches(q.DeviceID, q.DeviceRef, q.Receiver) {
			out = append(out, s)
		}
	}
	sortSubscriptions(out)
	return out
}

func (m *MemoryStore) snapshot() []*models.Subscription {
	subs := make([]*models.Subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		subs = append(subs, copySubscription(s))
	}
	return subs
}

func (m *MemoryStore) FindSubscriptions(_ context.Context, q SubscriptionQuery) ([]*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SelectSubscriptions(m.snapshot(), q), nil
}

func (m *MemoryStore) ListSubscriptions(context.Context) ([]*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.snapshot()
	sortSubscriptions(subs)
	return subs, nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySubscription(s), nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subscriptions {
		if existing.Name == s.Name {
			return ErrDuplicateSubscription
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.subscriptions[s.ID] = copySubscription(s)
	return nil
}

func (m *MemoryStore) IncrementCounter(_ context.Context, id string, field CounterField, amount int64) error {
	if !field.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCounter, field)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	switch field {
	case SuccessCount:
		s.SuccessCount += amount
	case FailureCount:
		s.FailureCount += amount
	}
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetLastUsedAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	s.LastUsedAt = &at
	return nil
}
