package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goip-relay/goip-relay/common/database"
	"github.com/goip-relay/goip-relay/relay/internal/models"
)

const uniqueViolation = "23505"

// PoolConfig tunes the pgx connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// Statement timeouts; zero takes the database package defaults.
	QueryTimeout time.Duration
	WriteTimeout time.Duration
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool     *pgxpool.Pool
	timeouts database.Timeouts
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, connString string, pc PoolConfig) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if pc.MaxConns > 0 {
		config.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		config.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		config.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool:     pool,
		timeouts: database.Timeouts{Read: pc.QueryTimeout, Write: pc.WriteTimeout}.WithDefaults(),
	}, nil
}

func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

const deviceColumns = `id::text, device_id, name, is_placeholder, created_at, last_seen_at`

func scanDevice(row pgx.Row) (*models.Device, error) {
	d := &models.Device{}
	if err := row.Scan(&d.ID, &d.DeviceID, &d.Name, &d.IsPlaceholder, &d.CreatedAt, &d.LastSeenAt); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *PostgresStore) FindDeviceByPortOrID(ctx context.Context, token string) (*models.Device, error) {
	ctx, cancel := r.timeouts.ForRead(ctx)
	defer cancel()

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1 OR id::text = $1 LIMIT 1`

	d, err := scanDevice(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	return d, nil
}

// CreateDevice is idempotent on device_id so concurrent first messages from
// the same gateway resolve to one row.
func (r *PostgresStore) CreateDevice(ctx context.Context, d *models.Device) (*models.Device, error) {
	ctx, cancel := r.timeouts.ForWrite(ctx)
	defer cancel()

	query := `
		INSERT INTO devices (device_id, name, is_placeholder)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET device_id = EXCLUDED.device_id
		RETURNING ` + deviceColumns

	created, err := scanDevice(r.pool.QueryRow(ctx, query, d.DeviceID, d.Name, d.IsPlaceholder))
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	return created, nil
}

func (r *PostgresStore) TouchDevice(ctx context.Context, deviceRef string, at time.Time) error {
	ctx, cancel := r.timeouts.ForWrite(ctx)
	defer cancel()

	query := `UPDATE devices SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2) WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, deviceRef, at)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *PostgresStore) FindSlot(ctx context.Context, deviceRef string, slotIndex int) (*models.Slot, error) {
	ctx, cancel := r.timeouts.ForRead(ctx)
	defer cancel()

	query := `
		SELECT device_ref::text, slot_index, carrier_name, phone_number
		FROM device_slots WHERE device_ref = $1 AND slot_index = $2
	`
	s := &models.Slot{}
	err := r.pool.QueryRow(ctx, query, deviceRef, slotIndex).Scan(&s.DeviceRef, &s.SlotIndex, &s.CarrierName, &s.PhoneNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("failed to find slot: %w", err)
	}
	return s, nil
}

// UpsertSlot overwrites non-empty fields of an existing slot.
func (r *PostgresStore) UpsertSlot(ctx context.Context, s *models.Slot) error {
	ctx, cancel := r.timeouts.ForWrite(ctx)
	defer cancel()

	query := `
		INSERT INTO device_slots (device_ref, slot_index, carrier_name, phone_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_ref, slot_index) DO UPDATE SET
			carrier_name = COALESCE(NULLIF(EXCLUDED.carrier_name, ''), device_slots.carrier_name),
			phone_number = COALESCE(NULLIF(EXCLUDED.phone_number, ''), device_slots.phone_number),
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, s.DeviceRef, s.SlotIndex, s.CarrierName, s.PhoneNumber); err != nil {
		return fmt.Errorf("failed to upsert slot: %w", err)
	}
	return nil
}

const messageColumns = `id::text, device_ref::text, device_id, slot_index, sender, receiver, port, body, occurred_at, received_at, raw`

func scanMessage(row pgx.Row) (*models.Message, error) {
	m := &models.Message{}
	err := row.Scan(&m.ID, &m.DeviceRef, &m.DeviceID, &m.SlotIndex, &m.Sender, &m.Receiver,
		&m.Port, &m.Body, &m.OccurredAt, &m.ReceivedAt, &m.Raw)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMessage inserts msg and sets ReceivedAt from the database clock
// when it is zero.
func (r *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	ctx, cancel := r.timeouts.ForWrite(ctx)
	defer cancel()

	query := `
		INSERT INTO messages (id, device_ref, device_id, slot_index, sender, receiver, port, body, occurred_at, received_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), $11)
		RETURNING received_at
	`
	var receivedAt *time.Time
	if !msg.ReceivedAt.IsZero() {
		receivedAt = &msg.ReceivedAt
	}

	err := r.pool.QueryRow(ctx, query,
		msg.ID, msg.DeviceRef, msg.DeviceID, msg.SlotIndex, msg.Sender, msg.Receiver,
		msg.Port, msg.Body, msg.OccurredAt, receivedAt, msg.Raw,
	).Scan(&msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := r.timeouts.ForRead(ctx)
	defer cancel()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id::text = $1`

	m, err := scanMessage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (r *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) ([]*models.Message, int, error) {
	ctx, cancel := r.timeouts.ForRead(ctx)
	defer cancel()

	where := "WHERE ($1 = '' OR device_id = $1)"

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM messages "+where, q.DeviceID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	query := `SELECT ` + messageColumns + ` FROM messages ` + where + `
		ORDER BY received_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, q.DeviceID, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("row iteration error: %w", err)
	}
	return msgs, total, nil
}

const subscriptionColumns = `
	id::text, name, url, is_active, device_ids, phone_numbers, headers,
	retry_count, retry_delay_seconds, timeout_seconds,
	success_count, failure_count, last_used_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	err := row.Scan(
		&s.ID, &s.Name, &s.URL, &s.IsActive, &s.DeviceIDFilter, &s.PhoneNumberFilter, &s.Headers,
		&s.RetryCount, &s.RetryDelaySeconds, &s.TimeoutSeconds,
		&s.SuccessCount, &s.FailureCount, &s.LastUsedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresStore) querySubscriptions(ctx context.Context, query string, args ...any) ([]*models.Subscription, error) {
	ctx, cancel := r.timeouts.ForRead(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*models.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return subs, nil
}

func (r *PostgresStore) FindSubscriptions(ctx context.Context, q SubscriptionQuery) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM forwarding_subscriptions
		WHERE is_active
		  AND (cardinality(device_ids) = 0 OR $1 = ANY(device_ids) OR ($2 <> '' AND $2 = ANY(device_ids)))
		  AND (cardinality(phone_numbers) = 0 OR $3 = ANY(phone_numbers))
		ORDER BY name, id`
	return r.querySubscriptions(ctx, query, q.DeviceID, q.DeviceRef, q.Receiver)
}

func (r *PostgresStore) ListSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	return r.querySubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM forwarding_subscriptions ORDER BY name, id`)
}

func (r *PostgresStore) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	ctx, cancel := r.timeouts.ForRead(ctx)
	defer cancel()

	query := `SELECT ` + subscriptionColumns + ` FROM forwarding_subscriptions WHERE id::text = $1`

	s, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

func (r *PostgresStore) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	ctx, cancel := r.timeouts.ForWrite(ctx)
	defer cancel()

	query := `
		INSERT INTO forwarding_subscriptions
			(name, url, is_active, device_ids, phone_numbers, headers, retry_count, retry_delay_seconds, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text, created_at, updated_at
	`
	deviceIDs := nonNil(s.DeviceIDFilter)
	phones := nonNil(s.PhoneNumberFilter)
	headers := s.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	err := r.pool.QueryRow(ctx, query,
		s.Name, s.URL, s.IsActive, deviceIDs, phones, headers,
		s.RetryCount, s.RetryDelaySeconds, s.TimeoutSeconds,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateSubscription
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// IncrementCounter adds amount in a single UPDATE so concurrent deliveries
// never lose counts.
func (r *PostgresStore) IncrementCounter(ctx context.Context, id string, field CounterField, amount int64) error {
	ctx, cancel := r.timeouts.ForWrite(ctx)
	defer cancel()

	if !field.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCounter, field)
	}
	query := fmt.Sprintf(`UPDATE forwarding_subscriptions SET %[1]s = %[1]s + $2, updated_at = NOW() WHERE id::text = $1`, field)

	tag, err := r.pool.Exec(ctx, query, id, amount)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", field, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *PostgresStore) SetLastUsedAt(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := r.timeouts.ForWrite(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `UPDATE forwarding_subscriptions SET last_used_at = $2 WHERE id::text = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to set last_used_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
