// Package resolver attaches a device context to parsed messages.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/goip-relay/goip-relay/common/logging"
	"github.com/goip-relay/goip-relay/common/messaging"
	"github.com/goip-relay/goip-relay/relay/internal/events"
	"github.com/goip-relay/goip-relay/relay/internal/metrics"
	"github.com/goip-relay/goip-relay/relay/internal/models"
	"github.com/goip-relay/goip-relay/relay/internal/repository"
	"github.com/goip-relay/goip-relay/relay/pkg/goip"
)

type Config struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	AutoRegister bool          `mapstructure:"auto_register"`
	LearnSlots   bool          `mapstructure:"learn_slots"`
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:     5 * time.Minute,
		AutoRegister: true,
		LearnSlots:   true,
	}
}

// Resolver maps a port token to a device, falling back to legacy flat
// identifiers and finally to a persisted placeholder device.
type Resolver struct {
	store   repository.DeviceStore
	cfg     Config
	cache   *cache.Cache
	emitter *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

func New(store repository.DeviceStore, cfg Config, emitter *events.Emitter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NewEmitter(nil, logger)
	}
	return &Resolver{
		store:   store,
		cfg:     cfg,
		cache:   cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		emitter: emitter,
		logger:  logger.With(logging.Component("resolver")),
		now:     time.Now,
	}
}

// Resolve never fails because a device is unknown; errors are store
// failures only.
func (r *Resolver) Resolve(ctx context.Context, port, receiver string) (*models.Resolution, error) {
	res, err := r.resolveDevice(ctx, port)
	if err != nil {
		return nil, err
	}

	if err := r.store.TouchDevice(ctx, res.Device.ID, r.now()); err != nil {
		r.logger.WarnContext(ctx, "failed to update device last seen",
			logging.DeviceID(res.Device.DeviceID),
			logging.Error(err))
	}

	if res.Context != nil {
		res.Slot = r.resolveSlot(ctx, res.Device, res.Context.SlotIndex, receiver)
	}
	return res, nil
}

func (r *Resolver) resolveDevice(ctx context.Context, port string) (*models.Resolution, error) {
	if dc, ok := goip.DecodePort(port); ok {
		device, err := r.lookup(ctx, dc.DeviceID)
		if err != nil && !errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, err
		}
		if device != nil {
			return &models.Resolution{Device: device, Context: &dc, Kind: models.ResolvedKnown}, nil
		}

		if r.cfg.AutoRegister {
			verr := goip.ValidateDeviceID(dc.DeviceID)
			if verr == nil {
				device, err := r.register(ctx, &models.Device{DeviceID: dc.DeviceID, Name: dc.DeviceID})
				if err != nil {
					return nil, err
				}
				r.observe(ctx, port, device, models.ResolvedRegistered)
				return &models.Resolution{Device: device, Context: &dc, Kind: models.ResolvedRegistered}, nil
			}
			r.logger.WarnContext(ctx, "refusing to register device from port token",
				logging.Port(port),
				logging.Error(verr))
		}
	}

	device, err := r.lookup(ctx, port)
	if err != nil && !errors.Is(err, repository.ErrDeviceNotFound) {
		return nil, err
	}
	if device != nil {
		r.observe(ctx, port, device, models.ResolvedLegacy)
		return &models.Resolution{Device: device, Kind: models.ResolvedLegacy}, nil
	}

	device, err = r.register(ctx, &models.Device{
		DeviceID:      models.PlaceholderDeviceID(port),
		Name:          "Placeholder for " + port,
		IsPlaceholder: true,
	})
	if err != nil {
		return nil, err
	}
	r.observe(ctx, port, device, models.ResolvedPlaceholder)
	return &models.Resolution{Device: device, Kind: models.ResolvedPlaceholder}, nil
}

func (r *Resolver) lookup(ctx context.Context, token string) (*models.Device, error) {
	if cached, ok := r.cache.Get(token); ok {
		return cached.(*models.Device), nil
	}
	device, err := r.store.FindDeviceByPortOrID(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up device %q: %w", token, err)
	}
	r.cache.SetDefault(token, device)
	return device, nil
}

func (r *Resolver) register(ctx context.Context, d *models.Device) (*models.Device, error) {
	device, err := r.store.CreateDevice(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to register device %q: %w", d.DeviceID, err)
	}
	r.cache.SetDefault(device.DeviceID, device)
	return device, nil
}

// observe records a non-known resolution.
func (r *Resolver) observe(ctx context.Context, port string, device *models.Device, kind models.ResolutionKind) {
	metrics.FallbackResolutions.WithLabelValues(string(kind)).Inc()

	subject := messaging.SubjectDevicePlaceholder
	if kind == models.ResolvedRegistered {
		subject = messaging.SubjectDeviceRegistered
		r.logger.InfoContext(ctx, "registered new device",
			logging.Port(port),
			logging.DeviceID(device.DeviceID))
	} else {
		r.logger.WarnContext(ctx, "port token did not resolve to a device context",
			logging.Port(port),
			logging.DeviceID(device.DeviceID),
			slog.String("kind", string(kind)))
	}

	r.emitter.Emit(ctx, subject, events.DeviceFallback{
		Port:      port,
		DeviceRef: device.ID,
		DeviceID:  device.DeviceID,
		Kind:      string(kind),
		At:        r.now().UTC(),
	})
}

// resolveSlot returns slot metadata, learning the slot's phone number from
// the first message that reaches it. Failures degrade to nil.
func (r *Resolver) resolveSlot(ctx context.Context, device *models.Device, slotIndex int, receiver string) *models.Slot {
	slot, err := r.store.FindSlot(ctx, device.ID, slotIndex)
	if err == nil {
		return slot
	}
	if !errors.Is(err, repository.ErrSlotNotFound) {
		r.logger.WarnContext(ctx, "failed to look up slot",
			logging.DeviceID(device.DeviceID),
			logging.SlotIndex(slotIndex),
			logging.Error(err))
		return nil
	}
	if !r.cfg.LearnSlots || receiver == "" || receiver == goip.Unknown {
		return nil
	}

	learned := &models.Slot{DeviceRef: device.ID, SlotIndex: slotIndex, PhoneNumber: receiver}
	if err := r.store.UpsertSlot(ctx, learned); err != nil {
		r.logger.WarnContext(ctx, "failed to record slot",
			logging.DeviceID(device.DeviceID),
			logging.SlotIndex(slotIndex),
			logging.Error(err))
		return nil
	}
	return learned
}

// Forget drops a cached token, e.g. after a device is renamed.
func (r *Resolver) Forget(token string) {
	r.cache.Delete(token)
}
