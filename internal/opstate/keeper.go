package opstate

import (
	"context"
	"log/slog"
	"time"
)

// DeviceSource is the live state being saved. *printer.Device
// satisfies it.
type DeviceSource interface {
	Snapshot() map[string]any
	UpdatedAt() time.Time
}

// Keeper periodically writes a device's state to the store when it has
// changed since the last write.
type Keeper struct {
	store    *Store
	serial   string
	source   DeviceSource
	interval time.Duration
	logger   *slog.Logger

	saved time.Time
}

// NewKeeper creates a Keeper. interval defaults to 30 seconds.
func NewKeeper(store *Store, serial string, source DeviceSource, interval time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		store:    store,
		serial:   serial,
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Run saves on every tick until ctx is cancelled, then saves once more.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.Save()
			return
		case <-ticker.C:
			k.Save()
		}
	}
}

// Save writes the current state if it changed since the last save. It
// reports whether a write happened.
func (k *Keeper) Save() bool {
	at := k.source.UpdatedAt()
	if at.IsZero() || at.Equal(k.saved) {
		return false
	}
	if err := k.store.SaveDevice(k.serial, k.source.Snapshot(), at); err != nil {
		k.logger.Warn("device state save failed", "printer", k.serial, "error", err)
		return false
	}
	k.saved = at
	k.logger.Debug("device state saved", "printer", k.serial)
	return true
}
