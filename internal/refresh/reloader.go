// Package refresh rebuilds the handler registry on demand and on a cron
// schedule.
package refresh

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/registry"
)

// Reloader rebuilds the registry snapshot and announces the result on the
// bus. A failed rebuild leaves the previous snapshot active.
type Reloader struct {
	holder *registry.Holder
	bus    *bus.Bus
	logger *slog.Logger

	lastReload atomic.Pointer[time.Time]
}

func NewReloader(holder *registry.Holder, b *bus.Bus, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{holder: holder, bus: b, logger: logger.With("component", "refresh")}
}

func (r *Reloader) Reload(ctx context.Context, reason string) (*registry.Registry, error) {
	start := time.Now()
	reg, err := r.holder.Rebuild(ctx)
	if err != nil {
		r.logger.Error("registry rebuild failed; keeping previous snapshot", "reason", reason, "error", err)
		return nil, err
	}
	handlers := len(reg.Definitions())
	r.logger.Info("registry rebuilt",
		"reason", reason,
		"handlers", handlers,
		"types", reg.TypeCount(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	now := time.Now().UTC()
	r.lastReload.Store(&now)
	if r.bus != nil {
		r.bus.Publish(bus.TopicRegistryRebuilt, bus.RegistryRebuilt{Handlers: handlers, Types: reg.TypeCount(), Reason: reason})
	}
	return reg, nil
}

// LastReload returns the time of the last successful rebuild.
func (r *Reloader) LastReload() time.Time {
	if t := r.lastReload.Load(); t != nil {
		return *t
	}
	return time.Time{}
}
