package sessions

import (
	"context"
	"log/slog"
	"time"
)

// housekeeper counts events and decides when the registry saves and evicts.
// It is guarded by Registry.mu.
type housekeeper struct {
	saveTicks      int
	clearTicks     int
	evictRequested bool
}

type housekeeping struct {
	save      bool
	clear     bool
	evictIdle bool
}

func (h *housekeeper) tick(cfg Config) housekeeping {
	var a housekeeping

	h.saveTicks++
	if h.saveTicks >= cfg.SaveInterval {
		h.saveTicks = 0
		a.save = true
		if cfg.Policy == EvictionMaxAge {
			a.clear = true
		}
	}

	switch cfg.Policy {
	case EvictionMaxAge:
		if cfg.ClearInterval > 0 {
			h.clearTicks++
			if h.clearTicks >= cfg.ClearInterval {
				h.clearTicks = 0
				a.clear = true
			}
		}
	case EvictionIdleFlag:
		if h.evictRequested {
			h.evictRequested = false
			a.evictIdle = true
		}
	}
	return a
}

func (r *Registry) housekeep(ctx context.Context, a housekeeping, now time.Time) {
	if a.save {
		if err := r.SaveSessions(ctx); err != nil {
			slog.Error("Failed to save sessions", "error", err)
		}
	}
	if a.clear {
		r.ClearSessions(ctx, now)
	}
	if a.evictIdle {
		r.EvictIdle(ctx, now, r.config.IdleThreshold)
	}
}

// Flush saves every session regardless of the tick counters. It is called on
// shutdown so completed laps are not lost.
func (r *Registry) Flush(ctx context.Context) error {
	return r.SaveSessions(ctx)
}
