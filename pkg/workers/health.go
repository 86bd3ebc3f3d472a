package workers

import (
	"context"
	"log/slog"
	"time"
)

// HealthSweeper periodically walks the registry, restoring workers whose
// cooldown windows have expired. Restoration also happens lazily at
// selection time; the sweep exists so the /status surface and metrics
// reflect recoveries even on an idle gateway.
type HealthSweeper struct {
	registry *Registry
	interval time.Duration
}

// NewHealthSweeper creates a sweeper over the registry. A zero interval
// disables sweeping.
func NewHealthSweeper(registry *Registry, interval time.Duration) *HealthSweeper {
	return &HealthSweeper{registry: registry, interval: interval}
}

// Run blocks until the context is cancelled, sweeping every interval.
func (s *HealthSweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *HealthSweeper) sweep() {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, e := range r.entries {
		if e.health.Healthy {
			continue
		}
		if !e.health.CooldownUntil.IsZero() && !now.Before(e.health.CooldownUntil) {
			e.health.Healthy = true
			e.health.CooldownUntil = time.Time{}
			if r.metrics != nil {
				r.metrics.observeHealth(id, true)
			}
			slog.Info("Worker cooldown expired, restoring", "worker", id)
		}
	}
}
