// Package gateway assembles configuration generations into runnable
// snapshots and hot-swaps them on reload.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelrelay/relay/pkg/adapters"
	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/expander"
	"github.com/modelrelay/relay/pkg/pipeline"
	"github.com/modelrelay/relay/pkg/preprocess"
	"github.com/modelrelay/relay/pkg/router"
	"github.com/modelrelay/relay/pkg/transform"
	"github.com/modelrelay/relay/pkg/workers"
)

// Gateway owns the current snapshot and the pieces shared across
// generations: transformers, the preprocessor rule set and metrics.
type Gateway struct {
	mu         sync.RWMutex
	current    *Snapshot
	generation uint64

	transformers *transform.Registry
	selector     *preprocess.Selector
	metrics      *workers.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetricsRegisterer enables Prometheus worker metrics.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gateway) { g.metrics = workers.NewMetrics(reg) }
}

// New builds a gateway and installs the first snapshot from cfg.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		transformers: transform.NewDefaultRegistry(),
		selector:     preprocess.NewSelector(),
	}
	for _, opt := range opts {
		opt(g)
	}

	snap, err := g.buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	g.current = snap
	return g, nil
}

// Acquire returns the current snapshot with a reference held. Callers must
// Release it when the request completes.
func (g *Gateway) Acquire() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	g.current.acquire()
	return g.current
}

// Transformers exposes the shared transformer registry for the compatible
// inbound surfaces.
func (g *Gateway) Transformers() *transform.Registry {
	return g.transformers
}

// Generation returns the current snapshot's generation number.
func (g *Gateway) Generation() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current.Generation
}

// Reload builds a snapshot from cfg and swaps it in. In-flight requests keep
// their old snapshot; it is torn down when the last of them finishes. A
// build failure leaves the current snapshot untouched.
func (g *Gateway) Reload(cfg *config.Config) error {
	snap, err := g.buildSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("snapshot build failed: %w", err)
	}

	g.mu.Lock()
	old := g.current
	g.current = snap
	g.mu.Unlock()

	old.retire()
	slog.Info("Installed configuration generation",
		"generation", snap.Generation, "workers", snap.Registry.Count())
	return nil
}

// Close retires the current snapshot.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		g.current.retire()
	}
	return nil
}

func (g *Gateway) buildSnapshot(cfg *config.Config) (*Snapshot, error) {
	expansion, err := expander.Expand(cfg.Providers, cfg.Routing.Categories)
	if err != nil {
		return nil, err
	}

	cooldowns := workers.CooldownConfig{
		RateLimit:        time.Duration(cfg.Routing.RateLimitCooldown) * time.Second,
		Auth:             time.Duration(cfg.Routing.AuthCooldown) * time.Second,
		BackoffBase:      time.Duration(cfg.Routing.BackoffBase) * time.Second,
		BackoffMax:       time.Duration(cfg.Routing.BackoffMax) * time.Second,
		FailureThreshold: cfg.HealthCheck.FailureThreshold,
	}

	var regOpts []workers.RegistryOption
	if g.metrics != nil {
		regOpts = append(regOpts, workers.WithMetrics(g.metrics))
	}
	registry := workers.NewRegistry(cooldowns, regOpts...)

	adapterMap := make(map[string]adapters.Adapter, len(expansion.Workers))
	for _, w := range expansion.Workers {
		if err := registry.Register(w); err != nil {
			return nil, err
		}
		a, err := adapters.New(w)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", w.ID, err)
		}
		adapterMap[w.ID] = a
	}

	rt := router.New(registry, cfg.Routing, expansion.Categories)

	g.mu.Lock()
	g.generation++
	generation := g.generation
	g.mu.Unlock()

	snap := &Snapshot{
		Generation: generation,
		Config:     cfg,
		Registry:   registry,
		Router:     rt,
		adapters:   adapterMap,
	}
	snap.Pipeline = pipeline.New(registry, rt, g.selector, g.transformers, snap, cfg.Streaming)

	if interval := cfg.HealthCheck.Interval; interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		snap.cancel = cancel
		sweeper := workers.NewHealthSweeper(registry, time.Duration(interval)*time.Second)
		go sweeper.Run(ctx)
	}

	return snap, nil
}
