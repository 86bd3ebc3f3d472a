package workers

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/relay/pkg/protocol"
)

// CooldownConfig controls how worker failures translate into unavailability
// windows. All durations are wall-clock.
type CooldownConfig struct {
	// RateLimit is the cooldown after a 429 without a Retry-After hint.
	RateLimit time.Duration
	// Auth is the cooldown after a 401/403; long, since the credential is
	// probably revoked or misconfigured.
	Auth time.Duration
	// BackoffBase and BackoffMax bound the exponential cooldown applied to
	// generic upstream failures past the failure threshold.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// FailureThreshold is how many consecutive failures mark a worker
	// unhealthy.
	FailureThreshold int
}

// DefaultCooldowns mirrors the routing config defaults.
func DefaultCooldowns() CooldownConfig {
	return CooldownConfig{
		RateLimit:        60 * time.Second,
		Auth:             300 * time.Second,
		BackoffBase:      2 * time.Second,
		BackoffMax:       120 * time.Second,
		FailureThreshold: 3,
	}
}

type entry struct {
	worker *Worker
	health Health
}

// Registry holds every worker of one configuration generation together with
// its mutable health state. All methods are safe for concurrent use; the
// selection cursor advances under the same lock so rotation is strict.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	cursors map[string]int

	cooldowns CooldownConfig
	metrics   *Metrics

	// now is replaceable in tests.
	now func() time.Time
	rng *rand.Rand
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces the registry's time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRandSource seeds the random selection policy deterministically.
func WithRandSource(src rand.Source) RegistryOption {
	return func(r *Registry) { r.rng = rand.New(src) }
}

// NewRegistry creates an empty registry with the given cooldown behavior.
func NewRegistry(cooldowns CooldownConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		cursors:   make(map[string]int),
		cooldowns: cooldowns,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a worker in healthy state. Registration order determines
// round-robin order.
func (r *Registry) Register(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w.ID == "" {
		return protocol.NewError(protocol.KindInternal, "worker has no id")
	}
	if _, exists := r.entries[w.ID]; exists {
		return protocol.NewErrorf(protocol.KindInternal, "worker %q already registered", w.ID)
	}

	r.entries[w.ID] = &entry{worker: w, health: Health{Healthy: true}}
	r.order = append(r.order, w.ID)
	if r.metrics != nil {
		r.metrics.observeHealth(w.ID, true)
		r.metrics.observeLoad(w.ID, 0)
	}
	return nil
}

// Get returns a worker by id.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns all worker ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// MarkBusy increments the worker's in-flight count. It does not enforce
// MaxConcurrency; availability is checked at selection time.
func (r *Registry) MarkBusy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.health.CurrentLoad++
		if r.metrics != nil {
			r.metrics.observeLoad(id, e.health.CurrentLoad)
		}
	}
}

// MarkIdle decrements the worker's in-flight count.
func (r *Registry) MarkIdle(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.health.CurrentLoad > 0 {
		e.health.CurrentLoad--
		if r.metrics != nil {
			r.metrics.observeLoad(id, e.health.CurrentLoad)
		}
	}
}

// MarkSuccess resets the worker's failure state and clears any cooldown.
func (r *Registry) MarkSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	wasUnhealthy := !e.health.Healthy
	e.health.ConsecutiveFailures = 0
	e.health.CooldownUntil = time.Time{}
	e.health.Healthy = true
	if r.metrics != nil {
		r.metrics.observeHealth(id, true)
	}
	if wasUnhealthy {
		slog.Info("Worker recovered", "worker", id)
	}
}

// MarkFailure records a terminal failure and applies the cooldown appropriate
// to the reason. retryAfter, when positive, overrides the configured
// rate-limit window (the upstream told us exactly how long to wait).
func (r *Registry) MarkFailure(id string, reason FailureReason, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}

	now := r.now()
	e.health.ConsecutiveFailures++
	e.health.LastFailureAt = now

	var cooldown time.Duration
	switch reason {
	case FailureRateLimited:
		cooldown = r.cooldowns.RateLimit
		if retryAfter > 0 {
			cooldown = retryAfter
		}
		e.health.Healthy = false
	case FailureAuth:
		cooldown = r.cooldowns.Auth
		e.health.Healthy = false
	default:
		if e.health.ConsecutiveFailures >= r.cooldowns.FailureThreshold {
			cooldown = r.backoff(e.health.ConsecutiveFailures - r.cooldowns.FailureThreshold)
			e.health.Healthy = false
		}
	}

	if cooldown > 0 {
		e.health.CooldownUntil = now.Add(cooldown)
		slog.Warn("Worker cooling down",
			"worker", id, "reason", string(reason),
			"failures", e.health.ConsecutiveFailures, "until", e.health.CooldownUntil.Format(time.RFC3339))
	}
	if r.metrics != nil {
		r.metrics.observeHealth(id, e.health.Healthy)
		r.metrics.observeFailure(id, reason)
	}
}

// backoff grows 2^n from the base, capped at the max.
func (r *Registry) backoff(n int) time.Duration {
	d := r.cooldowns.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= r.cooldowns.BackoffMax {
			return r.cooldowns.BackoffMax
		}
	}
	if d > r.cooldowns.BackoffMax {
		d = r.cooldowns.BackoffMax
	}
	return d
}

// available reports whether an entry can take a request right now. Cooldown
// expiry restores eligibility lazily; the health sweep only logs.
func (r *Registry) available(e *entry, now time.Time) bool {
	if !e.health.Healthy && (e.health.CooldownUntil.IsZero() || now.Before(e.health.CooldownUntil)) {
		return false
	}
	if e.health.Healthy && !e.health.CooldownUntil.IsZero() && now.Before(e.health.CooldownUntil) {
		return false
	}
	if e.worker.MaxConcurrency > 0 && e.health.CurrentLoad >= e.worker.MaxConcurrency {
		return false
	}
	return true
}

// SelectAvailable picks one worker from candidates according to the policy.
// The group keys the round-robin cursor so each routing category rotates
// independently; least-loaded and priority break ties through the same
// cursor. Returns a NoHealthyWorker error when no candidate is
// currently available, and a NoRoute error when candidates is empty.
func (r *Registry) SelectAvailable(group string, candidates []string, policy string) (*Worker, *protocol.GatewayError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(candidates) == 0 {
		return nil, protocol.NewErrorf(protocol.KindNoRoute, "no workers configured for %q", group)
	}

	now := r.now()
	eligible := make([]*entry, 0, len(candidates))
	for _, id := range candidates {
		if e, ok := r.entries[id]; ok && r.available(e, now) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil, protocol.NewErrorf(protocol.KindNoHealthyWorker,
			"all %d workers for %q are unavailable", len(candidates), group)
	}

	var picked *entry
	switch policy {
	case "least-loaded":
		ties := []*entry{eligible[0]}
		for _, e := range eligible[1:] {
			switch {
			case e.health.CurrentLoad < ties[0].health.CurrentLoad:
				ties = []*entry{e}
			case e.health.CurrentLoad == ties[0].health.CurrentLoad:
				ties = append(ties, e)
			}
		}
		picked = r.rotate(group, ties)
	case "random":
		picked = eligible[r.rng.Intn(len(eligible))]
	case "priority":
		ties := []*entry{eligible[0]}
		for _, e := range eligible[1:] {
			switch {
			case e.worker.Priority > ties[0].worker.Priority:
				ties = []*entry{e}
			case e.worker.Priority == ties[0].worker.Priority:
				ties = append(ties, e)
			}
		}
		picked = r.rotate(group, ties)
	default: // round-robin
		picked = r.rotate(group, eligible)
	}

	if r.metrics != nil {
		r.metrics.observeSelection(picked.worker.ID, policy)
	}
	return picked.worker, nil
}

// rotate picks from candidates by the group's cursor and advances it, so
// workers that score equally under a policy share traffic instead of pinning
// to the first. Caller holds the lock.
func (r *Registry) rotate(group string, candidates []*entry) *entry {
	cursor := r.cursors[group]
	r.cursors[group] = cursor + 1
	return candidates[cursor%len(candidates)]
}

// HealthOf returns the worker's current health snapshot.
func (r *Registry) HealthOf(id string) (Health, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Health{}, false
	}
	return e.health, true
}

// Snapshot returns stats for every worker, sorted by id, for /status.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.entries))
	for id, e := range r.entries {
		stats = append(stats, Stats{
			WorkerID:   id,
			ProviderID: e.worker.ProviderID,
			WireFamily: e.worker.WireFamily,
			Health:     e.health,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].WorkerID < stats[j].WorkerID })
	return stats
}

// AvailableCount returns how many workers could take a request right now.
func (r *Registry) AvailableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, e := range r.entries {
		if r.available(e, now) {
			n++
		}
	}
	return n
}
