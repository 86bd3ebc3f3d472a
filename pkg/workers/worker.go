// Package workers tracks the gateway's routable units: one worker per
// (logical provider, credential index) pair, with health, load, cooldown and
// rotation state. All cross-request mutable state of the gateway lives here
// and in the credential store; everything else is per-request.
package workers

import (
	"fmt"
	"time"

	"github.com/modelrelay/relay/pkg/config"
)

// Worker is the smallest unit the router can select. Workers are immutable
// after expansion; their mutable health state lives in the Registry.
type Worker struct {
	// ID is "{provider_id}:{credential_index}", unique within a generation.
	ID string

	ProviderID       string
	CredentialIndex  int
	TotalCredentials int

	WireFamily config.WireFamily
	Endpoint   string
	APIVersion string
	Models     []string

	// Credential is the single key this worker authenticates with.
	Credential string
	AuthScheme string
	Headers    map[string]string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	Priority int
	Weight   int

	// MaxConcurrency caps in-flight requests; 0 means unlimited.
	MaxConcurrency int

	DefaultMaxTokens  int
	ModelMap          map[string]string
	Variant           string
	ForceNonStreaming bool

	Capabilities config.CapabilitiesConfig
}

// WorkerID builds the canonical worker id for a provider and credential index.
func WorkerID(providerID string, credentialIndex int) string {
	return fmt.Sprintf("%s:%d", providerID, credentialIndex)
}

// DefaultModel returns the first model the worker advertises.
func (w *Worker) DefaultModel() string {
	if len(w.Models) == 0 {
		return ""
	}
	return w.Models[0]
}

// ServesModel reports whether the worker advertises the concrete model id.
func (w *Worker) ServesModel(model string) bool {
	for _, m := range w.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ResolveModel maps a virtual model name through the worker's model map,
// falling back to the name itself when the worker serves it directly, then
// to the worker's default model.
func (w *Worker) ResolveModel(virtual string) string {
	if mapped, ok := w.ModelMap[virtual]; ok {
		return mapped
	}
	if w.ServesModel(virtual) {
		return virtual
	}
	return w.DefaultModel()
}

// FailureReason classifies a terminal worker failure for cooldown purposes.
type FailureReason string

const (
	FailureRateLimited FailureReason = "rate-limited"
	FailureAuth        FailureReason = "auth"
	FailureUpstream    FailureReason = "upstream"
	FailureTimeout     FailureReason = "timeout"
)

// Health is a point-in-time snapshot of a worker's mutable state.
type Health struct {
	Healthy             bool      `json:"healthy"`
	CurrentLoad         int       `json:"current_load"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitzero"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
}

// Stats pairs a worker with its health snapshot for the operator surface.
type Stats struct {
	WorkerID   string            `json:"worker_id"`
	ProviderID string            `json:"provider_id"`
	WireFamily config.WireFamily `json:"wire_family"`
	Health     Health            `json:"health"`
}
