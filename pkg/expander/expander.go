// Package expander turns the logical provider configuration into the flat
// worker set the router operates on. A provider with N credentials becomes N
// workers; the category routing table is rewritten from logical provider ids
// to concrete worker ids in the same pass.
package expander

import (
	"errors"
	"log/slog"
	"time"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/workers"
)

// ErrExpansionEmpty is returned when no provider yields any worker; the
// gateway cannot serve traffic and must refuse the configuration.
var ErrExpansionEmpty = errors.New("expansion produced no workers")

// Result is the outcome of expanding one configuration generation.
type Result struct {
	// Workers in deterministic order: providers in config order, credentials
	// in declaration order.
	Workers []*workers.Worker

	// Categories maps each routing category to the worker ids that serve it,
	// preserving the logical provider order from the config.
	Categories map[string][]string

	// ByProvider maps logical provider id to its worker ids.
	ByProvider map[string][]string
}

// Expand builds workers from the provider list and rewrites the category
// table. Disabled providers and providers without credentials are skipped
// with a warning; they contribute no workers.
func Expand(providers []config.ProviderConfig, categories map[string][]string) (*Result, error) {
	result := &Result{
		Categories: make(map[string][]string, len(categories)),
		ByProvider: make(map[string][]string, len(providers)),
	}

	for i := range providers {
		p := &providers[i]
		if !p.IsEnabled() {
			slog.Info("Skipping disabled provider", "provider", p.ID)
			continue
		}
		creds := p.Credentials()
		if len(creds) == 0 {
			slog.Warn("Provider has no credentials, skipping", "provider", p.ID)
			continue
		}

		ids := make([]string, 0, len(creds))
		for idx, cred := range creds {
			w := buildWorker(p, idx, len(creds), cred)
			result.Workers = append(result.Workers, w)
			ids = append(ids, w.ID)
		}
		result.ByProvider[p.ID] = ids
	}

	if len(result.Workers) == 0 {
		return nil, ErrExpansionEmpty
	}

	for category, logical := range categories {
		var ids []string
		for _, providerID := range logical {
			ids = append(ids, result.ByProvider[providerID]...)
		}
		if len(ids) == 0 {
			slog.Warn("Routing category has no workers", "category", category)
		}
		result.Categories[category] = ids
	}

	return result, nil
}

func buildWorker(p *config.ProviderConfig, index, total int, credential string) *workers.Worker {
	return &workers.Worker{
		ID:               workers.WorkerID(p.ID, index),
		ProviderID:       p.ID,
		CredentialIndex:  index,
		TotalCredentials: total,

		WireFamily: p.WireFamily,
		Endpoint:   p.Endpoint,
		APIVersion: p.APIVersion,
		Models:     p.Models,

		Credential: credential,
		AuthScheme: p.AuthScheme,
		Headers:    p.Headers,

		Timeout:    time.Duration(p.Timeout) * time.Second,
		MaxRetries: p.MaxRetries,
		RetryDelay: time.Duration(p.RetryDelay) * time.Second,

		Priority: p.Priority,
		Weight:   p.Weight,

		MaxConcurrency: p.MaxConcurrency,

		DefaultMaxTokens:  p.DefaultMaxTokens,
		ModelMap:          p.ModelMap,
		Variant:           p.Variant,
		ForceNonStreaming: p.ForceNonStreaming,

		Capabilities: p.Capabilities,
	}
}
