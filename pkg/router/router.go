// Package router classifies canonical requests into routing categories and
// picks a worker for each request according to the configured policy.
package router

import (
	"log/slog"
	"strings"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/tokenizer"
	"github.com/modelrelay/relay/pkg/workers"
)

// Category is a virtual-model classification. Each category has its own
// candidate worker list and its own round-robin cursor.
type Category string

const (
	CategoryDefault     Category = "default"
	CategoryBackground  Category = "background"
	CategoryReasoning   Category = "reasoning"
	CategoryLongContext Category = "longContext"
	CategoryWebSearch   Category = "webSearch"
	CategoryToolCall    Category = "toolcall"
)

// knownCategories lets a virtual model name select its category directly.
var knownCategories = map[string]Category{
	string(CategoryDefault):     CategoryDefault,
	string(CategoryBackground):  CategoryBackground,
	string(CategoryReasoning):   CategoryReasoning,
	string(CategoryLongContext): CategoryLongContext,
	string(CategoryWebSearch):   CategoryWebSearch,
	string(CategoryToolCall):    CategoryToolCall,
}

// Hints carries per-request routing overrides from the caller.
type Hints struct {
	// CategoryOverride forces the category, skipping classification.
	CategoryOverride Category
	// PreferStreaming records the caller's streaming preference for the
	// decision metadata; it does not affect worker choice.
	PreferStreaming bool
}

// Decision is the router's answer: which worker, which concrete model, and
// which same-category alternates remain for retries. Fallbacks never cross
// the category boundary.
type Decision struct {
	Worker      *workers.Worker
	TargetModel string
	Category    Category
	Strategy    string

	// FallbackWorkers are the remaining candidate ids in the same category,
	// for retry-on-same-category only.
	FallbackWorkers []string

	// RequiresHealthCheck is set when the selected worker recently recovered
	// from cooldown and has not served a success since.
	RequiresHealthCheck bool
}

// Router owns classification and delegates selection to the worker registry.
type Router struct {
	registry   *workers.Registry
	categories map[string][]string
	policy     string
	threshold  int
}

// New builds a router over an expanded worker set.
func New(registry *workers.Registry, routing config.RoutingConfig, categories map[string][]string) *Router {
	return &Router{
		registry:   registry,
		categories: categories,
		policy:     routing.Policy,
		threshold:  routing.LongContextThreshold,
	}
}

// reasoning model markers, matched as substrings of the lowercased name.
var reasoningMarkers = []string{"think", "reason", "-r1", "o1-", "o3-"}

// background model markers: small/cheap models.
var backgroundMarkers = []string{"haiku", "mini", "nano", "flash", "-8b", "lite"}

// Classify derives the category for a request. The explicit hint wins, then
// a virtual model that names a category, then content-based classification.
func (r *Router) Classify(req *protocol.Request, hints Hints) Category {
	if hints.CategoryOverride != "" {
		return hints.CategoryOverride
	}
	if c, ok := knownCategories[req.VirtualModel]; ok {
		return c
	}

	web, function := splitTools(req.Tools)
	if function {
		return CategoryToolCall
	}
	if r.estimateTokens(req) > r.threshold {
		return CategoryLongContext
	}

	model := strings.ToLower(req.VirtualModel)
	for _, marker := range reasoningMarkers {
		if strings.Contains(model, marker) {
			return CategoryReasoning
		}
	}
	if web {
		return CategoryWebSearch
	}
	for _, marker := range backgroundMarkers {
		if strings.Contains(model, marker) {
			return CategoryBackground
		}
	}
	return CategoryDefault
}

// splitTools reports whether the tool list contains web-search tools and
// whether it contains ordinary function tools.
func splitTools(tools []protocol.Tool) (web, function bool) {
	for _, t := range tools {
		if strings.HasPrefix(t.Name, "web_search") {
			web = true
		} else {
			function = true
		}
	}
	return web, function
}

// estimateTokens counts request tokens; estimation failures classify as
// non-long-context rather than failing the request.
func (r *Router) estimateTokens(req *protocol.Request) int {
	counter, err := tokenizer.NewCounter(req.VirtualModel)
	if err != nil {
		slog.Debug("Token estimation unavailable", "model", req.VirtualModel, "error", err)
		return 0
	}
	return counter.CountRequest(req)
}

// Route selects one eligible worker for the request. A routing entry keyed
// by the virtual model itself wins over content classification; otherwise
// the classified category's list applies, falling back to default when the
// category has none. An empty default is NoRoute; an exhausted candidate
// list is NoHealthyWorker, never a different category.
func (r *Router) Route(req *protocol.Request, hints Hints) (*Decision, *protocol.GatewayError) {
	var category Category
	var candidates []string

	if hints.CategoryOverride == "" {
		if list, ok := r.categories[req.VirtualModel]; ok && len(list) > 0 {
			category = Category(req.VirtualModel)
			candidates = list
		}
	}
	if candidates == nil {
		category = r.Classify(req, hints)
		candidates = r.categories[string(category)]
		if len(candidates) == 0 {
			candidates = r.categories[string(CategoryDefault)]
		}
	}
	if len(candidates) == 0 {
		return nil, protocol.NewErrorf(protocol.KindNoRoute,
			"no route for category %q (virtual model %q)", category, req.VirtualModel)
	}

	worker, gerr := r.registry.SelectAvailable(string(category), candidates, r.policy)
	if gerr != nil {
		return nil, gerr
	}

	fallbacks := make([]string, 0, len(candidates)-1)
	for _, id := range candidates {
		if id != worker.ID {
			fallbacks = append(fallbacks, id)
		}
	}

	decision := &Decision{
		Worker:          worker,
		TargetModel:     worker.ResolveModel(req.VirtualModel),
		Category:        category,
		Strategy:        r.policy,
		FallbackWorkers: fallbacks,
	}
	if h, ok := r.registry.HealthOf(worker.ID); ok {
		decision.RequiresHealthCheck = h.ConsecutiveFailures > 0
	}
	return decision, nil
}

// Reroute selects another worker from the remaining same-category candidates
// after a retryable failure. The failed worker must already be excluded from
// candidates by the caller.
func (r *Router) Reroute(category Category, candidates []string, req *protocol.Request) (*Decision, *protocol.GatewayError) {
	if len(candidates) == 0 {
		return nil, protocol.NewErrorf(protocol.KindNoHealthyWorker,
			"no remaining workers for category %q", category)
	}
	worker, gerr := r.registry.SelectAvailable(string(category), candidates, r.policy)
	if gerr != nil {
		return nil, gerr
	}

	fallbacks := make([]string, 0, len(candidates)-1)
	for _, id := range candidates {
		if id != worker.ID {
			fallbacks = append(fallbacks, id)
		}
	}
	return &Decision{
		Worker:          worker,
		TargetModel:     worker.ResolveModel(req.VirtualModel),
		Category:        category,
		Strategy:        r.policy,
		FallbackWorkers: fallbacks,
	}, nil
}

// Table returns the category→worker-id table for the /routing surface.
func (r *Router) Table() map[string][]string {
	out := make(map[string][]string, len(r.categories))
	for k, v := range r.categories {
		ids := make([]string, len(v))
		copy(ids, v)
		out[k] = ids
	}
	return out
}
