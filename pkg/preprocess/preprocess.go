// Package preprocess mutates canonical requests before transformation, based
// on the selected worker's wire family, variant and the request shape. Rules
// are gated, priority-ordered and applied in place.
package preprocess

import (
	"fmt"
	"sort"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/workers"
)

// Context is what a rule sees: the request to mutate, the worker it is bound
// for, and the accumulating warning list.
type Context struct {
	Request *protocol.Request
	Worker  *workers.Worker

	// Strict turns recoverable shape problems into BadRequest failures.
	Strict bool

	Warnings []string
}

// Warnf records a non-fatal preprocessing observation.
func (c *Context) Warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// Rule is one preprocessing step. Condition gates Apply; disabled rules are
// skipped entirely.
type Rule struct {
	Name      string
	Priority  int
	Enabled   bool
	Condition func(*Context) bool
	Apply     func(*Context) error
}

// Selector picks and orders the rules for a (wire family, variant, request)
// combination.
type Selector struct {
	rules []Rule
}

// NewSelector builds a selector with the default rule set.
func NewSelector() *Selector {
	return &Selector{rules: defaultRules()}
}

// WithRule adds a custom rule.
func (s *Selector) WithRule(r Rule) *Selector {
	s.rules = append(s.rules, r)
	return s
}

// Run applies every enabled rule whose condition holds, highest priority
// first. Returns the names of rules that actually ran.
func (s *Selector) Run(ctx *Context) ([]string, error) {
	ordered := make([]Rule, len(s.rules))
	copy(ordered, s.rules)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var applied []string
	for _, rule := range ordered {
		if !rule.Enabled || !rule.Condition(ctx) {
			continue
		}
		if err := rule.Apply(ctx); err != nil {
			return applied, err
		}
		applied = append(applied, rule.Name)
	}
	return applied, nil
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:     "validate_roles",
			Priority: 100,
			Enabled:  true,
			Condition: func(c *Context) bool {
				return len(c.Request.Messages) > 0
			},
			Apply: validateRoles,
		},
		{
			Name:     "map_model_name",
			Priority: 90,
			Enabled:  true,
			Condition: func(c *Context) bool {
				_, ok := c.Worker.ModelMap[c.Request.VirtualModel]
				return ok
			},
			Apply: func(c *Context) error {
				c.Request.VirtualModel = c.Worker.ModelMap[c.Request.VirtualModel]
				return nil
			},
		},
		{
			Name:     "strip_unsupported_parameters",
			Priority: 80,
			Enabled:  true,
			Condition: func(c *Context) bool {
				return !c.Worker.Capabilities.ToolCalls && c.Request.HasTools()
			},
			Apply: func(c *Context) error {
				c.Warnf("worker %s does not support tools, stripping %d tool declarations",
					c.Worker.ID, len(c.Request.Tools))
				c.Request.Tools = nil
				c.Request.ToolChoice = nil
				return nil
			},
		},
		{
			Name:     "add_max_tokens",
			Priority: 70,
			Enabled:  true,
			Condition: func(c *Context) bool {
				return c.Request.Sampling.MaxTokens == nil &&
					c.Worker.DefaultMaxTokens > 0 &&
					c.Worker.WireFamily == config.WireAnthropic
			},
			Apply: func(c *Context) error {
				mt := c.Worker.DefaultMaxTokens
				c.Request.Sampling.MaxTokens = &mt
				return nil
			},
		},
		{
			Name:     "convert_tool_schema",
			Priority: 60,
			Enabled:  true,
			Condition: func(c *Context) bool {
				return c.Request.HasTools() && c.Worker.WireFamily == config.WireAnthropic
			},
			Apply: func(c *Context) error {
				for i := range c.Request.Tools {
					if c.Request.Tools[i].Parameters == nil {
						c.Request.Tools[i].Parameters = map[string]any{
							"type":       "object",
							"properties": map[string]any{},
						}
					}
				}
				return nil
			},
		},
		{
			Name:     "set_default_tool_choice",
			Priority: 50,
			Enabled:  true,
			Condition: func(c *Context) bool {
				return c.Request.HasTools() && c.Request.ToolChoice == nil
			},
			Apply: func(c *Context) error {
				c.Request.ToolChoice = &protocol.ToolChoice{Mode: protocol.ToolChoiceAuto}
				return nil
			},
		},
	}
}

// validateRoles normalizes non-canonical roles. "developer" and other
// unknown roles downgrade to "user" with a warning; strict mode rejects
// them before dispatch.
func validateRoles(c *Context) error {
	for i := range c.Request.Messages {
		role := c.Request.Messages[i].Role
		if role.Valid() {
			continue
		}
		if c.Strict {
			return protocol.NewErrorf(protocol.KindBadRequest, "unknown message role %q", role)
		}
		c.Warnf("converted unknown role %q to %q", role, protocol.RoleUser)
		c.Request.Messages[i].Role = protocol.RoleUser
	}
	return nil
}
