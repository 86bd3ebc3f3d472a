package config

import (
	"fmt"
	"strings"
)

// WireFamily identifies the concrete request/response shape an upstream
// understands.
type WireFamily string

const (
	WireOpenAI       WireFamily = "openai"
	WireAnthropic    WireFamily = "anthropic"
	WireGemini       WireFamily = "gemini"
	WireCodeWhisper  WireFamily = "codewhisperer"
)

// ParseWireFamily converts a string to a WireFamily.
func ParseWireFamily(s string) (WireFamily, error) {
	switch strings.ToLower(s) {
	case "openai", "openai-compatible":
		return WireOpenAI, nil
	case "anthropic":
		return WireAnthropic, nil
	case "gemini":
		return WireGemini, nil
	case "codewhisperer":
		return WireCodeWhisper, nil
	default:
		return "", fmt.Errorf("unknown wire family: %s", s)
	}
}

// Credential auth schemes.
const (
	AuthBearer = "bearer"
	AuthAPIKey = "api-key"
)

// CapabilitiesConfig declares what an upstream supports.
type CapabilitiesConfig struct {
	NativeStreaming bool `yaml:"native_streaming,omitempty" json:"native_streaming,omitempty" mapstructure:"native_streaming"`
	ToolCalls       bool `yaml:"tool_calls,omitempty" json:"tool_calls,omitempty" mapstructure:"tool_calls"`
	Multimodal      bool `yaml:"multimodal,omitempty" json:"multimodal,omitempty" mapstructure:"multimodal"`
	MaxContext      int  `yaml:"max_context,omitempty" json:"max_context,omitempty" mapstructure:"max_context"`
}

// ProviderConfig is one logical upstream provider. A provider with N
// credentials expands into N independently-routable workers.
type ProviderConfig struct {
	// ID is the logical provider id, unique across the config.
	ID string `yaml:"id" json:"id" mapstructure:"id"`

	// WireFamily: openai, anthropic, gemini, codewhisperer.
	WireFamily WireFamily `yaml:"wire_family" json:"wire_family" mapstructure:"wire_family"`

	// Endpoint is the base URL. Supports ${VAR} expansion.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" mapstructure:"endpoint"`

	// APIVersion overrides the wire family's default API version header.
	APIVersion string `yaml:"api_version,omitempty" json:"api_version,omitempty" mapstructure:"api_version"`

	// Enabled defaults to true; a disabled provider expands to no workers.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" mapstructure:"enabled"`

	// Timeout per upstream call in seconds.
	Timeout int `yaml:"timeout,omitempty" json:"timeout,omitempty" mapstructure:"timeout"`

	// MaxRetries for retryable upstream failures.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty" mapstructure:"max_retries"`

	// RetryDelay is the base backoff delay in seconds.
	RetryDelay int `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty" mapstructure:"retry_delay"`

	// Models lists the concrete model ids this provider serves.
	Models []string `yaml:"models,omitempty" json:"models,omitempty" mapstructure:"models"`

	// APIKey holds a single credential; APIKeys an ordered set. Both support
	// ${VAR} expansion and may be combined.
	APIKey  string   `yaml:"api_key,omitempty" json:"api_key,omitempty" mapstructure:"api_key"`
	APIKeys []string `yaml:"api_keys,omitempty" json:"api_keys,omitempty" mapstructure:"api_keys"`

	// AuthScheme: bearer (Authorization: Bearer), api-key (x-api-key), or
	// any other value taken literally as the header name.
	AuthScheme string `yaml:"auth_scheme,omitempty" json:"auth_scheme,omitempty" mapstructure:"auth_scheme"`

	// Headers are attached verbatim to every upstream call.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty" mapstructure:"headers"`

	// Variant marks OpenAI-compatible self-hosted deployments that need
	// parameter stripping or model-name mapping (e.g. "self-hosted").
	Variant string `yaml:"variant,omitempty" json:"variant,omitempty" mapstructure:"variant"`

	// ModelMap maps virtual model names to this provider's concrete ids.
	ModelMap map[string]string `yaml:"model_map,omitempty" json:"model_map,omitempty" mapstructure:"model_map"`

	// DefaultMaxTokens is supplied when the request omits max_tokens and the
	// wire family requires it (Anthropic).
	DefaultMaxTokens int `yaml:"default_max_tokens,omitempty" json:"default_max_tokens,omitempty" mapstructure:"default_max_tokens"`

	// MaxConcurrency caps in-flight requests per worker; 0 means unlimited.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty" mapstructure:"max_concurrency"`

	// Priority and Weight feed the priority selection policy.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty" mapstructure:"priority"`
	Weight   int `yaml:"weight,omitempty" json:"weight,omitempty" mapstructure:"weight"`

	// ForceNonStreaming makes the adapter buffer upstream streams.
	ForceNonStreaming bool `yaml:"force_non_streaming,omitempty" json:"force_non_streaming,omitempty" mapstructure:"force_non_streaming"`

	Capabilities CapabilitiesConfig `yaml:"capabilities,omitempty" json:"capabilities,omitempty" mapstructure:"capabilities"`
}

// IsEnabled reports whether the provider participates in expansion.
func (p *ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Credentials returns the ordered credential set: APIKey first, then APIKeys.
func (p *ProviderConfig) Credentials() []string {
	creds := make([]string, 0, len(p.APIKeys)+1)
	if p.APIKey != "" {
		creds = append(creds, p.APIKey)
	}
	creds = append(creds, p.APIKeys...)
	return creds
}

func (p *ProviderConfig) SetDefaults() {
	if p.Timeout == 0 {
		p.Timeout = 120
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = 2
	}
	if p.AuthScheme == "" {
		switch p.WireFamily {
		case WireAnthropic:
			p.AuthScheme = AuthAPIKey
		default:
			p.AuthScheme = AuthBearer
		}
	}
	if p.Endpoint == "" {
		switch p.WireFamily {
		case WireOpenAI:
			p.Endpoint = "https://api.openai.com/v1"
		case WireAnthropic:
			p.Endpoint = "https://api.anthropic.com"
		}
	}
	if p.DefaultMaxTokens == 0 {
		p.DefaultMaxTokens = 4096
	}
	if p.Weight == 0 {
		p.Weight = 1
	}
	if p.WireFamily == WireAnthropic && p.APIVersion == "" {
		p.APIVersion = "2023-06-01"
	}
}

func (p *ProviderConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if strings.Contains(p.ID, ":") {
		return fmt.Errorf("provider id cannot contain ':'")
	}
	if _, err := ParseWireFamily(string(p.WireFamily)); err != nil {
		return err
	}
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint is required for wire family %s", p.WireFamily)
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	return nil
}
