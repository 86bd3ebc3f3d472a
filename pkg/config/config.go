// Package config defines the gateway configuration model: server settings,
// logical providers with credential sets, routing categories, streaming mode
// and health checking. Configs are loaded from a provider source (file,
// consul, etcd), env-expanded, defaulted and validated before use.
package config

import (
	"fmt"
)

// Config is the root gateway configuration.
type Config struct {
	// Server configures the HTTP front door.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" mapstructure:"server"`

	// Providers lists the logical upstream providers.
	Providers []ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty" mapstructure:"providers"`

	// Routing configures category candidate lists and selection policy.
	Routing RoutingConfig `yaml:"routing,omitempty" json:"routing,omitempty" mapstructure:"routing"`

	// Streaming configures how streaming requests are served.
	Streaming StreamingConfig `yaml:"streaming,omitempty" json:"streaming,omitempty" mapstructure:"streaming"`

	// HealthCheck configures the background worker health scheduler.
	HealthCheck HealthCheckConfig `yaml:"health_check,omitempty" json:"health_check,omitempty" mapstructure:"health_check"`

	// Observability configures tracing and metrics.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty" mapstructure:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty" mapstructure:"host"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty" mapstructure:"port"`

	// ReadTimeout/WriteTimeout in seconds. WriteTimeout must cover the
	// slowest upstream call plus streaming re-emission.
	ReadTimeout  int `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty" mapstructure:"read_timeout"`
	WriteTimeout int `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty" mapstructure:"write_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 3456
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 60
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 600
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// RoutingConfig configures candidate lists and worker selection.
type RoutingConfig struct {
	// Policy selects workers within a category:
	// round-robin, least-loaded, random, priority.
	Policy string `yaml:"policy,omitempty" json:"policy,omitempty" mapstructure:"policy"`

	// Categories maps a virtual category (default, background, reasoning,
	// longContext, webSearch, toolcall) or a concrete model id to an ordered
	// list of logical provider ids. The expander rewrites these to workers.
	Categories map[string][]string `yaml:"categories,omitempty" json:"categories,omitempty" mapstructure:"categories"`

	// LongContextThreshold is the token estimate above which a request is
	// classified as longContext.
	LongContextThreshold int `yaml:"long_context_threshold,omitempty" json:"long_context_threshold,omitempty" mapstructure:"long_context_threshold"`

	// Cooldown windows in seconds.
	RateLimitCooldown int `yaml:"rate_limit_cooldown,omitempty" json:"rate_limit_cooldown,omitempty" mapstructure:"rate_limit_cooldown"`
	AuthCooldown      int `yaml:"auth_cooldown,omitempty" json:"auth_cooldown,omitempty" mapstructure:"auth_cooldown"`

	// Exponential backoff for other failures, in seconds.
	BackoffBase int `yaml:"backoff_base,omitempty" json:"backoff_base,omitempty" mapstructure:"backoff_base"`
	BackoffMax  int `yaml:"backoff_max,omitempty" json:"backoff_max,omitempty" mapstructure:"backoff_max"`
}

// Valid routing policies.
const (
	PolicyRoundRobin  = "round-robin"
	PolicyLeastLoaded = "least-loaded"
	PolicyRandom      = "random"
	PolicyPriority    = "priority"
)

func (c *RoutingConfig) SetDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyRoundRobin
	}
	if c.LongContextThreshold == 0 {
		c.LongContextThreshold = 60000
	}
	if c.RateLimitCooldown == 0 {
		c.RateLimitCooldown = 60
	}
	if c.AuthCooldown == 0 {
		c.AuthCooldown = 300
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 2
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 120
	}
}

func (c *RoutingConfig) Validate() error {
	switch c.Policy {
	case PolicyRoundRobin, PolicyLeastLoaded, PolicyRandom, PolicyPriority:
	default:
		return fmt.Errorf("unknown routing policy: %s", c.Policy)
	}
	return nil
}

// Streaming modes.
const (
	StreamingForceNonStreaming = "force_non_streaming"
	StreamingNative            = "native"
	StreamingSimulated         = "simulated"
)

// StreamingConfig configures streaming delivery back to clients.
type StreamingConfig struct {
	// Mode: force_non_streaming, native, simulated.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty" mapstructure:"mode"`

	// ChunkSize is the approximate text slice size in bytes for simulated
	// streaming; slices never split a UTF-8 code point.
	ChunkSize int `yaml:"chunk_size,omitempty" json:"chunk_size,omitempty" mapstructure:"chunk_size"`

	// ChunkDelayMs is the inter-chunk delay in milliseconds.
	ChunkDelayMs int `yaml:"chunk_delay_ms,omitempty" json:"chunk_delay_ms,omitempty" mapstructure:"chunk_delay_ms"`
}

func (c *StreamingConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = StreamingNative
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 64
	}
	if c.ChunkDelayMs == 0 {
		c.ChunkDelayMs = 10
	}
}

func (c *StreamingConfig) Validate() error {
	switch c.Mode {
	case StreamingForceNonStreaming, StreamingNative, StreamingSimulated:
	default:
		return fmt.Errorf("unknown streaming mode: %s", c.Mode)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive")
	}
	return nil
}

// HealthCheckConfig configures the background health scheduler.
type HealthCheckConfig struct {
	// Interval between sweeps, in seconds. Zero disables the scheduler.
	Interval int `yaml:"interval,omitempty" json:"interval,omitempty" mapstructure:"interval"`

	// FailureThreshold is the consecutive-failure count after which a worker
	// is marked unhealthy.
	FailureThreshold int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty" mapstructure:"failure_threshold"`
}

func (c *HealthCheckConfig) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = 30
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
}

// ObservabilityConfig configures tracing and metrics export.
type ObservabilityConfig struct {
	Enabled     bool   `yaml:"enabled,omitempty" json:"enabled,omitempty" mapstructure:"enabled"`
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty" mapstructure:"service_name"`

	// TraceEndpoint is the OTLP gRPC collector address; empty disables
	// trace export even when Enabled is set.
	TraceEndpoint string `yaml:"trace_endpoint,omitempty" json:"trace_endpoint,omitempty" mapstructure:"trace_endpoint"`

	// SamplingRate in [0,1].
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty" mapstructure:"sampling_rate"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "relay"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

// SetDefaults applies defaults recursively.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Routing.SetDefaults()
	c.Streaming.SetDefaults()
	c.HealthCheck.SetDefaults()
	c.Observability.SetDefaults()
	for i := range c.Providers {
		c.Providers[i].SetDefaults()
	}
}

// Validate checks the whole config.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming: %w", err)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("provider %q: %w", p.ID, err)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	for category, providerIDs := range c.Routing.Categories {
		for _, id := range providerIDs {
			if _, ok := seen[id]; !ok {
				return fmt.Errorf("routing category %q references unknown provider %q", category, id)
			}
		}
	}
	return nil
}
