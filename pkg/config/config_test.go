package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/relay/pkg/config/provider"
)

const sampleYAML = `
server:
  port: 8080

providers:
  - id: openai
    wire_family: openai
    api_key: ${TEST_OPENAI_KEY}
    models:
      - gpt-4o
      - gpt-4o-mini
    capabilities:
      native_streaming: true
      tool_calls: true

  - id: anthropic
    wire_family: anthropic
    api_keys:
      - sk-ant-1
      - sk-ant-2
    models:
      - claude-sonnet-4

routing:
  policy: least-loaded
  categories:
    default:
      - openai
      - anthropic
    reasoning:
      - anthropic

streaming:
  mode: simulated
  chunk_size: 32
`

func TestParse(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d", len(cfg.Providers))
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, env var not expanded", cfg.Providers[0].APIKey)
	}
	if cfg.Routing.Policy != PolicyLeastLoaded {
		t.Errorf("policy = %s", cfg.Routing.Policy)
	}
	if cfg.Streaming.Mode != StreamingSimulated || cfg.Streaming.ChunkSize != 32 {
		t.Errorf("streaming = %+v", cfg.Streaming)
	}
	if got := cfg.Routing.Categories["reasoning"]; len(got) != 1 || got[0] != "anthropic" {
		t.Errorf("reasoning candidates = %v", got)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "k")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %s", cfg.Server.Host)
	}
	if cfg.Routing.LongContextThreshold != 60000 {
		t.Errorf("long_context_threshold = %d", cfg.Routing.LongContextThreshold)
	}

	openai := cfg.Providers[0]
	if openai.Timeout != 120 || openai.MaxRetries != 3 {
		t.Errorf("openai retry defaults = %d/%d", openai.Timeout, openai.MaxRetries)
	}
	if openai.AuthScheme != AuthBearer {
		t.Errorf("openai auth = %s", openai.AuthScheme)
	}
	if openai.Endpoint != "https://api.openai.com/v1" {
		t.Errorf("openai endpoint = %s", openai.Endpoint)
	}

	anthropic := cfg.Providers[1]
	if anthropic.AuthScheme != AuthAPIKey {
		t.Errorf("anthropic auth = %s", anthropic.AuthScheme)
	}
	if anthropic.APIVersion != "2023-06-01" {
		t.Errorf("anthropic api_version = %s", anthropic.APIVersion)
	}
	if anthropic.DefaultMaxTokens != 4096 {
		t.Errorf("default_max_tokens = %d", anthropic.DefaultMaxTokens)
	}
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no providers",
			yaml: `server: {port: 8080}`,
			want: "at least one provider",
		},
		{
			name: "unknown policy",
			yaml: `
providers:
  - {id: a, wire_family: openai, models: [m]}
routing:
  policy: fastest
`,
			want: "unknown routing policy",
		},
		{
			name: "duplicate provider id",
			yaml: `
providers:
  - {id: a, wire_family: openai, models: [m]}
  - {id: a, wire_family: openai, models: [m]}
`,
			want: "duplicate provider id",
		},
		{
			name: "category references unknown provider",
			yaml: `
providers:
  - {id: a, wire_family: openai, models: [m]}
routing:
  categories:
    default: [a, ghost]
`,
			want: "unknown provider",
		},
		{
			name: "provider id with colon",
			yaml: `
providers:
  - {id: "a:b", wire_family: openai, models: [m]}
`,
			want: "cannot contain",
		},
		{
			name: "unknown wire family",
			yaml: `
providers:
  - {id: a, wire_family: cohere, models: [m]}
`,
			want: "unknown wire family",
		},
		{
			name: "no models",
			yaml: `
providers:
  - {id: a, wire_family: openai}
`,
			want: "at least one model",
		},
		{
			name: "unknown streaming mode",
			yaml: `
providers:
  - {id: a, wire_family: openai, models: [m]}
streaming:
  mode: buffered
`,
			want: "unknown streaming mode",
		},
		{
			name: "not yaml",
			yaml: `{{{`,
			want: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("config accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("RELAY_TEST_VAL", "filled")

	tests := []struct {
		in   string
		want string
	}{
		{"${RELAY_TEST_VAL}", "filled"},
		{"prefix-${RELAY_TEST_VAL}", "prefix-filled"},
		{"${RELAY_TEST_MISSING}", ""},
		{"${RELAY_TEST_MISSING:-fallback}", "fallback"},
		{"${RELAY_TEST_VAL:-ignored}", "filled"},
		{"$RELAY_TEST_VAL", "filled"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := ExpandEnvString(tt.in); got != tt.want {
			t.Errorf("ExpandEnvString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCredentialsOrder(t *testing.T) {
	p := ProviderConfig{APIKey: "first", APIKeys: []string{"second", "third"}}
	got := p.Credentials()
	if len(got) != 3 || got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Errorf("credentials = %v", got)
	}

	empty := ProviderConfig{}
	if len(empty.Credentials()) != 0 {
		t.Errorf("credentials = %v", empty.Credentials())
	}
}

func TestProviderEnabled(t *testing.T) {
	p := ProviderConfig{}
	if !p.IsEnabled() {
		t.Error("nil enabled should mean enabled")
	}
	off := false
	p.Enabled = &off
	if p.IsEnabled() {
		t.Error("disabled provider reported enabled")
	}
}

func TestLoaderLoadFromFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-file")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers[0].APIKey != "sk-file" {
		t.Errorf("api_key = %q", cfg.Providers[0].APIKey)
	}
}

func contextWithTimeout(t *testing.T) (ctx context.Context, cancel context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}
