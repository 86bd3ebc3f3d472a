// Package testutils provides shared fixtures for gateway tests.
package testutils

import (
	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
)

// TestConfig returns a minimal valid gateway configuration with one OpenAI
// provider and one Anthropic provider, both pointed at the given endpoint.
func TestConfig(endpoint string) *config.Config {
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{
				ID:         "openai",
				WireFamily: config.WireOpenAI,
				Endpoint:   endpoint,
				APIKey:     "sk-test",
				Models:     []string{"gpt-4o", "gpt-4o-mini"},
				Capabilities: config.CapabilitiesConfig{
					NativeStreaming: true,
					ToolCalls:       true,
					Multimodal:      true,
				},
			},
			{
				ID:         "anthropic",
				WireFamily: config.WireAnthropic,
				Endpoint:   endpoint,
				APIKey:     "sk-ant-test",
				Models:     []string{"claude-sonnet-4"},
				Capabilities: config.CapabilitiesConfig{
					NativeStreaming: true,
					ToolCalls:       true,
					Multimodal:      true,
				},
			},
		},
		Routing: config.RoutingConfig{
			Categories: map[string][]string{
				"default":   {"openai", "anthropic"},
				"reasoning": {"anthropic"},
			},
		},
	}
	cfg.SetDefaults()
	return cfg
}

// TestRequest returns a valid canonical request with a single user message.
func TestRequest() *protocol.Request {
	return &protocol.Request{
		ID:           "req-test-1",
		VirtualModel: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: "Hello"},
		},
	}
}

// TestToolRequest returns a request declaring one function tool.
func TestToolRequest() *protocol.Request {
	req := TestRequest()
	req.Tools = []protocol.Tool{
		{
			Name:        "get_weather",
			Description: "Look up current weather",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
			},
		},
	}
	return req
}

// TestResponse returns a complete canonical response.
func TestResponse() *protocol.Response {
	return &protocol.Response{
		ID:    "resp-test-1",
		Model: "gpt-4o",
		Choices: []protocol.Choice{
			{
				Message: protocol.AssistantMessage{
					Role:    protocol.RoleAssistant,
					Content: "Hi there",
				},
				FinishReason: protocol.FinishStop,
			},
		},
		Usage: protocol.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}
}
