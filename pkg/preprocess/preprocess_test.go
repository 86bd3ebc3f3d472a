package preprocess

import (
	"testing"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/workers"
)

func anthropicWorker() *workers.Worker {
	return &workers.Worker{
		ID:               "anthropic:0",
		WireFamily:       config.WireAnthropic,
		Models:           []string{"claude-sonnet-4"},
		DefaultMaxTokens: 4096,
		Capabilities:     config.CapabilitiesConfig{ToolCalls: true},
	}
}

func openaiWorker() *workers.Worker {
	return &workers.Worker{
		ID:           "openai:0",
		WireFamily:   config.WireOpenAI,
		Models:       []string{"gpt-4o"},
		Capabilities: config.CapabilitiesConfig{ToolCalls: true},
	}
}

func userRequest() *protocol.Request {
	return &protocol.Request{
		ID:           "req-1",
		VirtualModel: "gpt-4o",
		Messages:     []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}},
	}
}

func TestValidateRolesDowngrade(t *testing.T) {
	req := userRequest()
	req.Messages = append(req.Messages, protocol.Message{Role: "developer", Content: "rules"})
	ctx := &Context{Request: req, Worker: openaiWorker()}

	applied, err := NewSelector().Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req.Messages[1].Role != protocol.RoleUser {
		t.Errorf("role = %s, want user", req.Messages[1].Role)
	}
	if len(ctx.Warnings) == 0 {
		t.Error("downgrade produced no warning")
	}
	if applied[0] != "validate_roles" {
		t.Errorf("applied = %v", applied)
	}
}

func TestValidateRolesStrict(t *testing.T) {
	req := userRequest()
	req.Messages[0].Role = "developer"
	ctx := &Context{Request: req, Worker: openaiWorker(), Strict: true}

	_, err := NewSelector().Run(ctx)
	if err == nil {
		t.Fatal("strict mode accepted unknown role")
	}
	if protocol.KindOf(err) != protocol.KindBadRequest {
		t.Errorf("kind = %s", protocol.KindOf(err))
	}
}

func TestMapModelName(t *testing.T) {
	w := openaiWorker()
	w.ModelMap = map[string]string{"fast": "gpt-4o-mini"}
	req := userRequest()
	req.VirtualModel = "fast"
	ctx := &Context{Request: req, Worker: w}

	if _, err := NewSelector().Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req.VirtualModel != "gpt-4o-mini" {
		t.Errorf("model = %s", req.VirtualModel)
	}
}

func TestStripUnsupportedTools(t *testing.T) {
	w := openaiWorker()
	w.Capabilities.ToolCalls = false
	req := userRequest()
	req.Tools = []protocol.Tool{{Name: "f"}}
	req.ToolChoice = &protocol.ToolChoice{Mode: protocol.ToolChoiceAuto}
	ctx := &Context{Request: req, Worker: w}

	if _, err := NewSelector().Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req.Tools != nil || req.ToolChoice != nil {
		t.Errorf("tools survived: %+v %+v", req.Tools, req.ToolChoice)
	}
	if len(ctx.Warnings) == 0 {
		t.Error("strip produced no warning")
	}
}

func TestAddMaxTokensAnthropicOnly(t *testing.T) {
	req := userRequest()
	ctx := &Context{Request: req, Worker: anthropicWorker()}
	if _, err := NewSelector().Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req.Sampling.MaxTokens == nil || *req.Sampling.MaxTokens != 4096 {
		t.Errorf("max_tokens = %v", req.Sampling.MaxTokens)
	}

	req2 := userRequest()
	ctx2 := &Context{Request: req2, Worker: openaiWorker()}
	if _, err := NewSelector().Run(ctx2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req2.Sampling.MaxTokens != nil {
		t.Errorf("max_tokens set for openai wire: %v", *req2.Sampling.MaxTokens)
	}
}

func TestConvertToolSchema(t *testing.T) {
	req := userRequest()
	req.Tools = []protocol.Tool{{Name: "f"}, {Name: "g", Parameters: map[string]any{"type": "object"}}}
	ctx := &Context{Request: req, Worker: anthropicWorker()}

	if _, err := NewSelector().Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req.Tools[0].Parameters == nil {
		t.Error("nil schema not filled")
	}
	if req.Tools[0].Parameters["type"] != "object" {
		t.Errorf("schema = %+v", req.Tools[0].Parameters)
	}
}

func TestSetDefaultToolChoice(t *testing.T) {
	req := userRequest()
	req.Tools = []protocol.Tool{{Name: "f"}}
	ctx := &Context{Request: req, Worker: openaiWorker()}

	if _, err := NewSelector().Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != protocol.ToolChoiceAuto {
		t.Errorf("tool_choice = %+v", req.ToolChoice)
	}

	// An explicit choice is never overridden.
	req2 := userRequest()
	req2.Tools = []protocol.Tool{{Name: "f"}}
	req2.ToolChoice = &protocol.ToolChoice{Mode: protocol.ToolChoiceNone}
	ctx2 := &Context{Request: req2, Worker: openaiWorker()}
	if _, err := NewSelector().Run(ctx2); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if req2.ToolChoice.Mode != protocol.ToolChoiceNone {
		t.Errorf("tool_choice = %+v", req2.ToolChoice)
	}
}

func TestRulePriorityOrder(t *testing.T) {
	w := anthropicWorker()
	w.ModelMap = map[string]string{"virtual": "claude-sonnet-4"}
	req := userRequest()
	req.VirtualModel = "virtual"
	req.Tools = []protocol.Tool{{Name: "f"}}
	ctx := &Context{Request: req, Worker: w}

	applied, err := NewSelector().Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"validate_roles", "map_model_name", "add_max_tokens", "convert_tool_schema", "set_default_tool_choice"}
	if len(applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Errorf("applied[%d] = %s, want %s", i, applied[i], want[i])
		}
	}
}

func TestCustomRule(t *testing.T) {
	ran := false
	s := NewSelector().WithRule(Rule{
		Name:      "custom",
		Priority:  200,
		Enabled:   true,
		Condition: func(*Context) bool { return true },
		Apply: func(*Context) error {
			ran = true
			return nil
		},
	})

	applied, err := s.Run(&Context{Request: userRequest(), Worker: openaiWorker()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran || applied[0] != "custom" {
		t.Errorf("custom rule not first: %v", applied)
	}
}
