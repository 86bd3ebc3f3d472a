package transform

import (
	"encoding/json"
	"testing"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
)

func multimodalOpts() EncodeOptions {
	return EncodeOptions{
		TargetModel:  "gpt-4o",
		Capabilities: config.CapabilitiesConfig{Multimodal: true, ToolCalls: true},
	}
}

func TestOpenAIEncodeRequestBasic(t *testing.T) {
	tr := NewOpenAI()
	temp := 0.7
	req := &protocol.Request{
		ID:           "req-1",
		VirtualModel: "virtual",
		Messages: []protocol.Message{
			{Role: protocol.RoleSystem, Content: "be brief"},
			{Role: protocol.RoleUser, Content: "hello"},
		},
		Sampling: protocol.Sampling{Temperature: &temp},
	}

	data, err := tr.EncodeRequest(req, EncodeOptions{TargetModel: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["model"] != "gpt-4o" {
		t.Errorf("model = %v, want target model", wire["model"])
	}
	if wire["stream"] != true {
		t.Errorf("stream = %v", wire["stream"])
	}
	if wire["temperature"] != 0.7 {
		t.Errorf("temperature = %v", wire["temperature"])
	}
	msgs := wire["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (system stays in place on this wire)", len(msgs))
	}
	if msgs[0].(map[string]any)["role"] != "system" {
		t.Errorf("first role = %v", msgs[0].(map[string]any)["role"])
	}
}

func TestOpenAIEncodeToolChoice(t *testing.T) {
	tr := NewOpenAI()

	tests := []struct {
		name   string
		choice *protocol.ToolChoice
		check  func(t *testing.T, tc any)
	}{
		{"auto", &protocol.ToolChoice{Mode: protocol.ToolChoiceAuto}, func(t *testing.T, tc any) {
			if tc != "auto" {
				t.Errorf("tool_choice = %v", tc)
			}
		}},
		{"none forwards", &protocol.ToolChoice{Mode: protocol.ToolChoiceNone}, func(t *testing.T, tc any) {
			if tc != "none" {
				t.Errorf("tool_choice = %v", tc)
			}
		}},
		{"function", &protocol.ToolChoice{Mode: protocol.ToolChoiceFunction, Name: "get_weather"}, func(t *testing.T, tc any) {
			obj, ok := tc.(map[string]any)
			if !ok {
				t.Fatalf("tool_choice = %v", tc)
			}
			fn := obj["function"].(map[string]any)
			if fn["name"] != "get_weather" {
				t.Errorf("name = %v", fn["name"])
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &protocol.Request{
				ID:           "req-1",
				VirtualModel: "v",
				Messages:     []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}},
				Tools:        []protocol.Tool{{Name: "get_weather"}},
				ToolChoice:   tt.choice,
			}
			data, err := tr.EncodeRequest(req, multimodalOpts())
			if err != nil {
				t.Fatalf("EncodeRequest: %v", err)
			}
			var wire map[string]any
			_ = json.Unmarshal(data, &wire)
			// tool_choice none still carries the tool list on this wire.
			if wire["tools"] == nil {
				t.Error("tools missing")
			}
			tt.check(t, wire["tool_choice"])
		})
	}
}

func TestOpenAIEncodeImageRequiresMultimodal(t *testing.T) {
	tr := NewOpenAI()
	req := &protocol.Request{
		ID:           "req-1",
		VirtualModel: "v",
		Messages: []protocol.Message{{
			Role: protocol.RoleUser,
			Parts: []protocol.ContentPart{
				{Type: protocol.PartImage, Image: &protocol.ImageSource{URL: "https://x/img.png"}},
			},
		}},
	}

	if _, err := tr.EncodeRequest(req, EncodeOptions{TargetModel: "m"}); err == nil {
		t.Fatal("expected transform error for non-multimodal worker")
	} else if protocol.KindOf(err) != protocol.KindTransformError {
		t.Errorf("kind = %s", protocol.KindOf(err))
	}

	if _, err := tr.EncodeRequest(req, multimodalOpts()); err != nil {
		t.Errorf("multimodal encode failed: %v", err)
	}
}

func TestOpenAIEncodeBase64ImageAsDataURI(t *testing.T) {
	tr := NewOpenAI()
	req := &protocol.Request{
		ID:           "req-1",
		VirtualModel: "v",
		Messages: []protocol.Message{{
			Role: protocol.RoleUser,
			Parts: []protocol.ContentPart{
				{Type: protocol.PartImage, Image: &protocol.ImageSource{MediaType: "image/png", Data: "aGk="}},
			},
		}},
	}
	data, err := tr.EncodeRequest(req, multimodalOpts())
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	var wire oaRequest
	_ = json.Unmarshal(data, &wire)
	var parts []oaContentPart
	_ = json.Unmarshal(wire.Messages[0].Content, &parts)
	if parts[0].ImageURL.URL != "data:image/png;base64,aGk=" {
		t.Errorf("url = %s", parts[0].ImageURL.URL)
	}
}

func TestOpenAIDecodeRequestStringAndParts(t *testing.T) {
	tr := NewOpenAI()
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": "plain"},
			{"role": "user", "content": [
				{"type": "text", "text": "part"},
				{"type": "image_url", "image_url": {"url": "https://x/img.png"}}
			]}
		],
		"tool_choice": "auto",
		"tools": [{"type": "function", "function": {"name": "f", "parameters": {"type": "object"}}}]
	}`)

	req, err := tr.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.ID != "" {
		t.Errorf("id should be unset at decode, got %q", req.ID)
	}
	if req.Messages[0].Content != "plain" {
		t.Errorf("content = %q", req.Messages[0].Content)
	}
	if len(req.Messages[1].Parts) != 2 {
		t.Fatalf("parts = %d", len(req.Messages[1].Parts))
	}
	if req.Messages[1].Parts[1].Type != protocol.PartImage {
		t.Errorf("part type = %s", req.Messages[1].Parts[1].Type)
	}
	if req.ToolChoice == nil || req.ToolChoice.Mode != protocol.ToolChoiceAuto {
		t.Errorf("tool_choice = %+v", req.ToolChoice)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "f" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestOpenAIDecodeStopForms(t *testing.T) {
	tr := NewOpenAI()

	req, err := tr.DecodeRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":"END"}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if len(req.Sampling.Stop) != 1 || req.Sampling.Stop[0] != "END" {
		t.Errorf("stop = %v", req.Sampling.Stop)
	}

	req, err = tr.DecodeRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"stop":["a","b"]}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if len(req.Sampling.Stop) != 2 {
		t.Errorf("stop = %v", req.Sampling.Stop)
	}
}

func TestOpenAIDecodeToolChoiceObject(t *testing.T) {
	tr := NewOpenAI()
	body := []byte(`{
		"model": "m",
		"messages": [{"role": "user", "content": "hi"}],
		"tool_choice": {"type": "function", "function": {"name": "f"}}
	}`)

	req, err := tr.DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.ToolChoice.Mode != protocol.ToolChoiceFunction || req.ToolChoice.Name != "f" {
		t.Errorf("tool_choice = %+v", req.ToolChoice)
	}

	if _, err := tr.DecodeRequest([]byte(`{"model":"m","messages":[{"role":"user","content":"x"}],"tool_choice":"sometimes"}`)); err == nil {
		t.Error("unknown tool_choice accepted")
	}
}

func TestOpenAIDecodeResponseFinishReasons(t *testing.T) {
	tests := []struct {
		wire string
		want protocol.FinishReason
	}{
		{"stop", protocol.FinishStop},
		{"length", protocol.FinishLength},
		{"tool_calls", protocol.FinishToolCalls},
		{"function_call", protocol.FinishToolCalls},
		{"content_filter", protocol.FinishContentFilter},
		{"", protocol.FinishStop},
	}
	for _, tt := range tests {
		if got := openAIFinishReason(tt.wire); got != tt.want {
			t.Errorf("openAIFinishReason(%q) = %s, want %s", tt.wire, got, tt.want)
		}
	}
}

func TestOpenAIResponseRoundTrip(t *testing.T) {
	tr := NewOpenAI()
	resp := &protocol.Response{
		ID:      "resp-1",
		Model:   "gpt-4o",
		Created: 1700000000,
		Choices: []protocol.Choice{{
			Message: protocol.AssistantMessage{
				Role:    protocol.RoleAssistant,
				Content: "result",
				ToolCalls: []protocol.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: protocol.FunctionCall{Name: "f", Arguments: `{"x":1}`},
				}},
			},
			FinishReason: protocol.FinishToolCalls,
		}},
		Usage: protocol.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	data, err := tr.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	back, err := tr.DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}

	if back.ID != resp.ID || back.Model != resp.Model || back.Created != resp.Created {
		t.Errorf("identity fields changed: %+v", back)
	}
	if back.Usage != resp.Usage {
		t.Errorf("usage = %+v", back.Usage)
	}
	choice := back.Choices[0]
	if choice.FinishReason != protocol.FinishToolCalls {
		t.Errorf("finish = %s", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Arguments != `{"x":1}` {
		t.Errorf("tool calls = %+v", choice.Message.ToolCalls)
	}
}

func TestRegistryForFamily(t *testing.T) {
	reg := NewDefaultRegistry()

	for _, family := range []config.WireFamily{config.WireOpenAI, config.WireAnthropic} {
		if _, err := reg.ForFamily(family); err != nil {
			t.Errorf("ForFamily(%s): %v", family, err)
		}
	}

	_, err := reg.ForFamily(config.WireGemini)
	if err == nil {
		t.Fatal("unregistered family accepted")
	}
	if protocol.KindOf(err) != protocol.KindTransformError {
		t.Errorf("kind = %s", protocol.KindOf(err))
	}
}
