package transform

import (
	"encoding/json"
	"fmt"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
)

// OpenAI wire shapes, per the public chat/completions contract.

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Tools       []oaTool    `json:"tools,omitempty"`
	ToolChoice  any         `json:"tool_choice,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`

	// Stop accepts both the bare-string and array wire forms.
	Stop      protocol.StopSequences `json:"stop,omitempty"`
	MaxTokens *int                   `json:"max_tokens,omitempty"`
	Stream    bool                   `json:"stream,omitempty"`
}

type oaMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []oaToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaTool struct {
	Type     string       `json:"type"`
	Function oaToolSchema `json:"function"`
}

type oaToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaNamedChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type oaResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Created int64      `json:"created"`
	Choices []oaChoice `json:"choices"`
	Usage   oaUsage    `json:"usage"`
}

type oaChoice struct {
	Index        int               `json:"index"`
	Message      oaResponseMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type oaResponseMessage struct {
	Role      string       `json:"role"`
	Content   string       `json:"content"`
	ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
}

type oaUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAI is the canonical ↔ OpenAI-wire transformer.
type OpenAI struct{}

func NewOpenAI() *OpenAI { return &OpenAI{} }

func (t *OpenAI) Family() config.WireFamily { return config.WireOpenAI }

// EncodeRequest maps a canonical request to the OpenAI chat/completions wire.
func (t *OpenAI) EncodeRequest(req *protocol.Request, opts EncodeOptions) ([]byte, error) {
	wire := oaRequest{
		Model:       opts.TargetModel,
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		Stop:        req.Sampling.Stop,
		MaxTokens:   req.Sampling.MaxTokens,
		Stream:      opts.Stream,
	}

	for i := range req.Messages {
		msg, err := encodeOpenAIMessage(&req.Messages[i], opts.Capabilities)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, msg)
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, oaTool{
			Type: "function",
			Function: oaToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Mode {
		case protocol.ToolChoiceAuto, protocol.ToolChoiceNone, protocol.ToolChoiceRequired:
			wire.ToolChoice = string(tc.Mode)
		case protocol.ToolChoiceFunction:
			named := oaNamedChoice{Type: "function"}
			named.Function.Name = tc.Name
			wire.ToolChoice = named
		}
	}

	return json.Marshal(wire)
}

func encodeOpenAIMessage(m *protocol.Message, caps config.CapabilitiesConfig) (oaMessage, error) {
	out := oaMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}

	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, oaToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: oaFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	if len(m.Parts) == 0 {
		if m.Content != "" || len(out.ToolCalls) == 0 {
			raw, err := json.Marshal(m.Content)
			if err != nil {
				return oaMessage{}, protocol.WrapError(protocol.KindTransformError, err, "encoding message content")
			}
			out.Content = raw
		}
		return out, nil
	}

	var parts []oaContentPart
	for _, p := range m.Parts {
		switch p.Type {
		case protocol.PartText:
			parts = append(parts, oaContentPart{Type: "text", Text: p.Text})
		case protocol.PartImage:
			if !caps.Multimodal {
				return oaMessage{}, protocol.NewError(protocol.KindTransformError,
					"image content targeted at a non-multimodal worker")
			}
			parts = append(parts, oaContentPart{Type: "image_url", ImageURL: &oaImageURL{URL: imageURL(p.Image)}})
		case protocol.PartToolUse:
			args, err := json.Marshal(p.ToolUse.Input)
			if err != nil {
				return oaMessage{}, protocol.WrapError(protocol.KindTransformError, err, "encoding tool_use input")
			}
			out.ToolCalls = append(out.ToolCalls, oaToolCall{
				ID:       p.ToolUse.ID,
				Type:     "function",
				Function: oaFunction{Name: p.ToolUse.Name, Arguments: string(args)},
			})
		case protocol.PartToolResult:
			// A tool result travels as its own role=tool message on this wire.
			out.Role = string(protocol.RoleTool)
			out.ToolCallID = p.ToolResult.ToolUseID
			raw, err := json.Marshal(p.ToolResult.Content)
			if err != nil {
				return oaMessage{}, protocol.WrapError(protocol.KindTransformError, err, "encoding tool result")
			}
			out.Content = raw
		default:
			return oaMessage{}, protocol.NewErrorf(protocol.KindTransformError,
				"unknown content part type %q", p.Type)
		}
	}
	if len(parts) > 0 {
		raw, err := json.Marshal(parts)
		if err != nil {
			return oaMessage{}, protocol.WrapError(protocol.KindTransformError, err, "encoding content parts")
		}
		out.Content = raw
	}
	return out, nil
}

// imageURL renders an image source as a URL, inlining base64 data.
func imageURL(src *protocol.ImageSource) string {
	if src == nil {
		return ""
	}
	if src.URL != "" {
		return src.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)
}

// DecodeRequest maps an OpenAI chat/completions body to canonical form. The
// request id is left empty for the intake layer to assign.
func (t *OpenAI) DecodeRequest(data []byte) (*protocol.Request, error) {
	var wire oaRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, protocol.WrapError(protocol.KindBadRequest, err, "parsing request body")
	}

	req := &protocol.Request{
		VirtualModel: wire.Model,
		Stream:       wire.Stream,
		Sampling: protocol.Sampling{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			Stop:        wire.Stop,
			MaxTokens:   wire.MaxTokens,
		},
	}

	for i := range wire.Messages {
		msg, err := decodeOpenAIMessage(&wire.Messages[i])
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, protocol.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	tc, err := decodeOpenAIToolChoice(data)
	if err != nil {
		return nil, err
	}
	req.ToolChoice = tc

	return req, nil
}

func decodeOpenAIMessage(m *oaMessage) (protocol.Message, error) {
	out := protocol.Message{
		Role:       protocol.Role(m.Role),
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: protocol.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	if len(m.Content) == 0 {
		return out, nil
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		out.Content = text
		return out, nil
	}

	var parts []oaContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return protocol.Message{}, protocol.WrapError(protocol.KindBadRequest, err, "parsing message content")
	}
	for _, p := range parts {
		switch p.Type {
		case "text":
			out.Parts = append(out.Parts, protocol.TextPart(p.Text))
		case "image_url":
			if p.ImageURL == nil {
				return protocol.Message{}, protocol.NewError(protocol.KindBadRequest, "image_url part without url")
			}
			out.Parts = append(out.Parts, protocol.ContentPart{
				Type:  protocol.PartImage,
				Image: &protocol.ImageSource{URL: p.ImageURL.URL},
			})
		default:
			return protocol.Message{}, protocol.NewErrorf(protocol.KindBadRequest,
				"unknown content part type %q", p.Type)
		}
	}
	return out, nil
}

// decodeOpenAIToolChoice handles the string-or-object polymorphism.
func decodeOpenAIToolChoice(body []byte) (*protocol.ToolChoice, error) {
	var probe struct {
		ToolChoice json.RawMessage `json:"tool_choice"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || len(probe.ToolChoice) == 0 {
		return nil, nil
	}

	var mode string
	if err := json.Unmarshal(probe.ToolChoice, &mode); err == nil {
		switch mode {
		case "auto", "none", "required":
			return &protocol.ToolChoice{Mode: protocol.ToolChoiceMode(mode)}, nil
		default:
			return nil, protocol.NewErrorf(protocol.KindBadRequest, "unknown tool_choice %q", mode)
		}
	}

	var named oaNamedChoice
	if err := json.Unmarshal(probe.ToolChoice, &named); err != nil {
		return nil, protocol.WrapError(protocol.KindBadRequest, err, "parsing tool_choice")
	}
	if named.Function.Name == "" {
		return nil, protocol.NewError(protocol.KindBadRequest, "tool_choice function requires a name")
	}
	return &protocol.ToolChoice{Mode: protocol.ToolChoiceFunction, Name: named.Function.Name}, nil
}

// DecodeResponse maps an OpenAI chat/completions response to canonical form.
func (t *OpenAI) DecodeResponse(data []byte) (*protocol.Response, error) {
	var wire oaResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, protocol.WrapError(protocol.KindTransformError, err, "parsing upstream response")
	}

	resp := &protocol.Response{
		ID:      wire.ID,
		Model:   wire.Model,
		Created: wire.Created,
		Usage: protocol.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}

	for _, c := range wire.Choices {
		choice := protocol.Choice{
			Index:        c.Index,
			FinishReason: openAIFinishReason(c.FinishReason),
			Message: protocol.AssistantMessage{
				Role:    protocol.RoleAssistant,
				Content: c.Message.Content,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, protocol.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: protocol.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		resp.Choices = append(resp.Choices, choice)
	}
	return resp, nil
}

// EncodeResponse maps a canonical response back to the OpenAI wire, for the
// compatible inbound surface.
func (t *OpenAI) EncodeResponse(resp *protocol.Response) ([]byte, error) {
	wire := oaResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Created: resp.Created,
		Usage: oaUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		choice := oaChoice{
			Index:        c.Index,
			FinishReason: string(c.FinishReason),
			Message: oaResponseMessage{
				Role:    string(c.Message.Role),
				Content: c.Message.Content,
			},
		}
		for _, tc := range c.Message.ToolCalls {
			choice.Message.ToolCalls = append(choice.Message.ToolCalls, oaToolCall{
				ID:       tc.ID,
				Type:     tc.Type,
				Function: oaFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		wire.Choices = append(wire.Choices, choice)
	}
	return json.Marshal(wire)
}

// openAIFinishReason maps wire finish reasons into the canonical closed set.
func openAIFinishReason(reason string) protocol.FinishReason {
	switch reason {
	case "length":
		return protocol.FinishLength
	case "tool_calls", "function_call":
		return protocol.FinishToolCalls
	case "content_filter":
		return protocol.FinishContentFilter
	default:
		return protocol.FinishStop
	}
}
