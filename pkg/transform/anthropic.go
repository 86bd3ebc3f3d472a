package transform

import (
	"encoding/json"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
)

// Anthropic wire shapes, per the public messages contract.

type anthRequest struct {
	Model         string          `json:"model"`
	System        string          `json:"system,omitempty"`
	Messages      []anthMessage   `json:"messages"`
	Tools         []anthTool      `json:"tools,omitempty"`
	ToolChoice    *anthToolChoice `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type anthMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthContent struct {
	Type string `json:"type"`

	// type=text
	Text string `json:"text,omitempty"`

	// type=image
	Source *anthImageSource `json:"source,omitempty"`

	// type=tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// type=tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthResponse struct {
	ID         string        `json:"id"`
	Model      string        `json:"model"`
	Role       string        `json:"role"`
	Content    []anthContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      anthUsage     `json:"usage"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Anthropic is the canonical ↔ Anthropic-wire transformer.
type Anthropic struct{}

func NewAnthropic() *Anthropic { return &Anthropic{} }

func (t *Anthropic) Family() config.WireFamily { return config.WireAnthropic }

// EncodeRequest maps a canonical request to the Anthropic messages wire.
// System messages are lifted out of the message list; tool results become
// user-role tool_result items; tool_choice "none" strips tools entirely
// since the wire has no equivalent.
func (t *Anthropic) EncodeRequest(req *protocol.Request, opts EncodeOptions) ([]byte, error) {
	wire := anthRequest{
		Model:         opts.TargetModel,
		Temperature:   req.Sampling.Temperature,
		TopP:          req.Sampling.TopP,
		StopSequences: req.Sampling.Stop,
		Stream:        opts.Stream,
	}

	if req.Sampling.MaxTokens != nil {
		wire.MaxTokens = *req.Sampling.MaxTokens
	} else {
		wire.MaxTokens = opts.DefaultMaxTokens
	}

	for i := range req.Messages {
		m := &req.Messages[i]
		if m.Role == protocol.RoleSystem {
			if wire.System != "" {
				wire.System += "\n"
			}
			wire.System += m.Text()
			continue
		}

		msg, err := encodeAnthropicMessage(m, opts.Capabilities)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, msg)
	}

	toolsStripped := req.ToolChoice != nil && req.ToolChoice.Mode == protocol.ToolChoiceNone
	if !toolsStripped {
		for _, tool := range req.Tools {
			schema := tool.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			wire.Tools = append(wire.Tools, anthTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		if tc := req.ToolChoice; tc != nil {
			switch tc.Mode {
			case protocol.ToolChoiceAuto:
				wire.ToolChoice = &anthToolChoice{Type: "auto"}
			case protocol.ToolChoiceRequired:
				wire.ToolChoice = &anthToolChoice{Type: "any"}
			case protocol.ToolChoiceFunction:
				wire.ToolChoice = &anthToolChoice{Type: "tool", Name: tc.Name}
			}
		}
	}

	return json.Marshal(wire)
}

func encodeAnthropicMessage(m *protocol.Message, caps config.CapabilitiesConfig) (anthMessage, error) {
	role := string(m.Role)
	var items []anthContent

	// A canonical tool-role message becomes a user-role tool_result item.
	if m.Role == protocol.RoleTool {
		role = string(protocol.RoleUser)
		items = append(items, anthContent{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   m.Text(),
		})
	} else if len(m.Parts) == 0 {
		if m.Content != "" || len(m.ToolCalls) == 0 {
			items = append(items, anthContent{Type: "text", Text: m.Content})
		}
	} else {
		for _, p := range m.Parts {
			switch p.Type {
			case protocol.PartText:
				items = append(items, anthContent{Type: "text", Text: p.Text})
			case protocol.PartImage:
				if !caps.Multimodal {
					return anthMessage{}, protocol.NewError(protocol.KindTransformError,
						"image content targeted at a non-multimodal worker")
				}
				items = append(items, anthContent{Type: "image", Source: encodeAnthropicImage(p.Image)})
			case protocol.PartToolUse:
				items = append(items, anthContent{
					Type:  "tool_use",
					ID:    p.ToolUse.ID,
					Name:  p.ToolUse.Name,
					Input: p.ToolUse.Input,
				})
			case protocol.PartToolResult:
				role = string(protocol.RoleUser)
				items = append(items, anthContent{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.ToolUseID,
					Content:   p.ToolResult.Content,
				})
			default:
				return anthMessage{}, protocol.NewErrorf(protocol.KindTransformError,
					"unknown content part type %q", p.Type)
			}
		}
	}

	// Assistant tool calls arrive with JSON-string arguments; the wire wants
	// structured input objects.
	for _, tc := range m.ToolCalls {
		input := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				return anthMessage{}, protocol.WrapError(protocol.KindTransformError, err,
					"tool call arguments are not a JSON object")
			}
		}
		items = append(items, anthContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return anthMessage{}, protocol.WrapError(protocol.KindTransformError, err, "encoding message content")
	}
	return anthMessage{Role: role, Content: raw}, nil
}

func encodeAnthropicImage(src *protocol.ImageSource) *anthImageSource {
	if src == nil {
		return nil
	}
	if src.URL != "" {
		return &anthImageSource{Type: "url", URL: src.URL}
	}
	return &anthImageSource{Type: "base64", MediaType: src.MediaType, Data: src.Data}
}

// DecodeRequest maps an Anthropic messages body to canonical form. The
// request id is left empty for the intake layer to assign.
func (t *Anthropic) DecodeRequest(data []byte) (*protocol.Request, error) {
	var wire anthRequest
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, protocol.WrapError(protocol.KindBadRequest, err, "parsing request body")
	}

	req := &protocol.Request{
		VirtualModel: wire.Model,
		Stream:       wire.Stream,
		Sampling: protocol.Sampling{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
			Stop:        wire.StopSequences,
		},
	}
	if wire.MaxTokens > 0 {
		mt := wire.MaxTokens
		req.Sampling.MaxTokens = &mt
	}

	if wire.System != "" {
		req.Messages = append(req.Messages, protocol.Message{
			Role:    protocol.RoleSystem,
			Content: wire.System,
		})
	}

	for i := range wire.Messages {
		msg, err := decodeAnthropicMessage(&wire.Messages[i])
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, tool := range wire.Tools {
		req.Tools = append(req.Tools, protocol.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}

	if tc := wire.ToolChoice; tc != nil {
		switch tc.Type {
		case "auto":
			req.ToolChoice = &protocol.ToolChoice{Mode: protocol.ToolChoiceAuto}
		case "any":
			req.ToolChoice = &protocol.ToolChoice{Mode: protocol.ToolChoiceRequired}
		case "tool":
			req.ToolChoice = &protocol.ToolChoice{Mode: protocol.ToolChoiceFunction, Name: tc.Name}
		default:
			return nil, protocol.NewErrorf(protocol.KindBadRequest, "unknown tool_choice type %q", tc.Type)
		}
	}

	return req, nil
}

func decodeAnthropicMessage(m *anthMessage) (protocol.Message, error) {
	out := protocol.Message{Role: protocol.Role(m.Role)}

	// Content is either a bare string or an item array.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		out.Content = text
		return out, nil
	}

	var items []anthContent
	if err := json.Unmarshal(m.Content, &items); err != nil {
		return protocol.Message{}, protocol.WrapError(protocol.KindBadRequest, err, "parsing message content")
	}

	for _, item := range items {
		switch item.Type {
		case "text":
			out.Parts = append(out.Parts, protocol.TextPart(item.Text))
		case "image":
			if item.Source == nil {
				return protocol.Message{}, protocol.NewError(protocol.KindBadRequest, "image item without source")
			}
			out.Parts = append(out.Parts, protocol.ContentPart{
				Type: protocol.PartImage,
				Image: &protocol.ImageSource{
					URL:       item.Source.URL,
					MediaType: item.Source.MediaType,
					Data:      item.Source.Data,
				},
			})
		case "tool_use":
			out.Parts = append(out.Parts, protocol.ContentPart{
				Type: protocol.PartToolUse,
				ToolUse: &protocol.ToolUse{
					ID:    item.ID,
					Name:  item.Name,
					Input: item.Input,
				},
			})
		case "tool_result":
			out.Parts = append(out.Parts, protocol.ContentPart{
				Type: protocol.PartToolResult,
				ToolResult: &protocol.ToolResult{
					ToolUseID: item.ToolUseID,
					Content:   item.Content,
				},
			})
		default:
			return protocol.Message{}, protocol.NewErrorf(protocol.KindBadRequest,
				"unknown content item type %q", item.Type)
		}
	}
	return out, nil
}

// DecodeResponse maps an Anthropic messages response to canonical form.
// tool_use items become canonical tool calls with JSON-string arguments.
func (t *Anthropic) DecodeResponse(data []byte) (*protocol.Response, error) {
	var wire anthResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, protocol.WrapError(protocol.KindTransformError, err, "parsing upstream response")
	}

	msg := protocol.AssistantMessage{Role: protocol.RoleAssistant}
	for _, item := range wire.Content {
		switch item.Type {
		case "text":
			msg.Content += item.Text
		case "tool_use":
			args, err := json.Marshal(item.Input)
			if err != nil {
				return nil, protocol.WrapError(protocol.KindTransformError, err, "encoding tool_use input")
			}
			msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
				ID:   item.ID,
				Type: "function",
				Function: protocol.FunctionCall{
					Name:      item.Name,
					Arguments: string(args),
				},
			})
		}
	}

	return &protocol.Response{
		ID:    wire.ID,
		Model: wire.Model,
		Choices: []protocol.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: anthropicFinishReason(wire.StopReason),
		}},
		Usage: protocol.Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}, nil
}

// EncodeResponse maps a canonical response back to the Anthropic wire. Only
// the first choice is representable; the wire has no multi-choice concept.
func (t *Anthropic) EncodeResponse(resp *protocol.Response) ([]byte, error) {
	wire := anthResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Role:  string(protocol.RoleAssistant),
		Usage: anthUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			wire.Content = append(wire.Content, anthContent{Type: "text", Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			input := make(map[string]any)
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
					return nil, protocol.WrapError(protocol.KindTransformError, err,
						"tool call arguments are not a JSON object")
				}
			}
			wire.Content = append(wire.Content, anthContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		wire.StopReason = anthropicStopReason(choice.FinishReason)
	}

	return json.Marshal(wire)
}

// anthropicFinishReason maps wire stop reasons into the canonical closed set.
func anthropicFinishReason(reason string) protocol.FinishReason {
	switch reason {
	case "max_tokens":
		return protocol.FinishLength
	case "tool_use":
		return protocol.FinishToolCalls
	default: // end_turn, stop_sequence
		return protocol.FinishStop
	}
}

// anthropicStopReason is the reverse mapping; content_filter has no wire
// equivalent and degrades to end_turn.
func anthropicStopReason(reason protocol.FinishReason) string {
	switch reason {
	case protocol.FinishLength:
		return "max_tokens"
	case protocol.FinishToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}
