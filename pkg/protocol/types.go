// Package protocol defines the canonical request/response model the gateway
// pipeline operates on. Exactly one canonical shape circulates between the
// route and transform stages; the wire families (openai, anthropic) exist
// only at the adapter boundary.
package protocol

import (
	"encoding/json"
	"time"
)

// Role is the closed set of message roles the canonical model understands.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the canonical roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// FinishReason is the closed set of terminal signals a choice can carry.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// ContentPartType identifies a typed content part inside a message.
type ContentPartType string

const (
	PartText       ContentPartType = "text"
	PartImage      ContentPartType = "image"
	PartToolUse    ContentPartType = "tool_use"
	PartToolResult ContentPartType = "tool_result"
)

// ImageSource carries an image either by URL or as base64 data.
type ImageSource struct {
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToolUse is an assistant-side tool invocation stored structurally.
// The transformers serialize Input to a JSON string at the wire boundary.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult carries the output of a tool execution back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

// ContentPart is one typed element of a multi-part message content.
type ContentPart struct {
	Type       ContentPartType `json:"type"`
	Text       string          `json:"text,omitempty"`
	Image      *ImageSource    `json:"image,omitempty"`
	ToolUse    *ToolUse        `json:"tool_use,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// Message is one turn of the conversation. Content holds plain text when
// Parts is empty; otherwise Parts is authoritative.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// FunctionCall carries the name and JSON-encoded arguments of a tool call.
// Arguments is always a complete JSON string at rest; partial fragments are
// an adapter-internal concern.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is an assistant-requested tool invocation in canonical form.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Tool declares a callable function the model may invoke.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolChoiceMode is the closed set of tool selection policies.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice selects how the model may use tools. Name is set only when
// Mode is ToolChoiceFunction.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// StopSequences holds the stop strings for a request. Both wire forms are
// accepted on decode, a bare string and an array; it always marshals as an
// array.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopSequences{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Sampling bundles the generation parameters that pass through to the wire.
// Nil pointers mean "not set"; the preprocessor may fill provider defaults.
type Sampling struct {
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        StopSequences `json:"stop,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// RequestMetadata is the small typed bag attached to every request, plus a
// bounded opaque annotations map.
type RequestMetadata struct {
	ReceivedAt  time.Time         `json:"received_at,omitempty"`
	Source      string            `json:"source,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// MaxAnnotations bounds the annotations map; extra keys are dropped at intake.
const MaxAnnotations = 32

// Request is the canonical request shape.
type Request struct {
	ID           string          `json:"id"`
	VirtualModel string          `json:"model"`
	Messages     []Message       `json:"messages"`
	Tools        []Tool          `json:"tools,omitempty"`
	ToolChoice   *ToolChoice     `json:"tool_choice,omitempty"`
	Sampling     Sampling        `json:"sampling"`
	Stream       bool            `json:"stream,omitempty"`
	Metadata     RequestMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy for preprocessing mutation: messages,
// tools and sampling pointers are copied so rules never alias the intake
// request.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	out.Tools = make([]Tool, len(r.Tools))
	copy(out.Tools, r.Tools)
	if r.ToolChoice != nil {
		tc := *r.ToolChoice
		out.ToolChoice = &tc
	}
	if r.Sampling.Temperature != nil {
		v := *r.Sampling.Temperature
		out.Sampling.Temperature = &v
	}
	if r.Sampling.TopP != nil {
		v := *r.Sampling.TopP
		out.Sampling.TopP = &v
	}
	if r.Sampling.MaxTokens != nil {
		v := *r.Sampling.MaxTokens
		out.Sampling.MaxTokens = &v
	}
	out.Sampling.Stop = append(StopSequences(nil), r.Sampling.Stop...)
	return &out
}

// HasTools reports whether the request declares any tools.
func (r *Request) HasTools() bool { return len(r.Tools) > 0 }

// Validate enforces the structural requirements of the canonical shape.
func (r *Request) Validate() error {
	if r.ID == "" {
		return NewError(KindBadRequest, "request id is required")
	}
	if len(r.Messages) == 0 {
		return NewError(KindBadRequest, "messages cannot be empty")
	}
	seen := make(map[string]struct{}, len(r.Tools))
	for _, t := range r.Tools {
		if t.Name == "" {
			return NewError(KindBadRequest, "tool name cannot be empty")
		}
		if _, dup := seen[t.Name]; dup {
			return NewErrorf(KindBadRequest, "duplicate tool name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	if tc := r.ToolChoice; tc != nil {
		switch tc.Mode {
		case ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired:
		case ToolChoiceFunction:
			if tc.Name == "" {
				return NewError(KindBadRequest, "tool_choice function requires a name")
			}
		default:
			return NewErrorf(KindBadRequest, "unknown tool_choice mode %q", tc.Mode)
		}
	}
	return nil
}

// AssistantMessage is the message part of a response choice.
type AssistantMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Choice is one response alternative.
type Choice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason FinishReason     `json:"finish_reason"`
}

// Usage reports token consumption as served by the upstream.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StageTiming records how long one pipeline stage ran.
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// ResponseMetadata is stamped by the pipeline after post-processing.
type ResponseMetadata struct {
	ProviderServed  string        `json:"provider_served,omitempty"`
	ProcessingSteps []string      `json:"processing_steps,omitempty"`
	Timings         []StageTiming `json:"timings,omitempty"`
	RetryCount      int           `json:"retry_count,omitempty"`
}

// Response is the canonical response shape.
type Response struct {
	ID       string           `json:"id"`
	Model    string           `json:"model"`
	Created  int64            `json:"created"`
	Choices  []Choice         `json:"choices"`
	Usage    Usage            `json:"usage"`
	Metadata ResponseMetadata `json:"metadata,omitempty"`
}
