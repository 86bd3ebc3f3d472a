package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/httpclient"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/workers"
)

// AnthropicAdapter speaks the messages wire, including its content-block
// streaming format with partial_json tool input fragments.
type AnthropicAdapter struct {
	worker    *workers.Worker
	transport *httpclient.Client
}

func newAnthropicAdapter(w *workers.Worker) *AnthropicAdapter {
	return &AnthropicAdapter{
		worker:    w,
		transport: newTransport(w, httpclient.ParseAnthropicHeaders),
	}
}

func (a *AnthropicAdapter) WorkerID() string { return a.worker.ID }

func (a *AnthropicAdapter) Capabilities() config.CapabilitiesConfig { return a.worker.Capabilities }

func (a *AnthropicAdapter) Close() error { return nil }

func (a *AnthropicAdapter) url() string {
	return a.worker.Endpoint + "/v1/messages"
}

func (a *AnthropicAdapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", a.worker.APIVersion)
	applyCredentials(req, a.worker)
	return req, nil
}

// Call performs a non-streaming completion and returns the raw wire body.
func (a *AnthropicAdapter) Call(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, err, "building upstream request")
	}

	resp, doErr := a.transport.Do(httpReq)
	if gerr := classifyOutcome(resp, doErr, a.worker.ID); gerr != nil {
		if resp != nil {
			drainBody(resp.Body)
		}
		return nil, gerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindUpstreamError, err, "reading upstream response").WithWorker(a.worker.ID)
	}
	return data, nil
}

// anthStreamEvent is one SSE data event on the messages stream.
type anthStreamEvent struct {
	Type string `json:"type"`

	Index        int              `json:"index"`
	ContentBlock *anthStreamBlock `json:"content_block"`
	Delta        *anthStreamDelta `json:"delta"`
	Usage        *anthStreamUsage `json:"usage"`
	Error        *anthStreamError `json:"error"`
}

type anthStreamBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type anthStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type anthStreamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthStreamError struct {
	Message string `json:"message"`
}

// pendingToolUse accumulates partial_json fragments for one tool_use block.
type pendingToolUse struct {
	id   string
	name string
	args bytes.Buffer
}

// Stream performs a streaming completion. partial_json fragments are
// buffered per content block and emitted as one whole tool call at
// content_block_stop.
func (a *AnthropicAdapter) Stream(ctx context.Context, body []byte) (<-chan StreamChunk, error) {
	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, err, "building upstream request")
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, doErr := a.transport.Do(httpReq)
	if gerr := classifyOutcome(resp, doErr, a.worker.ID); gerr != nil {
		if resp != nil {
			drainBody(resp.Body)
		}
		return nil, gerr
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		a.readStream(ctx, resp.Body, out)
	}()
	return out, nil
}

// readStream parses the SSE body into chunks. Every send honors ctx so an
// abandoned consumer cannot strand this goroutine on a full channel.
func (a *AnthropicAdapter) readStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	emit := func(c StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- c:
			return true
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pending := make(map[int]*pendingToolUse)
	usage := protocol.Usage{}
	finish := protocol.FinishReason("")
	stopped := false

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var event anthStreamEvent
		if err := json.Unmarshal(line[6:], &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			msg := "upstream stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			emit(StreamChunk{Type: ChunkError, Err: protocol.NewErrorf(
				protocol.KindUpstreamError, "upstream stream error: %s", msg).WithWorker(a.worker.ID)})
			return

		case "message_start":
			if event.Usage != nil {
				usage.PromptTokens = event.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				pending[event.Index] = &pendingToolUse{
					id:   event.ContentBlock.ID,
					name: event.ContentBlock.Name,
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if !emit(StreamChunk{Type: ChunkText, Text: event.Delta.Text}) {
					return
				}
			case "input_json_delta":
				if p, ok := pending[event.Index]; ok {
					p.args.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if p, ok := pending[event.Index]; ok {
				args := p.args.String()
				if args == "" {
					args = "{}"
				}
				if !emit(StreamChunk{Type: ChunkToolCall, ToolCall: &protocol.ToolCall{
					ID:       p.id,
					Type:     "function",
					Function: protocol.FunctionCall{Name: p.name, Arguments: args},
				}}) {
					return
				}
				delete(pending, event.Index)
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				finish = anthropicStreamFinish(event.Delta.StopReason)
			}
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			stopped = true
		}

		if stopped {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		emit(StreamChunk{Type: ChunkError, Err: protocol.WrapError(
			protocol.KindPartialResponse, err, "stream broken mid-response").WithWorker(a.worker.ID)})
		return
	}
	if !stopped {
		emit(StreamChunk{Type: ChunkError, Err: protocol.NewError(
			protocol.KindPartialResponse, "stream ended before message_stop").WithWorker(a.worker.ID)})
		return
	}

	if finish == "" {
		finish = protocol.FinishStop
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	emit(StreamChunk{Type: ChunkDone, FinishReason: finish, Usage: &usage})
}

func anthropicStreamFinish(reason string) protocol.FinishReason {
	switch reason {
	case "max_tokens":
		return protocol.FinishLength
	case "tool_use":
		return protocol.FinishToolCalls
	default:
		return protocol.FinishStop
	}
}

var _ Adapter = (*AnthropicAdapter)(nil)
