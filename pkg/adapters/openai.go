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

// OpenAIAdapter speaks the chat/completions wire, including its delta-based
// streaming format.
type OpenAIAdapter struct {
	worker    *workers.Worker
	transport *httpclient.Client
}

func newOpenAIAdapter(w *workers.Worker) *OpenAIAdapter {
	return &OpenAIAdapter{
		worker:    w,
		transport: newTransport(w, httpclient.ParseOpenAIHeaders),
	}
}

func (a *OpenAIAdapter) WorkerID() string { return a.worker.ID }

func (a *OpenAIAdapter) Capabilities() config.CapabilitiesConfig { return a.worker.Capabilities }

func (a *OpenAIAdapter) Close() error { return nil }

func (a *OpenAIAdapter) url() string {
	return a.worker.Endpoint + "/chat/completions"
}

func (a *OpenAIAdapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	applyCredentials(req, a.worker)
	return req, nil
}

// Call performs a non-streaming completion and returns the raw wire body.
func (a *OpenAIAdapter) Call(ctx context.Context, body []byte) ([]byte, error) {
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

// oaStreamResponse is one SSE data event on the chat/completions stream.
type oaStreamResponse struct {
	Choices []oaStreamChoice `json:"choices"`
	Usage   *oaStreamUsage   `json:"usage"`
	Error   *oaStreamError   `json:"error"`
}

type oaStreamChoice struct {
	Delta        oaDelta `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type oaDelta struct {
	Content   string            `json:"content"`
	ToolCalls []oaDeltaToolCall `json:"tool_calls"`
}

type oaDeltaToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaStreamUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaStreamError struct {
	Message string `json:"message"`
}

// Stream performs a streaming completion. Tool-call argument fragments are
// accumulated per index and emitted as whole tool calls once the stream
// signals completion.
func (a *OpenAIAdapter) Stream(ctx context.Context, body []byte) (<-chan StreamChunk, error) {
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
func (a *OpenAIAdapter) readStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) {
	emit := func(c StreamChunk) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- c:
			return true
		}
	}

	reader := bufio.NewReader(body)
	pending := make(map[int]*protocol.ToolCall)
	order := []int{}
	usage := protocol.Usage{}
	finish := protocol.FinishReason("")
	done := false

	flushToolCalls := func() bool {
		for _, idx := range order {
			tc := pending[idx]
			if !emit(StreamChunk{Type: ChunkToolCall, ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*protocol.ToolCall)
		order = order[:0]
		return true
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			emit(StreamChunk{Type: ChunkError, Err: protocol.WrapError(
				protocol.KindPartialResponse, err, "stream broken mid-response").WithWorker(a.worker.ID)})
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			done = true
			break
		}

		var event oaStreamResponse
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.Error != nil {
			emit(StreamChunk{Type: ChunkError, Err: protocol.NewErrorf(
				protocol.KindUpstreamError, "upstream stream error: %s", event.Error.Message).WithWorker(a.worker.ID)})
			return
		}
		if event.Usage != nil {
			usage = protocol.Usage{
				PromptTokens:     event.Usage.PromptTokens,
				CompletionTokens: event.Usage.CompletionTokens,
				TotalTokens:      event.Usage.TotalTokens,
			}
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.Delta.Content != "" {
			if !emit(StreamChunk{Type: ChunkText, Text: choice.Delta.Content}) {
				return
			}
		}

		for _, delta := range choice.Delta.ToolCalls {
			if tc, exists := pending[delta.Index]; exists {
				tc.Function.Arguments += delta.Function.Arguments
				if delta.Function.Name != "" {
					tc.Function.Name += delta.Function.Name
				}
				continue
			}
			pending[delta.Index] = &protocol.ToolCall{
				ID:   delta.ID,
				Type: delta.Type,
				Function: protocol.FunctionCall{
					Name:      delta.Function.Name,
					Arguments: delta.Function.Arguments,
				},
			}
			order = append(order, delta.Index)
		}

		if choice.FinishReason != "" {
			finish = openAIStreamFinish(choice.FinishReason)
			if !flushToolCalls() {
				return
			}
		}
	}

	if !done && finish == "" {
		emit(StreamChunk{Type: ChunkError, Err: protocol.NewError(
			protocol.KindPartialResponse, "stream ended before completion").WithWorker(a.worker.ID)})
		return
	}

	// Trailing tool calls when the finish event arrived before the final
	// argument fragments.
	if !flushToolCalls() {
		return
	}

	if finish == "" {
		finish = protocol.FinishStop
	}
	emit(StreamChunk{Type: ChunkDone, FinishReason: finish, Usage: &usage})
}

func openAIStreamFinish(reason string) protocol.FinishReason {
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

var _ Adapter = (*OpenAIAdapter)(nil)
