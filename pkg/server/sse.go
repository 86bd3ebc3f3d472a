package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelrelay/relay/pkg/adapters"
	"github.com/modelrelay/relay/pkg/protocol"
)

func sseHeaders(w http.ResponseWriter) http.Flusher {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return flusher
}

func sseWrite(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}

// canonicalEvent is one SSE event on the canonical messages surface.
type canonicalEvent struct {
	Type         string                `json:"type"`
	Text         string                `json:"text,omitempty"`
	ToolCall     *protocol.ToolCall    `json:"tool_call,omitempty"`
	FinishReason protocol.FinishReason `json:"finish_reason,omitempty"`
	Usage        *protocol.Usage       `json:"usage,omitempty"`
	Error        *errorBody            `json:"error,omitempty"`
}

// writeCanonicalSSE re-emits adapter chunks as canonical SSE events.
func writeCanonicalSSE(w http.ResponseWriter, chunks <-chan adapters.StreamChunk) {
	flusher := sseHeaders(w)

	for chunk := range chunks {
		switch chunk.Type {
		case adapters.ChunkText:
			sseWrite(w, flusher, canonicalEvent{Type: "text", Text: chunk.Text})
		case adapters.ChunkToolCall:
			sseWrite(w, flusher, canonicalEvent{Type: "tool_call", ToolCall: chunk.ToolCall})
		case adapters.ChunkDone:
			sseWrite(w, flusher, canonicalEvent{
				Type:         "done",
				FinishReason: chunk.FinishReason,
				Usage:        chunk.Usage,
			})
		case adapters.ChunkError:
			gerr := protocol.AsGatewayError(chunk.Err)
			sseWrite(w, flusher, canonicalEvent{Type: "error", Error: &errorBody{
				ErrorCode: string(gerr.Kind),
				Message:   gerr.Message,
			}})
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// OpenAI-style stream chunk shapes.

type oaChunkDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []oaChunkToolCall `json:"tool_calls,omitempty"`
}

type oaChunkToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaChunkChoice struct {
	Index        int          `json:"index"`
	Delta        oaChunkDelta `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type oaChunk struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Model   string          `json:"model"`
	Choices []oaChunkChoice `json:"choices"`
}

// writeOpenAISSE re-emits adapter chunks in the chat.completion.chunk shape.
// Tool calls are emitted as one coherent delta each, never as partial JSON.
func writeOpenAISSE(w http.ResponseWriter, id, model string, chunks <-chan adapters.StreamChunk) {
	flusher := sseHeaders(w)
	toolIndex := 0

	chunkOf := func(choice oaChunkChoice) oaChunk {
		return oaChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Model:   model,
			Choices: []oaChunkChoice{choice},
		}
	}

	for chunk := range chunks {
		switch chunk.Type {
		case adapters.ChunkText:
			sseWrite(w, flusher, chunkOf(oaChunkChoice{
				Delta: oaChunkDelta{Content: chunk.Text},
			}))
		case adapters.ChunkToolCall:
			tc := oaChunkToolCall{
				Index: toolIndex,
				ID:    chunk.ToolCall.ID,
				Type:  chunk.ToolCall.Type,
			}
			tc.Function.Name = chunk.ToolCall.Function.Name
			tc.Function.Arguments = chunk.ToolCall.Function.Arguments
			toolIndex++
			sseWrite(w, flusher, chunkOf(oaChunkChoice{
				Delta: oaChunkDelta{ToolCalls: []oaChunkToolCall{tc}},
			}))
		case adapters.ChunkDone:
			reason := string(chunk.FinishReason)
			sseWrite(w, flusher, chunkOf(oaChunkChoice{FinishReason: &reason}))
		case adapters.ChunkError:
			gerr := protocol.AsGatewayError(chunk.Err)
			sseWrite(w, flusher, map[string]any{
				"error": errorBody{ErrorCode: string(gerr.Kind), Message: gerr.Message},
			})
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
