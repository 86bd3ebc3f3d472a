// Package streaming bridges the adapter chunk streams and complete canonical
// responses: assembling a stream into a response for force_non_streaming, and
// simulating a stream from a response when the upstream was called without
// streaming.
package streaming

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/modelrelay/relay/pkg/adapters"
	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
)

// Assemble consumes an adapter stream fully and builds a canonical response.
// On a mid-stream error the partial response assembled so far is returned
// together with the error so callers can surface it in debug metadata.
func Assemble(ctx context.Context, chunks <-chan adapters.StreamChunk) (*protocol.Response, error) {
	resp := &protocol.Response{
		Created: time.Now().Unix(),
		Choices: []protocol.Choice{{
			Message: protocol.AssistantMessage{Role: protocol.RoleAssistant},
		}},
	}
	choice := &resp.Choices[0]

	for {
		select {
		case <-ctx.Done():
			return resp, protocol.WrapError(protocol.KindTimeout, ctx.Err(), "assembling upstream stream")
		case chunk, ok := <-chunks:
			if !ok {
				if choice.FinishReason == "" {
					return resp, protocol.NewError(protocol.KindPartialResponse,
						"stream closed without a terminal chunk")
				}
				return resp, nil
			}

			switch chunk.Type {
			case adapters.ChunkText:
				choice.Message.Content += chunk.Text
			case adapters.ChunkToolCall:
				if chunk.ToolCall != nil {
					choice.Message.ToolCalls = append(choice.Message.ToolCalls, *chunk.ToolCall)
				}
			case adapters.ChunkDone:
				choice.FinishReason = chunk.FinishReason
				if chunk.Usage != nil {
					resp.Usage = *chunk.Usage
				}
			case adapters.ChunkError:
				return resp, chunk.Err
			}
		}
	}
}

// Simulate turns a complete canonical response into a chunk stream: text is
// sliced into chunks of roughly cfg.ChunkSize bytes, never splitting a UTF-8
// code point, with cfg.ChunkDelayMs between chunks. Tool calls are emitted
// whole, one chunk each.
func Simulate(ctx context.Context, resp *protocol.Response, cfg config.StreamingConfig) <-chan adapters.StreamChunk {
	out := make(chan adapters.StreamChunk, 16)

	go func() {
		defer close(out)

		delay := time.Duration(cfg.ChunkDelayMs) * time.Millisecond
		size := cfg.ChunkSize
		if size <= 0 {
			size = 64
		}

		emit := func(chunk adapters.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- chunk:
				return true
			}
		}

		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]

			for _, slice := range splitUTF8(choice.Message.Content, size) {
				if !emit(adapters.StreamChunk{Type: adapters.ChunkText, Text: slice}) {
					return
				}
				if delay > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
				}
			}

			for i := range choice.Message.ToolCalls {
				tc := choice.Message.ToolCalls[i]
				if !emit(adapters.StreamChunk{Type: adapters.ChunkToolCall, ToolCall: &tc}) {
					return
				}
			}

			finish := choice.FinishReason
			if finish == "" {
				finish = protocol.FinishStop
			}
			usage := resp.Usage
			emit(adapters.StreamChunk{Type: adapters.ChunkDone, FinishReason: finish, Usage: &usage})
			return
		}

		usage := resp.Usage
		emit(adapters.StreamChunk{Type: adapters.ChunkDone, FinishReason: protocol.FinishStop, Usage: &usage})
	}()

	return out
}

// splitUTF8 slices s into chunks of at most size bytes, extending past the
// limit only as far as needed to finish a code point.
func splitUTF8(s string, size int) []string {
	if s == "" {
		return nil
	}

	var chunks []string
	for len(s) > 0 {
		if len(s) <= size {
			chunks = append(chunks, s)
			break
		}
		end := size
		// Back off to the start of the rune straddling the boundary.
		for end > 0 && !utf8.RuneStart(s[end]) {
			end--
		}
		if end == 0 {
			// A single rune longer than the chunk size; take it whole.
			_, n := utf8.DecodeRuneInString(s)
			end = n
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
