// Package tokenizer estimates token counts for routing decisions and the
// count_tokens endpoint.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelrelay/relay/pkg/protocol"
)

// Counter counts tokens for a specific model's encoding.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to build; cache them per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model, falling back to
// cl100k_base for models tiktoken does not know.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for a plain text string.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// CountRequest estimates tokens for a canonical request: messages (with role
// overhead), tool-call payloads and tool schemas.
func (c *Counter) CountRequest(req *protocol.Request) int {
	// Per-message framing overhead, per OpenAI's counting guide.
	const tokensPerMessage = 3

	total := 0
	for i := range req.Messages {
		msg := &req.Messages[i]
		total += tokensPerMessage
		total += c.Count(string(msg.Role))
		total += c.Count(msg.Text())
		for _, tc := range msg.ToolCalls {
			total += c.Count(tc.Function.Name)
			total += c.Count(tc.Function.Arguments)
		}
	}

	for _, tool := range req.Tools {
		total += c.Count(tool.Name)
		total += c.Count(tool.Description)
		if tool.Parameters != nil {
			if raw, err := json.Marshal(tool.Parameters); err == nil {
				total += c.Count(string(raw))
			}
		}
	}

	// Reply priming overhead.
	total += 3

	return total
}
