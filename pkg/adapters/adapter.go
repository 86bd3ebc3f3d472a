// Package adapters implements the upstream wire clients. One adapter per
// worker: it owns the endpoint URL, credential headers, retry policy and
// SSE parsing for its wire family.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/httpclient"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/workers"
)

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one unit of a streaming response. Tool calls are always
// emitted whole: the adapter reassembles partial argument fragments before
// producing a ChunkToolCall.
type StreamChunk struct {
	Type         ChunkType
	Text         string
	ToolCall     *protocol.ToolCall
	FinishReason protocol.FinishReason
	Usage        *protocol.Usage
	Err          error
}

// Adapter is the contract every wire client implements: wire-format request
// in, wire-format response (or chunk stream) out. Translation to and from
// the canonical model happens in the pipeline via the transformers.
type Adapter interface {
	// Call performs a non-streaming completion and returns the raw wire
	// response body.
	Call(ctx context.Context, body []byte) ([]byte, error)

	// Stream performs a streaming completion. The channel is closed after
	// a ChunkDone or ChunkError.
	Stream(ctx context.Context, body []byte) (<-chan StreamChunk, error)

	Capabilities() config.CapabilitiesConfig
	WorkerID() string
	Close() error
}

// New builds the adapter for a worker's wire family.
func New(w *workers.Worker) (Adapter, error) {
	switch w.WireFamily {
	case config.WireOpenAI:
		return newOpenAIAdapter(w), nil
	case config.WireAnthropic:
		return newAnthropicAdapter(w), nil
	case config.WireGemini, config.WireCodeWhisper:
		return nil, fmt.Errorf("wire family %q not yet implemented", w.WireFamily)
	default:
		return nil, fmt.Errorf("unknown wire family %q", w.WireFamily)
	}
}

// newTransport builds the retrying client for a worker.
func newTransport(w *workers.Worker, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(w.MaxRetries),
		httpclient.WithBaseDelay(w.RetryDelay),
		httpclient.WithHeaderParser(parser),
	)
}

// applyCredentials attaches the worker's auth headers. A scheme that is
// neither bearer nor api-key is used literally as the header name.
func applyCredentials(req *http.Request, w *workers.Worker) {
	switch w.AuthScheme {
	case config.AuthAPIKey:
		req.Header.Set("x-api-key", w.Credential)
	case config.AuthBearer, "":
		req.Header.Set("Authorization", "Bearer "+w.Credential)
	default:
		req.Header.Set(w.AuthScheme, w.Credential)
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
}

// classifyOutcome translates a transport result into a gateway error, or nil
// on success. The response body is not consumed here.
func classifyOutcome(resp *http.Response, err error, workerID string) *protocol.GatewayError {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return protocol.WrapError(protocol.KindTimeout, err, "upstream call deadline exceeded").WithWorker(workerID)
		}
		if errors.Is(err, context.Canceled) {
			return protocol.WrapError(protocol.KindTimeout, err, "upstream call canceled").WithWorker(workerID)
		}
		if re, ok := httpclient.IsRetryExhausted(err); ok {
			if re.StatusCode == http.StatusTooManyRequests {
				return protocol.WrapError(protocol.KindRateLimited, err, "upstream rate limit persisted through retries").WithWorker(workerID)
			}
			return protocol.WrapError(protocol.KindUpstreamError, err, "upstream retries exhausted").WithWorker(workerID)
		}
		return protocol.WrapError(protocol.KindUpstreamError, err, "upstream request failed").WithWorker(workerID)
	}

	switch httpclient.Classify(resp.StatusCode) {
	case httpclient.ClassSuccess:
		return nil
	case httpclient.ClassAuth:
		return protocol.NewErrorf(protocol.KindAuthError,
			"upstream rejected credentials (HTTP %d)", resp.StatusCode).WithWorker(workerID)
	case httpclient.ClassRetryable:
		if resp.StatusCode == http.StatusTooManyRequests {
			return protocol.NewError(protocol.KindRateLimited, "upstream rate limited").WithWorker(workerID)
		}
		return protocol.NewErrorf(protocol.KindUpstreamError,
			"upstream transient failure (HTTP %d)", resp.StatusCode).WithWorker(workerID)
	default:
		return protocol.NewErrorf(protocol.KindUpstreamFatal,
			"upstream rejected request (HTTP %d)", resp.StatusCode).WithWorker(workerID)
	}
}

// RetryAfterOf extracts the upstream's retry hint from an adapter error, for
// cooldown bookkeeping.
func RetryAfterOf(err error) time.Duration {
	if re, ok := httpclient.IsRetryExhausted(err); ok {
		return re.RetryAfter
	}
	return 0
}

// drainBody reads and closes a response body, bounded to keep error paths
// cheap.
func drainBody(body io.ReadCloser) []byte {
	defer body.Close()
	data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	return data
}
