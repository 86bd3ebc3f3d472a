package pipeline

import (
	"context"
	"log/slog"

	"github.com/modelrelay/relay/pkg/adapters"
	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/preprocess"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/router"
	"github.com/modelrelay/relay/pkg/streaming"
	"github.com/modelrelay/relay/pkg/transform"
)

// StreamResult carries a client-bound chunk stream with the routing decision
// behind it.
type StreamResult struct {
	Chunks   <-chan adapters.StreamChunk
	Decision *router.Decision
}

// StreamingMode reports the configured streaming mode so the server can
// decide whether streaming requests get a stream at all.
func (p *Pipeline) StreamingMode() string {
	return p.streaming.Mode
}

// ExecuteStream runs a streaming request. Depending on mode and worker
// capabilities the upstream is either streamed natively, consumed fully and
// re-chunked, or called without streaming and simulated.
func (p *Pipeline) ExecuteStream(ctx context.Context, req *protocol.Request, hints router.Hints) (*StreamResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	decision, gerr := p.router.Route(req, hints)
	if gerr != nil {
		return nil, gerr
	}

	worker := decision.Worker
	native := p.streaming.Mode == config.StreamingNative &&
		worker.Capabilities.NativeStreaming && !worker.ForceNonStreaming

	if native {
		return p.streamWithRetries(ctx, req, decision)
	}

	// Upstream is not streamed to the client directly: either consume its
	// stream fully (force-non-streaming workers that can stream) or call it
	// plainly, then simulate chunks at the configured pace.
	t := &timer{}
	consumeUpstreamStream := worker.ForceNonStreaming && worker.Capabilities.NativeStreaming
	resp, err := p.callWithRetries(ctx, req, decision, t, consumeUpstreamStream)
	if err != nil {
		return nil, err
	}
	return &StreamResult{
		Chunks:   streaming.Simulate(ctx, resp, p.streaming),
		Decision: decision,
	}, nil
}

// streamWithRetries establishes a native upstream stream, advancing to
// same-category fallbacks while establishment keeps failing retryably.
// Once the first byte flows, failures surface to the client as-is.
func (p *Pipeline) streamWithRetries(ctx context.Context, req *protocol.Request, decision *router.Decision) (*StreamResult, error) {
	for {
		chunks, err := p.streamOnce(ctx, req, decision)
		if err == nil {
			return &StreamResult{Chunks: chunks, Decision: decision}, nil
		}

		gerr := protocol.AsGatewayError(err)
		if !gerr.Retryable() || len(decision.FallbackWorkers) == 0 {
			return nil, err
		}

		slog.Warn("Retrying stream on same-category fallback",
			"request", req.ID, "category", string(decision.Category),
			"failed_worker", decision.Worker.ID, "remaining", len(decision.FallbackWorkers))

		next, rerr := p.router.Reroute(decision.Category, decision.FallbackWorkers, req)
		if rerr != nil {
			return nil, err
		}
		decision = next
	}
}

func (p *Pipeline) streamOnce(ctx context.Context, req *protocol.Request, decision *router.Decision) (<-chan adapters.StreamChunk, error) {
	worker := decision.Worker

	// The busy reference spans routing to stream drain; on the success path
	// the forwarder goroutine takes over releasing it.
	p.registry.MarkBusy(worker.ID)
	handedOff := false
	defer func() {
		if !handedOff {
			p.registry.MarkIdle(worker.ID)
		}
	}()

	adapter, ok := p.source.AdapterFor(worker.ID)
	if !ok {
		return nil, protocol.NewErrorf(protocol.KindInternal, "no adapter for worker %q", worker.ID)
	}
	transformer, err := p.transformers.ForFamily(worker.WireFamily)
	if err != nil {
		return nil, err
	}

	pctx := &preprocess.Context{Request: req.Clone(), Worker: worker, Strict: p.Strict}
	if _, err := p.selector.Run(pctx); err != nil {
		return nil, err
	}
	for _, w := range pctx.Warnings {
		slog.Warn("Preprocess", "request", req.ID, "worker", worker.ID, "detail", w)
	}

	body, err := transformer.EncodeRequest(pctx.Request, transform.EncodeOptions{
		TargetModel:      decision.TargetModel,
		Stream:           true,
		Capabilities:     worker.Capabilities,
		DefaultMaxTokens: worker.DefaultMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	chunks, err := adapter.Stream(ctx, body)
	if err != nil {
		p.recordFailure(worker.ID, err)
		return nil, err
	}

	handedOff = true
	out := make(chan adapters.StreamChunk, 16)
	go func() {
		defer close(out)
		defer p.registry.MarkIdle(worker.ID)

		for chunk := range chunks {
			switch chunk.Type {
			case adapters.ChunkDone:
				p.registry.MarkSuccess(worker.ID)
			case adapters.ChunkError:
				p.recordFailure(worker.ID, chunk.Err)
			}
			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
		}
	}()
	return out, nil
}
