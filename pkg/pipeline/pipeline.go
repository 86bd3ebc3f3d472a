// Package pipeline orchestrates the per-request stage machine:
// VALIDATE → ROUTE → PREPROCESS → TRANSFORM_IN → CALL → TRANSFORM_OUT →
// POSTPROCESS. Retries stay within the routed category; terminal failures
// propagate with their kind, never as a synthesized success.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/modelrelay/relay/pkg/adapters"
	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/preprocess"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/router"
	"github.com/modelrelay/relay/pkg/streaming"
	"github.com/modelrelay/relay/pkg/transform"
	"github.com/modelrelay/relay/pkg/workers"
)

// AdapterSource resolves a worker to its wire client. The gateway snapshot
// owns the adapters so their connection pools outlive individual requests.
type AdapterSource interface {
	AdapterFor(workerID string) (adapters.Adapter, bool)
}

// Pipeline runs canonical requests end to end.
type Pipeline struct {
	registry     *workers.Registry
	router       *router.Router
	selector     *preprocess.Selector
	transformers *transform.Registry
	source       AdapterSource
	streaming    config.StreamingConfig

	// Strict turns recoverable preprocessing problems into BadRequest.
	Strict bool
}

// New wires a pipeline over one configuration generation.
func New(
	registry *workers.Registry,
	rt *router.Router,
	selector *preprocess.Selector,
	transformers *transform.Registry,
	source AdapterSource,
	streaming config.StreamingConfig,
) *Pipeline {
	return &Pipeline{
		registry:     registry,
		router:       rt,
		selector:     selector,
		transformers: transformers,
		source:       source,
		streaming:    streaming,
	}
}

var tracer = otel.Tracer("relay/pipeline")

// timer tracks stage durations for the response metadata and emits one span
// per stage. Spans are no-ops until tracing is initialized.
type timer struct {
	steps   []string
	timings []protocol.StageTiming
}

func (t *timer) run(ctx context.Context, stage string, fn func() error) error {
	_, span := tracer.Start(ctx, "pipeline."+stage)
	start := time.Now()
	err := fn()
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	t.timings = append(t.timings, protocol.StageTiming{Stage: stage, Duration: time.Since(start)})
	if err == nil {
		t.steps = append(t.steps, stage)
	}
	return err
}

// attempt is one worker-bound execution of the inner stages.
type attempt struct {
	decision *router.Decision
	adapter  adapters.Adapter
	body     []byte
	warnings []string
}

// Execute runs a non-streaming request through the pipeline.
func (p *Pipeline) Execute(ctx context.Context, req *protocol.Request, hints router.Hints) (*protocol.Response, error) {
	t := &timer{}

	if err := t.run(ctx, "validate", req.Validate); err != nil {
		return nil, err
	}

	var decision *router.Decision
	if err := t.run(ctx, "route", func() error {
		d, gerr := p.router.Route(req, hints)
		if gerr != nil {
			return gerr
		}
		decision = d
		return nil
	}); err != nil {
		return nil, err
	}

	resp, err := p.callWithRetries(ctx, req, decision, t, false)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// callWithRetries runs PREPROCESS..TRANSFORM_OUT for the routed worker,
// advancing to same-category fallbacks on retryable failures. assembled is
// true when the caller wants the upstream consumed as a stream and
// assembled into a complete response.
func (p *Pipeline) callWithRetries(ctx context.Context, req *protocol.Request, decision *router.Decision, t *timer, assembleStream bool) (*protocol.Response, error) {
	retries := 0
	var lastErr error

	for {
		resp, err := p.callOnce(ctx, req, decision, t, assembleStream)
		if err == nil {
			stampMetadata(resp, req, decision, t, retries)
			return resp, nil
		}
		lastErr = err

		gerr := protocol.AsGatewayError(err)
		if !gerr.Retryable() || len(decision.FallbackWorkers) == 0 {
			return nil, lastErr
		}

		slog.Warn("Retrying on same-category fallback",
			"request", req.ID, "category", string(decision.Category),
			"failed_worker", decision.Worker.ID, "remaining", len(decision.FallbackWorkers))

		next, rerr := p.router.Reroute(decision.Category, decision.FallbackWorkers, req)
		if rerr != nil {
			// Candidates exhausted; the original failure is the story.
			return nil, lastErr
		}
		decision = next
		retries++
	}
}

// callOnce runs one worker attempt: preprocess, transform in, call,
// transform out. The worker holds a busy reference from routing until the
// attempt finishes, so load-based selection counts pre-call work too.
func (p *Pipeline) callOnce(ctx context.Context, req *protocol.Request, decision *router.Decision, t *timer, assembleStream bool) (*protocol.Response, error) {
	worker := decision.Worker
	p.registry.MarkBusy(worker.ID)
	defer p.registry.MarkIdle(worker.ID)

	adapter, ok := p.source.AdapterFor(worker.ID)
	if !ok {
		return nil, protocol.NewErrorf(protocol.KindInternal, "no adapter for worker %q", worker.ID)
	}
	transformer, err := p.transformers.ForFamily(worker.WireFamily)
	if err != nil {
		return nil, err
	}

	a := &attempt{decision: decision, adapter: adapter}

	if err := t.run(ctx, "preprocess", func() error {
		pctx := &preprocess.Context{
			Request: req.Clone(),
			Worker:  worker,
			Strict:  p.Strict,
		}
		if _, err := p.selector.Run(pctx); err != nil {
			return err
		}
		for _, w := range pctx.Warnings {
			slog.Warn("Preprocess", "request", req.ID, "worker", worker.ID, "detail", w)
		}
		a.warnings = pctx.Warnings
		req = pctx.Request
		return nil
	}); err != nil {
		return nil, err
	}

	if err := t.run(ctx, "transform_in", func() error {
		body, err := transformer.EncodeRequest(req, transform.EncodeOptions{
			TargetModel:      decision.TargetModel,
			Stream:           assembleStream,
			Capabilities:     worker.Capabilities,
			DefaultMaxTokens: worker.DefaultMaxTokens,
		})
		if err != nil {
			return err
		}
		a.body = body
		return nil
	}); err != nil {
		return nil, err
	}

	var resp *protocol.Response
	if err := t.run(ctx, "call", func() error {
		if assembleStream {
			r, err := p.streamAssembled(ctx, a)
			if err != nil {
				p.recordFailure(worker.ID, err)
				return err
			}
			resp = r
			p.registry.MarkSuccess(worker.ID)
			return nil
		}

		wireResp, err := adapter.Call(ctx, a.body)
		if err != nil {
			p.recordFailure(worker.ID, err)
			return err
		}
		p.registry.MarkSuccess(worker.ID)
		a.body = wireResp
		return nil
	}); err != nil {
		return nil, err
	}

	if resp != nil {
		// Stream-assembled responses are already canonical.
		return resp, nil
	}

	if err := t.run(ctx, "transform_out", func() error {
		r, err := transformer.DecodeResponse(a.body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

// streamAssembled consumes the upstream stream fully, for force_non_streaming.
func (p *Pipeline) streamAssembled(ctx context.Context, a *attempt) (*protocol.Response, error) {
	chunks, err := a.adapter.Stream(ctx, a.body)
	if err != nil {
		return nil, err
	}
	return streaming.Assemble(ctx, chunks)
}

// recordFailure maps an adapter error onto worker health bookkeeping. Fatal
// request errors are the request's fault and do not count against the worker.
func (p *Pipeline) recordFailure(workerID string, err error) {
	gerr := protocol.AsGatewayError(err)
	switch gerr.Kind {
	case protocol.KindRateLimited:
		p.registry.MarkFailure(workerID, workers.FailureRateLimited, adapters.RetryAfterOf(err))
	case protocol.KindAuthError:
		p.registry.MarkFailure(workerID, workers.FailureAuth, 0)
	case protocol.KindTimeout:
		p.registry.MarkFailure(workerID, workers.FailureTimeout, 0)
	case protocol.KindUpstreamError, protocol.KindPartialResponse:
		p.registry.MarkFailure(workerID, workers.FailureUpstream, 0)
	}
}

// stampMetadata finishes POSTPROCESS: provider, steps, timings, retries.
func stampMetadata(resp *protocol.Response, req *protocol.Request, decision *router.Decision, t *timer, retries int) {
	start := time.Now()
	if resp.ID == "" {
		resp.ID = req.ID
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	resp.Metadata.ProviderServed = decision.Worker.ID
	resp.Metadata.RetryCount = retries
	t.steps = append(t.steps, "postprocess")
	t.timings = append(t.timings, protocol.StageTiming{Stage: "postprocess", Duration: time.Since(start)})
	resp.Metadata.ProcessingSteps = t.steps
	resp.Metadata.Timings = t.timings
}
