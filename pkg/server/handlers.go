package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/router"
	"github.com/modelrelay/relay/pkg/tokenizer"
)

// intake stamps identity and metadata on a freshly decoded request.
func intake(req *protocol.Request, source string) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Metadata.ReceivedAt = time.Now()
	req.Metadata.Source = source

	if len(req.Metadata.Annotations) > protocol.MaxAnnotations {
		trimmed := make(map[string]string, protocol.MaxAnnotations)
		for k, v := range req.Metadata.Annotations {
			if len(trimmed) == protocol.MaxAnnotations {
				break
			}
			trimmed[k] = v
		}
		req.Metadata.Annotations = trimmed
	}
}

// handleMessages is the canonical entry point.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, protocol.WrapError(protocol.KindBadRequest, err, "reading request body"), "")
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, protocol.WrapError(protocol.KindBadRequest, err, "parsing request body"), "")
		return
	}
	intake(&req, "messages")

	snap := s.gateway.Acquire()
	defer snap.Release()

	if req.Stream && snap.Pipeline.StreamingMode() != config.StreamingForceNonStreaming {
		result, err := snap.Pipeline.ExecuteStream(r.Context(), &req, router.Hints{PreferStreaming: true})
		if err != nil {
			writeError(w, err, req.ID)
			return
		}
		writeCanonicalSSE(w, result.Chunks)
		return
	}

	resp, err := snap.Pipeline.Execute(r.Context(), &req, router.Hints{})
	if err != nil {
		writeError(w, err, req.ID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatCompletions is the OpenAI-compatible surface: the body runs
// through the reverse transformer at intake and the forward transformer at
// exit.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, protocol.WrapError(protocol.KindBadRequest, err, "reading request body"), "")
		return
	}

	transformer, terr := s.gateway.Transformers().ForFamily(config.WireOpenAI)
	if terr != nil {
		writeError(w, terr, "")
		return
	}

	req, err := transformer.DecodeRequest(body)
	if err != nil {
		writeError(w, err, "")
		return
	}
	intake(req, "chat_completions")

	snap := s.gateway.Acquire()
	defer snap.Release()

	if req.Stream && snap.Pipeline.StreamingMode() != config.StreamingForceNonStreaming {
		result, serr := snap.Pipeline.ExecuteStream(r.Context(), req, router.Hints{PreferStreaming: true})
		if serr != nil {
			writeError(w, serr, req.ID)
			return
		}
		writeOpenAISSE(w, req.ID, req.VirtualModel, result.Chunks)
		return
	}

	resp, err := snap.Pipeline.Execute(r.Context(), req, router.Hints{})
	if err != nil {
		writeError(w, err, req.ID)
		return
	}

	wire, err := transformer.EncodeResponse(resp)
	if err != nil {
		writeError(w, err, req.ID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wire)
}

// handleCountTokens estimates tokens without calling any upstream.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, protocol.WrapError(protocol.KindBadRequest, err, "reading request body"), "")
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, protocol.WrapError(protocol.KindBadRequest, err, "parsing request body"), "")
		return
	}
	intake(&req, "count_tokens")

	if err := req.Validate(); err != nil {
		writeError(w, err, req.ID)
		return
	}

	// Route like a real request so the estimate reflects the model the
	// selected worker would actually serve.
	snap := s.gateway.Acquire()
	defer snap.Release()

	decision, gerr := snap.Router.Route(&req, router.Hints{})
	if gerr != nil {
		writeError(w, gerr, req.ID)
		return
	}

	counter, err := tokenizer.NewCounter(decision.TargetModel)
	if err != nil {
		writeError(w, protocol.WrapError(protocol.KindInternal, err, "building token counter"), req.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"input_tokens": counter.CountRequest(&req),
		"model":        decision.TargetModel,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Acquire()
	defer snap.Release()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": snap.Generation,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Acquire()
	defer snap.Release()

	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"workers":    snap.Registry.Snapshot(),
		"available":  snap.Registry.AvailableCount(),
		"total":      snap.Registry.Count(),
	})
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Acquire()
	defer snap.Release()

	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"policy":     snap.Config.Routing.Policy,
		"categories": snap.Router.Table(),
	})
}
