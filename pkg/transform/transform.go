// Package transform converts between the canonical request/response model
// and the provider wire families. Transformers are pure functions: no I/O,
// no logging, no clock. They fail only on structural impossibilities.
package transform

import (
	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/protocol"
	"github.com/modelrelay/relay/pkg/registry"
)

// EncodeOptions carries the per-worker context a request encoding needs.
type EncodeOptions struct {
	// TargetModel replaces the canonical virtual model on the wire.
	TargetModel string
	// Stream sets the wire-level stream flag.
	Stream bool
	// Capabilities gates structurally impossible encodings (images to a
	// non-multimodal family).
	Capabilities config.CapabilitiesConfig
	// DefaultMaxTokens is used where the wire requires max_tokens and the
	// request does not set one.
	DefaultMaxTokens int
}

// Transformer is one wire family's bidirectional codec. EncodeRequest and
// DecodeResponse serve the upstream direction; DecodeRequest and
// EncodeResponse serve compatible inbound surfaces.
type Transformer interface {
	Family() config.WireFamily

	EncodeRequest(req *protocol.Request, opts EncodeOptions) ([]byte, error)
	DecodeRequest(data []byte) (*protocol.Request, error)

	DecodeResponse(data []byte) (*protocol.Response, error)
	EncodeResponse(resp *protocol.Response) ([]byte, error)
}

// Registry holds one transformer per wire family.
type Registry struct {
	*registry.BaseRegistry[Transformer]
}

// NewRegistry creates an empty transformer registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Transformer]()}
}

// NewDefaultRegistry registers the built-in wire families.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	// Registration of built-ins cannot fail.
	_ = r.Register(string(config.WireOpenAI), NewOpenAI())
	_ = r.Register(string(config.WireAnthropic), NewAnthropic())
	return r
}

// ForFamily returns the transformer for a wire family.
func (r *Registry) ForFamily(family config.WireFamily) (Transformer, error) {
	t, ok := r.Get(string(family))
	if !ok {
		return nil, protocol.NewErrorf(protocol.KindTransformError,
			"no transformer for wire family %q", family)
	}
	return t, nil
}
