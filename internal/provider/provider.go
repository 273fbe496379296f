// Package provider defines the Provider interface every LLM backend
// implements (cloud, self-hosted HTTP, and local in-process) and the
// error taxonomy that crosses every provider boundary unchanged.
//
// Every backend implements the same three-method-plus shape. The rest of
// the gateway — the router, the streaming manager — works only with these
// types, the same way the original gateway's handler only ever spoke to
// the Provider interface and never to GoogleProvider/AnthropicProvider
// directly.
package provider

import (
	"context"

	"github.com/gatewaycore/llmcore/internal/message"
)

// Provider is the interface every LLM backend must satisfy. Go interfaces
// are implicit — CloudProvider, HTTPProvider, and LocalProvider each
// satisfy this without saying so.
type Provider interface {
	// ProviderType returns a short tag: "cloud", "http", or "local".
	ProviderType() string

	// ListModels returns every model this provider knows about.
	ListModels(ctx context.Context) ([]message.ModelDescriptor, error)

	// IsAvailable reports whether modelID is currently usable.
	IsAvailable(ctx context.Context, modelID string) bool

	// ModelStatus reports the lifecycle state of a model.
	ModelStatus(ctx context.Context, modelID string) ModelStatus

	// Complete blocks until a full assistant response is produced.
	Complete(ctx context.Context, modelID string, history []message.Message) (*message.Message, error)

	// Stream returns a channel of chunks carrying cumulative text (see
	// Chunk). The final chunk has Done=true. The caller cancels by
	// cancelling ctx or calling CancelStream; merely stopping reading does
	// not stop the provider, which blocks on its next send.
	Stream(ctx context.Context, modelID string, history []message.Message) (<-chan Chunk, error)

	// CancelStream cancels an in-flight stream by id. Cancelling an
	// already-completed or unknown stream is a no-op that returns nil.
	CancelStream(ctx context.Context, streamID string) error
}

// ModelStatus is the lifecycle state of a model on a given provider.
type ModelStatus int

const (
	StatusUnknown ModelStatus = iota
	StatusAvailable
	StatusLoading
	StatusUnavailable
	StatusError
)

func (s ModelStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusLoading:
		return "loading"
	case StatusUnavailable:
		return "unavailable"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Chunk is one streaming update. StreamID lets a consumer that fans in
// multiple streams tell them apart; Text is always the cumulative
// visible text so far (monotone), never a raw delta —
// providers that only receive incremental deltas on the wire accumulate
// them before they reach this type.
type Chunk struct {
	StreamID string
	ModelID  string
	Text     string
	Done     bool
	Usage    *Usage
	Err      error
}

// Usage mirrors token accounting across every provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
