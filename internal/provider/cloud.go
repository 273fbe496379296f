package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/session"
	"github.com/gatewaycore/llmcore/internal/wire"
)

// CloudModel describes one model the cloud backend advertises, supplied
// at construction time since the wire protocol has no list-models
// frame of its own — the gateway is told its catalog out of band, the same
// way the original router was handed a fixed model table.
type CloudModel struct {
	ID           string
	Name         string
	Capabilities message.Capabilities
}

// CloudProvider adapts the persistent wire.Client/session.Correlator pair
// to the Provider interface. It owns no network code of its
// own: everything travels through wire.Frame and session.Correlator.
type CloudProvider struct {
	client *wire.Client
	corr   *session.Correlator

	requestTimeout time.Duration

	mu     sync.RWMutex
	models map[string]CloudModel
}

// NewCloudProvider wraps an already-connected client/correlator pair.
func NewCloudProvider(client *wire.Client, corr *session.Correlator, models []CloudModel) *CloudProvider {
	p := &CloudProvider{
		client:         client,
		corr:           corr,
		requestTimeout: 60 * time.Second,
		models:         make(map[string]CloudModel, len(models)),
	}
	for _, m := range models {
		p.models[m.ID] = m
	}
	return p
}

func (p *CloudProvider) ProviderType() string { return "cloud" }

func (p *CloudProvider) ListModels(ctx context.Context) ([]message.ModelDescriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]message.ModelDescriptor, 0, len(p.models))
	for _, m := range p.models {
		out = append(out, message.ModelDescriptor{
			ID:           m.ID,
			Provider:     p.ProviderType(),
			Name:         m.Name,
			Capabilities: m.Capabilities,
		})
	}
	return out, nil
}

func (p *CloudProvider) IsAvailable(ctx context.Context, modelID string) bool {
	return p.ModelStatus(ctx, modelID) == StatusAvailable
}

func (p *CloudProvider) ModelStatus(ctx context.Context, modelID string) ModelStatus {
	p.mu.RLock()
	_, ok := p.models[modelID]
	p.mu.RUnlock()
	if !ok {
		return StatusUnknown
	}
	if p.client.Status() != wire.StatusConnected {
		return StatusUnavailable
	}
	return StatusAvailable
}

// ensureConnected fails fast with AuthError when the underlying socket
// isn't in a state that can carry a request, instead of enqueuing a frame
// that will never get a reply.
func (p *CloudProvider) ensureConnected() error {
	switch p.client.Status() {
	case wire.StatusConnected:
		return nil
	case wire.StatusAuthFailed:
		return NewError(KindAuthError, "cloud connection is not authenticated", nil)
	default:
		return NewError(KindAuthError, "cloud connection is not established", nil)
	}
}

func (p *CloudProvider) Complete(ctx context.Context, modelID string, history []message.Message) (*message.Message, error) {
	if err := p.ensureConnected(); err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	frame := wire.Frame{
		ID:       reqID,
		Type:     wire.KindCompletionRequest,
		Model:    modelID,
		Messages: toWireMessages(history),
		Stream:   false,
	}

	pr := p.corr.Register(reqID)
	if err := p.client.Send(frame); err != nil {
		p.corr.Forget(reqID)
		return nil, NewError(KindNetworkError, "send completion request", err)
	}

	select {
	case resp := <-pr.Done:
		return decodeCompletionResponse(modelID, resp)
	case <-ctx.Done():
		p.corr.Forget(reqID)
		return nil, NewError(KindTimeout, "completion request", ctx.Err())
	case <-time.After(p.requestTimeout):
		p.corr.Forget(reqID)
		return nil, NewError(KindTimeout, "completion request timed out", nil)
	}
}

func decodeCompletionResponse(modelID string, resp wire.Frame) (*message.Message, error) {
	if resp.Type == wire.KindError {
		return nil, NewError(KindFromWireCode(resp.Code), resp.Message, nil)
	}
	if resp.Response == nil {
		return nil, NewError(KindSerializationError, "completion_response missing payload", nil)
	}
	msg := message.New(message.RoleAssistant, resp.Response.Content, uuid.NewString(), time.Now())
	return &msg, nil
}

// Stream issues a streaming completion_request and bridges the wire's
// incremental chunks into cumulative text: the wire
// protocol sends deltas, but every provider's Chunk.Text is always the
// cumulative visible text.
func (p *CloudProvider) Stream(ctx context.Context, modelID string, history []message.Message) (<-chan Chunk, error) {
	if err := p.ensureConnected(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	frame := wire.Frame{
		ID:          uuid.NewString(),
		Type:        wire.KindCompletionRequest,
		Model:       modelID,
		Messages:    toWireMessages(history),
		Stream:      true,
		StreamingID: streamID,
	}

	ss := p.corr.RegisterStream(streamID, "")
	if err := p.client.Send(frame); err != nil {
		_ = p.corr.CancelStream(ctx, streamID)
		return nil, NewError(KindNetworkError, "send streaming completion request", err)
	}

	out := make(chan Chunk, 16)
	go p.pump(ctx, streamID, modelID, ss.Chunks, out)
	return out, nil
}

func (p *CloudProvider) pump(ctx context.Context, streamID, modelID string, in <-chan wire.Frame, out chan<- Chunk) {
	defer close(out)

	// An empty marker chunk surfaces StreamID to the consumer immediately,
	// before any text has arrived, so CancelStream has something to target.
	out <- Chunk{StreamID: streamID, ModelID: modelID}

	var cumulative strings.Builder
	for {
		select {
		case f, ok := <-in:
			if !ok {
				return
			}
			if f.Type == wire.KindError {
				out <- Chunk{StreamID: streamID, ModelID: modelID,
					Err: NewError(KindFromWireCode(f.Code), f.Message, nil)}
				return
			}
			cumulative.WriteString(f.Chunk)
			var usage *Usage
			if f.Response != nil && f.Response.Usage != nil {
				usage = &Usage{
					PromptTokens:     f.Response.Usage.PromptTokens,
					CompletionTokens: f.Response.Usage.CompletionTokens,
					TotalTokens:      f.Response.Usage.TotalTokens,
				}
			}
			out <- Chunk{StreamID: streamID, ModelID: modelID, Text: cumulative.String(), Done: f.IsFinal, Usage: usage}
			if f.IsFinal {
				return
			}
		case <-ctx.Done():
			_ = p.corr.CancelStream(context.Background(), streamID)
			out <- Chunk{StreamID: streamID, ModelID: modelID, Text: cumulative.String(), Done: true, Err: ctx.Err()}
			return
		}
	}
}

func (p *CloudProvider) CancelStream(ctx context.Context, streamID string) error {
	return p.corr.CancelStream(ctx, streamID)
}

func toWireMessages(history []message.Message) []wire.ChatMessage {
	out := make([]wire.ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, wire.ChatMessage{
			Role:    string(m.Role),
			Content: toWireParts(m.Content),
		})
	}
	return out
}

func toWireParts(parts []message.ContentPart) []wire.ContentPart {
	out := make([]wire.ContentPart, 0, len(parts))
	for _, part := range parts {
		wp := wire.ContentPart{Type: string(part.Type), Text: part.Text}
		switch part.Type {
		case message.PartImage:
			if part.Image != nil {
				wp.Source = &wire.ImageSource{Type: part.Image.Type, MediaType: part.Image.MediaType, Data: part.Image.Data, URL: part.Image.URL}
			}
		case message.PartToolCall:
			wp.ID = part.ToolCallID
			wp.Name = part.ToolName
			wp.Arguments = part.ToolArgument
		case message.PartToolResult:
			wp.ToolCallID = part.ToolCallID
			wp.Result = part.ToolResult
		}
		out = append(out, wp)
	}
	return out
}
