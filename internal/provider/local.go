package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaycore/llmcore/internal/inference"
	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/registry"
)

// LocalProvider runs locally-installed models in-process via an
// inference.Engine. Unlike CloudProvider/HTTPProvider,
// cancellation has no remote party to notify — it just stops pulling
// tokens from the engine's channel, via context.
type LocalProvider struct {
	engine   *inference.Engine
	registry *registry.Registry
	eosID    int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	loaded  map[string]*inference.Handle
	catalog map[string]message.ModelDescriptor // downloadable but not-yet-installed models
}

// NewLocalProvider wires an inference.Engine to a registry.Registry. eosID
// is the tokenizer's end-of-sequence id, shared across the models this
// provider loads (the common case for one model family). catalog lists
// models that can be fetched on demand via their DownloadURL when not yet
// installed; it may be nil.
func NewLocalProvider(engine *inference.Engine, reg *registry.Registry, eosID int64, catalog []message.ModelDescriptor) *LocalProvider {
	p := &LocalProvider{
		engine: engine, registry: reg, eosID: eosID,
		cancels: make(map[string]context.CancelFunc),
		loaded:  make(map[string]*inference.Handle),
		catalog: make(map[string]message.ModelDescriptor, len(catalog)),
	}
	for _, m := range catalog {
		p.catalog[m.ID] = m
	}
	reg.SetLoadedChecker(p.isLoaded)
	return p
}

func (p *LocalProvider) isLoaded(modelID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loaded[modelID]
	return ok
}

func (p *LocalProvider) ProviderType() string { return "local" }

func (p *LocalProvider) ListModels(ctx context.Context) ([]message.ModelDescriptor, error) {
	installed := p.registry.List()
	seen := make(map[string]bool, len(installed))
	for _, m := range installed {
		seen[m.ID] = true
	}
	out := installed
	for id, m := range p.catalog {
		if seen[id] {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (p *LocalProvider) IsAvailable(ctx context.Context, modelID string) bool {
	return p.ModelStatus(ctx, modelID) == StatusAvailable
}

func (p *LocalProvider) ModelStatus(ctx context.Context, modelID string) ModelStatus {
	_, _, _, ok := p.registry.Lookup(modelID)
	if !ok {
		return StatusUnknown
	}
	return StatusAvailable
}

// handleFor returns the loaded inference.Handle for modelID, downloading
// and loading it first if needed. The download and engine-load calls run
// outside p.mu: both are slow I/O, and registry.Download's eviction path
// calls back into p.isLoaded, which takes the same lock — holding it
// across that call would deadlock the provider against itself.
func (p *LocalProvider) handleFor(modelID string) (*inference.Handle, error) {
	p.mu.Lock()
	if h, ok := p.loaded[modelID]; ok {
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	weightsPath, tokenizerPath, contextLength, ok := p.registry.Lookup(modelID)
	if !ok {
		desc, downloadable := p.catalog[modelID]
		if !downloadable || desc.DownloadURL == "" {
			return nil, NewError(KindInvalidRequest, fmt.Sprintf("model %q is not installed", modelID), nil)
		}
		if err := p.registry.Download(context.Background(), modelID, desc.Name, desc.DownloadURL, "",
			desc.Quantization, desc.ParameterCount, desc.Capabilities.MaxContextLength); err != nil {
			return nil, NewError(KindSystemError, "downloading local model", err)
		}
		weightsPath, tokenizerPath, contextLength, ok = p.registry.Lookup(modelID)
		if !ok {
			return nil, NewError(KindSystemError, fmt.Sprintf("model %q missing from registry after download", modelID), nil)
		}
	}

	h, err := p.engine.Load(context.Background(), modelID, weightsPath, tokenizerPath, p.eosID, contextLength)
	if err != nil {
		return nil, NewError(KindSystemError, "loading local model", err)
	}

	p.mu.Lock()
	if existing, ok := p.loaded[modelID]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.loaded[modelID] = h
	p.mu.Unlock()

	p.registry.Touch(modelID)
	return h, nil
}

// promptFrom renders the conversation history into a single prompt string.
// Local models this provider targets are instruction-tuned base models
// without a structured chat wire format, so turns are flattened with role
// labels — the same shape llama.cpp's server applies before tokenizing.
func promptFrom(history []message.Message) string {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Text())
	}
	b.WriteString("ASSISTANT: ")
	return b.String()
}

func (p *LocalProvider) Complete(ctx context.Context, modelID string, history []message.Message) (*message.Message, error) {
	ch, err := p.Stream(ctx, modelID, history)
	if err != nil {
		return nil, err
	}
	var last Chunk
	for c := range ch {
		last = c
	}
	if last.Err != nil {
		return nil, last.Err
	}
	msg := message.New(message.RoleAssistant, last.Text, uuid.NewString(), time.Now())
	return &msg, nil
}

func (p *LocalProvider) Stream(ctx context.Context, modelID string, history []message.Message) (<-chan Chunk, error) {
	h, err := p.handleFor(modelID)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	streamID := uuid.NewString()
	p.mu.Lock()
	p.cancels[streamID] = cancel
	p.mu.Unlock()

	tokens, err := p.engine.Generate(streamCtx, h, promptFrom(history), inference.SamplingParams{})
	if err != nil {
		cancel()
		p.forgetCancel(streamID)
		return nil, NewError(KindSystemError, "starting local generation", err)
	}

	out := make(chan Chunk, 16)
	go p.pump(streamID, modelID, tokens, out)
	return out, nil
}

func (p *LocalProvider) pump(streamID, modelID string, tokens <-chan inference.Token, out chan<- Chunk) {
	defer close(out)
	defer p.forgetCancel(streamID)

	var cumulative strings.Builder
	for tok := range tokens {
		if tok.Err != nil {
			out <- Chunk{StreamID: streamID, ModelID: modelID, Text: cumulative.String(), Done: true, Err: NewError(KindSystemError, "local generation", tok.Err)}
			return
		}
		cumulative.WriteString(tok.Text)
		out <- Chunk{StreamID: streamID, ModelID: modelID, Text: cumulative.String(), Done: tok.Done}
		if tok.Done {
			return
		}
	}
}

func (p *LocalProvider) forgetCancel(streamID string) {
	p.mu.Lock()
	delete(p.cancels, streamID)
	p.mu.Unlock()
}

func (p *LocalProvider) CancelStream(ctx context.Context, streamID string) error {
	p.mu.Lock()
	cancel, ok := p.cancels[streamID]
	if ok {
		delete(p.cancels, streamID)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
