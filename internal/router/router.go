// Package router selects which provider.Provider handles a given model
// id: a static rule table consulted first, then one of six
// strategies, with an optional Lua script for rules too dynamic for a
// static table.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/provider"
)

// Strategy is the provider-selection policy used when no rule matches.
type Strategy int

const (
	PreferOnline Strategy = iota
	PreferLocal
	OnlineOnly
	LocalOnly
	RoundRobin
	RulesBased
)

// NetworkStatus mirrors the network reachability signal the gateway's
// caller pushes in from outside (connectivity monitor, OS network
// reachability callback, etc.) — the router never probes it itself.
type NetworkStatus int

const (
	NetworkUnknown NetworkStatus = iota
	NetworkConnected
	NetworkDisconnected
	NetworkUnstable
)

// Rule is one static routing-table entry, matched by model id prefix.
type Rule struct {
	ModelPrefix          string
	ProviderType         string
	FallbackProviderType string
	FallbackModelID      string
}

// LuaRule is invoked for RulesBased routing when no static Rule matches.
// It returns the provider type and (possibly rewritten) model id to use,
// or ok=false to fall through to strategy-based selection.
type LuaRule func(modelID string) (providerType, rewrittenModelID string, ok bool)

// Router selects a provider.Provider for each request.
type Router struct {
	mu        sync.RWMutex
	providers []provider.Provider
	strategy  Strategy
	rules     []Rule
	luaRule   LuaRule
	network   NetworkStatus
	roundIdx  int

	streamOwners sync.Map // streamID -> provider.Provider
}

// New creates a Router over providers, in registration order. Order
// matters for PreferOnline/PreferLocal/RoundRobin, which walk the slice.
func New(providers []provider.Provider, strategy Strategy) *Router {
	return &Router{providers: providers, strategy: strategy}
}

// SetNetworkStatus updates the externally-observed network reachability.
func (r *Router) SetNetworkStatus(status NetworkStatus) {
	r.mu.Lock()
	r.network = status
	r.mu.Unlock()
}

// SetStrategy changes the fallback selection policy.
func (r *Router) SetStrategy(s Strategy) {
	r.mu.Lock()
	r.strategy = s
	r.mu.Unlock()
}

// AddRule installs a static routing-table entry. Rules are matched in
// insertion order, by prefix, before any strategy applies.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	r.rules = append(r.rules, rule)
	r.mu.Unlock()
}

// SetLuaRule installs the optional dynamic rule script consulted by
// RulesBased routing after the static table misses.
func (r *Router) SetLuaRule(fn LuaRule) {
	r.mu.Lock()
	r.luaRule = fn
	r.mu.Unlock()
}

func (r *Router) isNetworkAvailable() bool {
	return r.network == NetworkConnected || r.network == NetworkUnstable
}

func (r *Router) providerByType(providerType string) provider.Provider {
	for _, p := range r.providers {
		if p.ProviderType() == providerType {
			return p
		}
	}
	return nil
}

func (r *Router) firstOfType(isLocal bool) provider.Provider {
	for _, p := range r.providers {
		if (p.ProviderType() == "local") == isLocal {
			return p
		}
	}
	return nil
}

// Select implements the precedence: a matching rule first (by model
// id prefix, with provider-type fallback and model-id rewrite), then the
// configured strategy.
func (r *Router) Select(ctx context.Context, modelID string) (provider.Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, id, ok := r.matchRules(modelID); ok {
		return p, id, nil
	}

	if r.strategy == RulesBased && r.luaRule != nil {
		if providerType, rewritten, ok := r.luaRule(modelID); ok {
			if p := r.providerByType(providerType); p != nil {
				return p, rewritten, nil
			}
		}
	}

	switch r.strategy {
	case PreferOnline:
		if r.isNetworkAvailable() {
			if p := r.firstOfType(false); p != nil {
				return p, modelID, nil
			}
		}
		if p := r.firstOfType(true); p != nil {
			return p, modelID, nil
		}
	case PreferLocal:
		if p := r.firstOfType(true); p != nil {
			return p, modelID, nil
		}
		if r.isNetworkAvailable() {
			if p := r.firstOfType(false); p != nil {
				return p, modelID, nil
			}
		}
	case OnlineOnly:
		if r.isNetworkAvailable() {
			if p := r.firstOfType(false); p != nil {
				return p, modelID, nil
			}
		}
	case LocalOnly:
		if p := r.firstOfType(true); p != nil {
			return p, modelID, nil
		}
	case RoundRobin:
		if len(r.providers) > 0 {
			p := r.providers[r.roundIdx%len(r.providers)]
			r.roundIdx++
			return p, modelID, nil
		}
	case RulesBased:
		if len(r.providers) > 0 {
			return r.providers[0], modelID, nil
		}
	}

	return nil, "", fmt.Errorf("router: no provider available for model %q", modelID)
}

// reachableProviderByType returns the registered provider for providerType,
// treating a non-local provider as absent when the network isn't
// Connected/Unstable — a registered Cloud provider is useless to route to
// if the socket can't reach it, so rule matching falls through to the
// fallback provider type the same way it would if Cloud weren't
// registered at all.
func (r *Router) reachableProviderByType(providerType string) provider.Provider {
	p := r.providerByType(providerType)
	if p == nil {
		return nil
	}
	if providerType != "local" && !r.isNetworkAvailable() {
		return nil
	}
	return p
}

// matchRules walks the static rule table for the first prefix match,
// applying fallback-provider-type/fallback-model-id if the rule's
// preferred provider type isn't registered, or isn't reachable over the
// network.
func (r *Router) matchRules(modelID string) (provider.Provider, string, bool) {
	for _, rule := range r.rules {
		if !strings.HasPrefix(modelID, rule.ModelPrefix) {
			continue
		}
		if p := r.reachableProviderByType(rule.ProviderType); p != nil {
			return p, modelID, true
		}
		if rule.FallbackProviderType != "" {
			if p := r.reachableProviderByType(rule.FallbackProviderType); p != nil {
				id := rule.FallbackModelID
				if id == "" {
					id = modelID
				}
				return p, id, true
			}
		}
		return nil, "", false
	}
	return nil, "", false
}

// ListModels aggregates every provider's catalog. A provider error is
// logged by the caller via the returned per-provider errors map and
// otherwise skipped, so one unreachable provider doesn't blank the list.
func (r *Router) ListModels(ctx context.Context) ([]message.ModelDescriptor, map[string]error) {
	r.mu.RLock()
	providers := append([]provider.Provider(nil), r.providers...)
	r.mu.RUnlock()

	var out []message.ModelDescriptor
	errs := make(map[string]error)
	for _, p := range providers {
		models, err := p.ListModels(ctx)
		if err != nil {
			errs[p.ProviderType()] = err
			continue
		}
		out = append(out, models...)
	}
	return out, errs
}

// Complete selects a provider for modelID and completes through it.
func (r *Router) Complete(ctx context.Context, modelID string, history []message.Message) (*message.Message, error) {
	p, rewritten, err := r.Select(ctx, modelID)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, rewritten, history)
}

// Stream selects a provider for modelID, records stream ownership for
// CancelStream, and streams through it.
func (r *Router) Stream(ctx context.Context, modelID string, history []message.Message) (<-chan provider.Chunk, error) {
	p, rewritten, err := r.Select(ctx, modelID)
	if err != nil {
		return nil, err
	}
	chunks, err := p.Stream(ctx, rewritten, history)
	if err != nil {
		return nil, err
	}

	out := make(chan provider.Chunk, 16)
	go func() {
		defer close(out)
		for c := range chunks {
			r.streamOwners.Store(c.StreamID, p)
			out <- c
			if c.Done {
				r.streamOwners.Delete(c.StreamID)
			}
		}
	}()
	return out, nil
}

// CancelStream routes the cancellation to exactly the provider that owns
// streamID — resolving the open question of broadcast-vs-targeted
// cancellation in favor of targeted.
func (r *Router) CancelStream(ctx context.Context, streamID string) error {
	v, ok := r.streamOwners.Load(streamID)
	if !ok {
		return nil
	}
	p := v.(provider.Provider)
	r.streamOwners.Delete(streamID)
	return p.CancelStream(ctx, streamID)
}
