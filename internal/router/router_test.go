package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/provider"
)

type stubProvider struct {
	kind   string
	chunks []provider.Chunk
}

func (s *stubProvider) ProviderType() string { return s.kind }
func (s *stubProvider) ListModels(ctx context.Context) ([]message.ModelDescriptor, error) {
	return []message.ModelDescriptor{{ID: s.kind + "-model", Provider: s.kind}}, nil
}
func (s *stubProvider) IsAvailable(ctx context.Context, modelID string) bool { return true }
func (s *stubProvider) ModelStatus(ctx context.Context, modelID string) provider.ModelStatus {
	return provider.StatusAvailable
}
func (s *stubProvider) Complete(ctx context.Context, modelID string, history []message.Message) (*message.Message, error) {
	msg := message.New(message.RoleAssistant, s.kind+":"+modelID, "m1", history[0].CreatedAt)
	return &msg, nil
}
func (s *stubProvider) Stream(ctx context.Context, modelID string, history []message.Message) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}
func (s *stubProvider) CancelStream(ctx context.Context, streamID string) error { return nil }

func TestSelectPreferOnlineFallsBackToLocalWhenDisconnected(t *testing.T) {
	cloud := &stubProvider{kind: "cloud"}
	local := &stubProvider{kind: "local"}
	r := New([]provider.Provider{cloud, local}, PreferOnline)

	r.SetNetworkStatus(NetworkDisconnected)
	p, _, err := r.Select(context.Background(), "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "local", p.ProviderType())

	r.SetNetworkStatus(NetworkConnected)
	p, _, err = r.Select(context.Background(), "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "cloud", p.ProviderType())
}

func TestSelectPreferLocalPrefersLocalEvenWhenOnline(t *testing.T) {
	cloud := &stubProvider{kind: "cloud"}
	local := &stubProvider{kind: "local"}
	r := New([]provider.Provider{cloud, local}, PreferLocal)
	r.SetNetworkStatus(NetworkConnected)

	p, _, err := r.Select(context.Background(), "any-model")
	require.NoError(t, err)
	assert.Equal(t, "local", p.ProviderType())
}

func TestSelectOnlineOnlyFailsWhenDisconnected(t *testing.T) {
	cloud := &stubProvider{kind: "cloud"}
	r := New([]provider.Provider{cloud}, OnlineOnly)
	r.SetNetworkStatus(NetworkDisconnected)

	_, _, err := r.Select(context.Background(), "gpt-x")
	assert.Error(t, err)
}

func TestSelectRuleMatchWinsOverStrategy(t *testing.T) {
	cloud := &stubProvider{kind: "cloud"}
	httpP := &stubProvider{kind: "http"}
	r := New([]provider.Provider{cloud, httpP}, PreferOnline)
	r.SetNetworkStatus(NetworkConnected)
	r.AddRule(Rule{ModelPrefix: "self-hosted/", ProviderType: "http"})

	p, rewritten, err := r.Select(context.Background(), "self-hosted/llama3")
	require.NoError(t, err)
	assert.Equal(t, "http", p.ProviderType())
	assert.Equal(t, "self-hosted/llama3", rewritten)
}

func TestSelectRuleFallbackRewritesModelID(t *testing.T) {
	local := &stubProvider{kind: "local"}
	r := New([]provider.Provider{local}, PreferOnline)
	r.AddRule(Rule{ModelPrefix: "cloud/", ProviderType: "cloud", FallbackProviderType: "local", FallbackModelID: "local-default"})

	p, rewritten, err := r.Select(context.Background(), "cloud/gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "local", p.ProviderType())
	assert.Equal(t, "local-default", rewritten)
}

func TestSelectRuleFallsBackWhenProviderRegisteredButUnreachable(t *testing.T) {
	cloud := &stubProvider{kind: "cloud"}
	local := &stubProvider{kind: "local"}
	r := New([]provider.Provider{cloud, local}, PreferOnline)
	r.AddRule(Rule{ModelPrefix: "", ProviderType: "cloud", FallbackProviderType: "local", FallbackModelID: "tinyllama"})

	r.SetNetworkStatus(NetworkDisconnected)
	p, rewritten, err := r.Select(context.Background(), "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "local", p.ProviderType())
	assert.Equal(t, "tinyllama", rewritten)

	r.SetNetworkStatus(NetworkConnected)
	p, rewritten, err = r.Select(context.Background(), "gpt-x")
	require.NoError(t, err)
	assert.Equal(t, "cloud", p.ProviderType())
	assert.Equal(t, "gpt-x", rewritten)
}

func TestRoundRobinRotatesAcrossCalls(t *testing.T) {
	a := &stubProvider{kind: "a"}
	b := &stubProvider{kind: "b"}
	r := New([]provider.Provider{a, b}, RoundRobin)

	first, _, err := r.Select(context.Background(), "m")
	require.NoError(t, err)
	second, _, err := r.Select(context.Background(), "m")
	require.NoError(t, err)
	third, _, err := r.Select(context.Background(), "m")
	require.NoError(t, err)

	assert.Equal(t, "a", first.ProviderType())
	assert.Equal(t, "b", second.ProviderType())
	assert.Equal(t, "a", third.ProviderType())
}

func TestCancelStreamRoutesToOwningProviderOnly(t *testing.T) {
	cancelled := make(chan string, 1)
	cloud := &cancelTrackingProvider{stubProvider: stubProvider{kind: "cloud", chunks: []provider.Chunk{{StreamID: "s1", Text: "partial"}}}, onCancel: cancelled}
	local := &cancelTrackingProvider{stubProvider: stubProvider{kind: "local"}, onCancel: cancelled}

	r := New([]provider.Provider{cloud, local}, PreferOnline)
	r.SetNetworkStatus(NetworkConnected)

	history := []message.Message{message.New(message.RoleUser, "hi", "m0", time.Now())}
	ch, err := r.Stream(context.Background(), "gpt-x", history)
	require.NoError(t, err)
	for range ch {
	}

	require.NoError(t, r.CancelStream(context.Background(), "s1"))

	select {
	case got := <-cancelled:
		assert.Equal(t, "s1", got)
	default:
		t.Fatal("cancel never reached the owning provider")
	}

	// Cancelling again is a no-op: ownership was already cleared.
	require.NoError(t, r.CancelStream(context.Background(), "s1"))
	select {
	case <-cancelled:
		t.Fatal("second cancel should not be routed anywhere")
	default:
	}
}

type cancelTrackingProvider struct {
	stubProvider
	onCancel chan string
}

func (c *cancelTrackingProvider) CancelStream(ctx context.Context, streamID string) error {
	c.onCancel <- streamID
	return nil
}
