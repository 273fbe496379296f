package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/provider"
	"github.com/gatewaycore/llmcore/internal/router"
	"github.com/gatewaycore/llmcore/internal/store"
)

type fakeProvider struct {
	kind      string
	chunks    []provider.Chunk
	chunkGap  time.Duration
	cancelled chan string
	block     bool
}

func (p *fakeProvider) ProviderType() string { return p.kind }
func (p *fakeProvider) ListModels(ctx context.Context) ([]message.ModelDescriptor, error) {
	return []message.ModelDescriptor{{ID: "m1", Provider: p.kind}}, nil
}
func (p *fakeProvider) IsAvailable(ctx context.Context, modelID string) bool { return true }
func (p *fakeProvider) ModelStatus(ctx context.Context, modelID string) provider.ModelStatus {
	return provider.StatusAvailable
}
func (p *fakeProvider) Complete(ctx context.Context, modelID string, history []message.Message) (*message.Message, error) {
	msg := message.New(message.RoleAssistant, "reply", "r1", time.Now())
	return &msg, nil
}
func (p *fakeProvider) Stream(ctx context.Context, modelID string, history []message.Message) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		for _, c := range p.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if p.chunkGap > 0 {
				time.Sleep(p.chunkGap)
			}
		}
		if p.block {
			<-ctx.Done()
		}
	}()
	return out, nil
}
func (p *fakeProvider) CancelStream(ctx context.Context, streamID string) error {
	if p.cancelled != nil {
		p.cancelled <- streamID
	}
	return nil
}

func newTestManager(t *testing.T, p provider.Provider) (*Manager, *store.ConversationStore) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	model := message.ModelDescriptor{ID: "m1", Provider: p.ProviderType()}
	require.NoError(t, st.Create(message.NewConversation("c1", "chat", model, time.Now())))

	r := router.New([]provider.Provider{p}, router.OnlineOnly)
	return New(st, r), st
}

func TestSendAppendsUserAndAssistantMessages(t *testing.T) {
	p := &fakeProvider{kind: "cloud"}
	m, st := newTestManager(t, p)

	reply, err := m.Send(context.Background(), "c1", "m1", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "reply", reply.Text())

	conv, _ := st.Get("c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, message.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, message.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, message.StatusComplete, conv.Messages[0].Status)
	assert.Equal(t, message.StatusComplete, conv.Messages[1].Status)
}

func TestSendMarksUserMessageFailedWhenProviderErrors(t *testing.T) {
	p := &failingProvider{kind: "cloud"}
	m, st := newTestManager(t, p)

	_, err := m.Send(context.Background(), "c1", "m1", "hello there")
	require.Error(t, err)

	conv, _ := st.Get("c1")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, message.StatusFailed, conv.Messages[0].Status)
}

type failingProvider struct {
	kind string
}

func (p *failingProvider) ProviderType() string { return p.kind }
func (p *failingProvider) ListModels(ctx context.Context) ([]message.ModelDescriptor, error) {
	return []message.ModelDescriptor{{ID: "m1", Provider: p.kind}}, nil
}
func (p *failingProvider) IsAvailable(ctx context.Context, modelID string) bool { return true }
func (p *failingProvider) ModelStatus(ctx context.Context, modelID string) provider.ModelStatus {
	return provider.StatusAvailable
}
func (p *failingProvider) Complete(ctx context.Context, modelID string, history []message.Message) (*message.Message, error) {
	return nil, provider.NewError(provider.KindSystemError, "boom", nil)
}
func (p *failingProvider) Stream(ctx context.Context, modelID string, history []message.Message) (<-chan provider.Chunk, error) {
	return nil, provider.NewError(provider.KindSystemError, "boom", nil)
}
func (p *failingProvider) CancelStream(ctx context.Context, streamID string) error { return nil }

func TestStreamAccumulatesAndPersistsFinalText(t *testing.T) {
	p := &fakeProvider{kind: "cloud", chunks: []provider.Chunk{
		{StreamID: "s1", Text: ""},
		{StreamID: "s1", Text: "foo"},
		{StreamID: "s1", Text: "foobar", Done: true},
	}}
	m, st := newTestManager(t, p)

	snaps, err := m.Stream(context.Background(), "c1", "m1", "hi")
	require.NoError(t, err)

	var last Snapshot
	for s := range snaps {
		last = s
	}
	assert.Equal(t, StatusComplete, last.Status)
	assert.Equal(t, "foobar", last.Text)

	conv, _ := st.Get("c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "foobar", conv.Messages[1].Text())
}

func TestStreamCancelsUpstreamWhenConsumerContextEnds(t *testing.T) {
	cancelled := make(chan string, 1)
	p := &fakeProvider{
		kind:      "cloud",
		chunks:    []provider.Chunk{{StreamID: "s1", Text: "partial"}},
		chunkGap:  10 * time.Millisecond,
		cancelled: cancelled,
		block:     true,
	}
	m, st := newTestManager(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	snaps, err := m.Stream(ctx, "c1", "m1", "hi")
	require.NoError(t, err)

	// Consume the one real chunk, then walk away.
	<-snaps
	cancel()

	select {
	case sid := <-cancelled:
		assert.Equal(t, "s1", sid)
	case <-time.After(time.Second):
		t.Fatal("expected CancelStream to be called after consumer context ended")
	}

	for range snaps {
	}
	conv, _ := st.Get("c1")
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "partial", conv.Messages[1].Text())
	assert.Equal(t, message.StatusCancelled, conv.Messages[1].Status)
}

func TestStreamUnknownConversationFails(t *testing.T) {
	p := &fakeProvider{kind: "cloud"}
	m, _ := newTestManager(t, p)

	_, err := m.Stream(context.Background(), "does-not-exist", "m1", "hi")
	assert.Error(t, err)
}

func TestManagerSnapshotReflectsInFlightState(t *testing.T) {
	p := &fakeProvider{kind: "cloud", chunks: []provider.Chunk{
		{StreamID: "s1", Text: "a"},
		{StreamID: "s1", Text: "ab", Done: true},
	}}
	m, _ := newTestManager(t, p)

	snaps, err := m.Stream(context.Background(), "c1", "m1", "hi")
	require.NoError(t, err)

	first := <-snaps
	snap, ok := m.Snapshot(first.StreamID)
	assert.True(t, ok)
	assert.Equal(t, first.Text, snap.Text)

	for range snaps {
	}
}
