package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/llmcore/internal/message"
)

func TestCreateAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	model := message.ModelDescriptor{ID: "gpt-x", Provider: "cloud"}
	conv := message.NewConversation("c1", "first chat", model, time.Now())
	require.NoError(t, s.Create(conv))

	got, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "first chat", got.Title)
}

func TestCreatePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir)
	require.NoError(t, err)

	model := message.ModelDescriptor{ID: "gpt-x", Provider: "cloud"}
	conv := message.NewConversation("c1", "persisted", model, time.Now())
	require.NoError(t, s1.Create(conv))

	s2, err := New(dir)
	require.NoError(t, err)
	got, ok := s2.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "persisted", got.Title)
}

func TestMutateAppendsMessageAndPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	model := message.ModelDescriptor{ID: "gpt-x", Provider: "cloud"}
	conv := message.NewConversation("c1", "chat", model, time.Now())
	require.NoError(t, s.Create(conv))

	err = s.Mutate("c1", func(c *message.Conversation) error {
		return c.AppendMessage(message.New(message.RoleUser, "hello", "m1", time.Now()))
	})
	require.NoError(t, err)

	got, _ := s.Get("c1")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Text())
}

func TestMutateUnknownConversationFails(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	err = s.Mutate("missing", func(c *message.Conversation) error { return nil })
	assert.Error(t, err)
}

func TestListReturnsAllConversations(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	model := message.ModelDescriptor{ID: "gpt-x", Provider: "cloud"}
	require.NoError(t, s.Create(message.NewConversation("c1", "a", model, time.Now())))
	require.NoError(t, s.Create(message.NewConversation("c2", "b", model, time.Now())))

	assert.Len(t, s.List(), 2)
}

func TestListOrdersNewestUpdatedFirst(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	model := message.ModelDescriptor{ID: "gpt-x", Provider: "cloud"}
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	require.NoError(t, s.Create(message.NewConversation("old", "older", model, older)))
	require.NoError(t, s.Create(message.NewConversation("new", "newer", model, newer)))

	got := s.List()
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "old", got[1].ID)
}

func TestDeleteRemovesConversationAndFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	model := message.ModelDescriptor{ID: "gpt-x", Provider: "cloud"}
	require.NoError(t, s.Create(message.NewConversation("c1", "a", model, time.Now())))

	require.NoError(t, s.Delete("c1"))
	_, ok := s.Get("c1")
	assert.False(t, ok)

	s2, err := New(dir)
	require.NoError(t, err)
	_, ok = s2.Get("c1")
	assert.False(t, ok)
}
