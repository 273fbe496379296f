package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	success := true
	f := Frame{
		ID:   "req-1",
		Type: KindCompletionRequest,
		Model: "claude-3-opus",
		Messages: []ChatMessage{
			{Role: "user", Content: []ContentPart{{Type: "text", Text: "hello"}}},
		},
		MaxTokens:   256,
		Temperature: 0.7,
		Stream:      true,
		StreamingID: "stream-1",
	}
	_ = success

	data, err := Encode(f)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ProtocolVersion, decoded.Version)
	assert.Equal(t, f.Model, decoded.Model)
	assert.Len(t, decoded.Messages, 1)
	assert.Equal(t, "hello", decoded.Messages[0].Content[0].Text)
	assert.True(t, decoded.Stream)
}

func TestAuthResponseSuccessField(t *testing.T) {
	raw := `{"id":"1","version":"v1","type":"auth_response","success":true,"session_id":"s1"}`
	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, f.Success)
	assert.True(t, *f.Success)
	assert.Equal(t, "s1", f.SessionID)
}

func TestAuthResponseFailureOmitsSessionID(t *testing.T) {
	f := Frame{ID: "1", Type: KindAuthResponse, Success: boolPtr(false), Message: "bad key"}
	data, err := Encode(f)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	_, hasSessionID := raw["session_id"]
	assert.False(t, hasSessionID)
}
