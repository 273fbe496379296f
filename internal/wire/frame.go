// Package wire implements the framed, session-oriented protocol the
// cloud provider speaks over a persistent full-duplex socket: frame
// encoding, the connect/auth/ping/close lifecycle, and the socket client
// that owns one connection.
//
// Every frame is one JSON document: {"id", "version", "type", ...}. Go
// has no tagged unions, so Frame follows the same trick the original
// repo's anthropicStreamEvent used for Anthropic's named SSE events —
// one struct with every kind's fields, each left at its zero value when
// not relevant to Frame.Type.
package wire

import "encoding/json"

// Kind is the frame's discriminant.
type Kind string

const (
	KindAuthRequest        Kind = "auth_request"
	KindAuthResponse       Kind = "auth_response"
	KindCompletionRequest  Kind = "completion_request"
	KindCompletionResponse Kind = "completion_response"
	KindStreamingStart     Kind = "streaming_start"
	KindStreamingMessage   Kind = "streaming_message"
	KindStreamingEnd       Kind = "streaming_end"
	KindCancelStream       Kind = "cancel_stream"
	KindPing               Kind = "ping"
	KindPong               Kind = "pong"
	KindError              Kind = "error"
)

// ProtocolVersion is the only version this client speaks.
const ProtocolVersion = "v1"

// ChatMessage is one message inside a completion_request.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart mirrors the wire shape for a content part directly (the
// cloud adapter translates to/from message.ContentPart at its boundary).
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	ToolCallID string `json:"tool_call_id,omitempty"`
	Result     string `json:"result,omitempty"`
}

// ImageSource is the nested payload of an image content part.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// CompletionResponsePayload is the "response" object of a
// completion_response frame.
type CompletionResponsePayload struct {
	Content    string  `json:"content"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// Usage mirrors provider.Usage for the wire.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Frame is the flattened envelope for every kind. Only the fields
// relevant to Type are populated; everything else stays at its zero
// value and is omitted on the wire via omitempty.
type Frame struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Type    Kind   `json:"type"`

	// auth_request / auth_response / error. "message" is shared between
	// auth_response's human-readable status and error's description —
	// the two kinds never populate it at the same time.
	APIKey         string `json:"api_key,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Success        *bool  `json:"success,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Message        string `json:"message,omitempty"`

	// completion_request
	Model         string        `json:"model,omitempty"`
	Messages      []ChatMessage `json:"messages,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	TopK          *int          `json:"top_k,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	SystemPrompt  string        `json:"system_prompt,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamingID   string        `json:"streaming_id,omitempty"`

	// completion_response
	Response *CompletionResponsePayload `json:"response,omitempty"`

	// streaming_message
	Chunk   string `json:"chunk,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// error
	RequestID string          `json:"request_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Encode serializes a frame to one JSON text frame.
func Encode(f Frame) ([]byte, error) {
	f.Version = ProtocolVersion
	return json.Marshal(f)
}

// Decode parses one JSON text frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

func boolPtr(b bool) *bool { return &b }
