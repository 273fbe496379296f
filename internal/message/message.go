// Package message defines the conversation data model shared by every
// provider, the conversation store, the streaming manager, and the sync
// engine: messages, content parts, conversations, and model descriptors.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// PartType tags the discriminated union of content parts. Go has no sum
// types, so ContentPart carries one field per variant and PartType says
// which one is populated — the same trick the Anthropic stream events use
// for message_start/content_block_delta/message_delta/message_stop.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ImageSource is the payload of an image content part, matching the wire
// shape in: {"type":"base64"|"url","media_type"?,"data"|"url"}.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentPart is one piece of a message's content. Exactly one of the
// type-specific fields is meaningful, selected by Type.
type ContentPart struct {
	Type PartType

	Text string

	Image *ImageSource

	ToolCallID   string // tool_call.id, or tool_result.tool_call_id
	ToolName     string
	ToolArgument json.RawMessage

	ToolResult string
}

// TextPart is a convenience constructor for the overwhelmingly common case.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// wireContentPart mirrors the exact JSON shape from for each
// variant. MarshalJSON/UnmarshalJSON translate ContentPart to/from this
// shape so the in-memory type and the wire type never drift apart.
type wireContentPart struct {
	Type         PartType        `json:"type"`
	Text         string          `json:"text,omitempty"`
	Source       *ImageSource    `json:"source,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	Result       string          `json:"result,omitempty"`
}

func (p ContentPart) MarshalJSON() ([]byte, error) {
	w := wireContentPart{Type: p.Type}
	switch p.Type {
	case PartText:
		w.Text = p.Text
	case PartImage:
		w.Source = p.Image
	case PartToolCall:
		w.ID = p.ToolCallID
		w.Name = p.ToolName
		w.Arguments = p.ToolArgument
	case PartToolResult:
		w.ToolCallID = p.ToolCallID
		w.Result = p.ToolResult
	default:
		return nil, fmt.Errorf("message: unknown content part type %q", p.Type)
	}
	return json.Marshal(w)
}

func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var w wireContentPart
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = ContentPart{Type: w.Type}
	switch w.Type {
	case PartText:
		p.Text = w.Text
	case PartImage:
		p.Image = w.Source
	case PartToolCall:
		p.ToolCallID = w.ID
		p.ToolName = w.Name
		p.ToolArgument = w.Arguments
	case PartToolResult:
		p.ToolCallID = w.ToolCallID
		p.ToolResult = w.Result
	default:
		return fmt.Errorf("message: unknown content part type %q", w.Type)
	}
	return nil
}

// Status is a message's delivery/generation state. A message that was
// fully formed when it was constructed (the common case: a decoded
// completion response, a user turn that was successfully persisted)
// carries StatusComplete; StatusSending/StatusStreaming mark a turn still
// in flight, and StatusFailed/StatusCancelled mark one that didn't finish
// cleanly — the conversation keeps it rather than discarding it.
type Status string

const (
	StatusSending   Status = "sending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Message is one turn in a conversation. Content always has at least one
// part — see Validate.
type Message struct {
	ID        string                     `json:"id"`
	Role      Role                       `json:"role"`
	Content   []ContentPart              `json:"content"`
	Status    Status                     `json:"status"`
	Metadata  map[string]json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
}

// New builds a single-part text message, already StatusComplete, with the
// caller-supplied id and createdAt. Callers (the providers, the streaming
// manager) control id generation and clocking instead of this package
// reaching for uuid/time globals itself.
func New(role Role, text string, id string, createdAt time.Time) Message {
	return Message{
		ID:        id,
		Role:      role,
		Content:   []ContentPart{TextPart(text)},
		Status:    StatusComplete,
		CreatedAt: createdAt,
	}
}

// Validate enforces the invariant that every message carries at least
// one content part.
func (m Message) Validate() error {
	if len(m.Content) == 0 {
		return fmt.Errorf("message %s: must have at least one content part", m.ID)
	}
	return nil
}

// Text concatenates every text part, in order. This is the common case
// used by providers that only deal in plain text.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
