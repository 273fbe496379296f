package message

import (
	"fmt"
	"time"
)

// Capabilities are the feature flags a model advertises.
type Capabilities struct {
	Vision           bool `json:"vision"`
	Functions        bool `json:"functions"`
	Streaming        bool `json:"streaming"`
	MaxContextLength int  `json:"max_context_length"`
}

// ModelDescriptor describes a model, remote or local. The local-only
// fields are zero-valued for remote models.
type ModelDescriptor struct {
	ID           string       `json:"id"`
	Provider     string       `json:"provider"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`

	// Local-only fields.
	Local          bool   `json:"local,omitempty"`
	Path           string `json:"path,omitempty"`
	Quantization   string `json:"quantization,omitempty"`
	ParameterCount int64  `json:"parameter_count,omitempty"`
	Installed      bool   `json:"installed,omitempty"`
	DownloadURL    string `json:"download_url,omitempty"`
}

// Conversation is an ordered sequence of messages bound to a model. Once
// created, Model never changes — see New.
type Conversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Model     ModelDescriptor `json:"model"`
	Messages  []Message       `json:"messages"`
}

// NewConversation creates an empty conversation bound to model, which is
// immutable for the conversation's lifetime from this point on.
func NewConversation(id, title string, model ModelDescriptor, createdAt time.Time) *Conversation {
	return &Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Model:     model,
		Messages:  nil,
	}
}

// SystemMessageIndex returns the index of the system-role message, if
// any. Per the invariant there is at most one, and it sits at index 0.
func (c *Conversation) SystemMessageIndex() int {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return 0
	}
	return -1
}

// AppendMessage adds msg to the conversation and advances UpdatedAt to at
// least msg.CreatedAt, preserving the invariant that UpdatedAt never
// falls behind the newest message.
func (c *Conversation) AppendMessage(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Role == RoleSystem && c.SystemMessageIndex() != -1 {
		return fmt.Errorf("conversation %s: already has a system message; use SetSystemMessage", c.ID)
	}
	c.Messages = append(c.Messages, msg)
	if msg.Role == RoleSystem {
		// A system message must live at index 0. If it was appended
		// anywhere else (empty conversation aside), move it to front.
		last := len(c.Messages) - 1
		if last != 0 {
			copy(c.Messages[1:], c.Messages[:last])
			c.Messages[0] = msg
		}
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	return nil
}

// SetSystemMessage replaces the existing system message's content in
// place, or prepends a new one if none exists. It never creates a second
// system message — the invariant.
func (c *Conversation) SetSystemMessage(content, id string, at time.Time) {
	idx := c.SystemMessageIndex()
	if idx != -1 {
		c.Messages[idx].Content = []ContentPart{TextPart(content)}
		c.Messages[idx].CreatedAt = at
	} else {
		sysMsg := New(RoleSystem, content, id, at)
		c.Messages = append([]Message{sysMsg}, c.Messages...)
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}

// LastAssistantMessage returns the most recent assistant-role message, if
// any, used by the streaming manager to locate the message it's updating.
func (c *Conversation) LastAssistantMessage() (*Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return &c.Messages[i], true
		}
	}
	return nil, false
}

// SetMessageStatus updates the status of the message with the given id in
// place, reporting whether a message with that id was found. The streaming
// manager uses this to mark a user message Failed after a send fails.
func (c *Conversation) SetMessageStatus(id string, status Status) bool {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			c.Messages[i].Status = status
			return true
		}
	}
	return false
}
