package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecoveryState is the session recovery state document: the minimum a
// client needs to resume a warm reconnect without replaying the whole
// conversation.
type RecoveryState struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	LastMessageID  string    `json:"last_message_id"`
	PendingStreamID string   `json:"pending_stream_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SessionCache mirrors RecoveryState documents in redis, keyed by session
// id, so a reconnecting client's state survives this process restarting.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionCache wraps an existing redis client. ttl is how long a
// recovery document survives without being refreshed; zero means no
// expiry.
func NewSessionCache(client *redis.Client, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return "llmcore:session:" + sessionID
}

// Put upserts the recovery state for a session.
func (c *SessionCache) Put(ctx context.Context, state RecoveryState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal recovery state: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(state.SessionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store: write recovery state: %w", err)
	}
	return nil
}

// Get returns the recovery state for a session, or ok=false if absent or
// expired.
func (c *SessionCache) Get(ctx context.Context, sessionID string) (RecoveryState, bool, error) {
	data, err := c.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return RecoveryState{}, false, nil
	}
	if err != nil {
		return RecoveryState{}, false, fmt.Errorf("store: read recovery state: %w", err)
	}

	var state RecoveryState
	if err := json.Unmarshal(data, &state); err != nil {
		return RecoveryState{}, false, fmt.Errorf("store: decode recovery state: %w", err)
	}
	return state, true, nil
}

// Delete removes a session's recovery state, e.g. once the client
// acknowledges a clean resume.
func (c *SessionCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("store: delete recovery state: %w", err)
	}
	return nil
}
