// Package streaming implements the streaming session manager: it owns the
// six-step send/stream flow — append the user turn, pick a provider,
// build the accumulator, register the session, forward chunks, and react
// to the consumer going away by cancelling upstream.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/provider"
	"github.com/gatewaycore/llmcore/internal/router"
	"github.com/gatewaycore/llmcore/internal/store"
)

// Status is a streaming session's lifecycle state.
type Status int

const (
	StatusStreaming Status = iota
	StatusComplete
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "streaming"
	}
}

// Snapshot is one point-in-time view of a streaming session, delivered to
// consumers (the SSE writer) over the channel Manager.Stream returns.
type Snapshot struct {
	StreamID string
	Text     string
	Status   Status
	Usage    *provider.Usage
	Err      error
}

// session is the manager's private bookkeeping for one in-flight stream.
type session struct {
	streamID       string
	conversationID string
	messageID      string

	mu     sync.RWMutex
	text   string
	status Status
}

func (s *session) snapshot(usage *provider.Usage, err error) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{StreamID: s.streamID, Text: s.text, Status: s.status, Usage: usage, Err: err}
}

// Manager coordinates streaming completions across the store and router.
type Manager struct {
	store  *store.ConversationStore
	router *router.Router
	cache  *store.SessionCache // optional; nil disables recovery-state tracking

	interChunkTimeout time.Duration // default 30s
	overallTimeout    time.Duration // default 10m

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Manager with the default timeouts; override with
// SetTimeouts if the deployment needs different bounds.
func New(st *store.ConversationStore, r *router.Router) *Manager {
	return &Manager{
		store:             st,
		router:            r,
		interChunkTimeout: 30 * time.Second,
		overallTimeout:    10 * time.Minute,
		sessions:          make(map[string]*session),
	}
}

// SetTimeouts overrides the default inter-chunk and overall streaming
// timeouts.
func (m *Manager) SetTimeouts(interChunk, overall time.Duration) {
	m.interChunkTimeout = interChunk
	m.overallTimeout = overall
}

// SetSessionCache attaches a redis-backed recovery cache. Once set, every
// active stream's progress is mirrored there so a reconnecting client can
// resume instead of replaying the whole conversation from scratch.
func (m *Manager) SetSessionCache(c *store.SessionCache) {
	m.cache = c
}

func (m *Manager) putRecovery(ctx context.Context, sess *session, pendingStreamID string) {
	if m.cache == nil {
		return
	}
	sess.mu.RLock()
	lastMessageID := sess.messageID
	sess.mu.RUnlock()
	_ = m.cache.Put(ctx, store.RecoveryState{
		SessionID:       sess.conversationID,
		ConversationID:  sess.conversationID,
		LastMessageID:   lastMessageID,
		PendingStreamID: pendingStreamID,
		UpdatedAt:       time.Now(),
	})
}

// Send performs a non-streaming completion: append the user message,
// complete through the router, append the assistant reply, persist both.
func (m *Manager) Send(ctx context.Context, conversationID, modelID, userText string) (*message.Message, error) {
	conv, ok := m.store.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("streaming: unknown conversation %q", conversationID)
	}

	userMsg := message.New(message.RoleUser, userText, uuid.NewString(), time.Now())
	if err := m.store.Mutate(conversationID, func(c *message.Conversation) error {
		return c.AppendMessage(userMsg)
	}); err != nil {
		return nil, err
	}
	// conv is the same pointer the store just mutated in place, so its
	// Messages already include userMsg.
	history := append([]message.Message(nil), conv.Messages...)

	reply, err := m.router.Complete(ctx, modelID, history)
	if err != nil {
		_ = m.store.Mutate(conversationID, func(c *message.Conversation) error {
			c.SetMessageStatus(userMsg.ID, message.StatusFailed)
			return nil
		})
		return nil, err
	}
	reply.ID = uuid.NewString()
	reply.CreatedAt = time.Now()

	if err := m.store.Mutate(conversationID, func(c *message.Conversation) error {
		return c.AppendMessage(*reply)
	}); err != nil {
		return nil, err
	}
	return reply, nil
}

// Stream performs the six-step streaming flow from and returns a
// channel of Snapshots. The caller ending its read loop early (closing out
// the surrounding request context) cancels the stream upstream — step 6.
func (m *Manager) Stream(ctx context.Context, conversationID, modelID, userText string) (<-chan Snapshot, error) {
	// Step 1: append + persist the user message.
	conv, ok := m.store.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("streaming: unknown conversation %q", conversationID)
	}
	userMsg := message.New(message.RoleUser, userText, uuid.NewString(), time.Now())
	if err := m.store.Mutate(conversationID, func(c *message.Conversation) error {
		return c.AppendMessage(userMsg)
	}); err != nil {
		return nil, err
	}
	// conv is the same pointer the store just mutated in place, so its
	// Messages already include userMsg.
	history := append([]message.Message(nil), conv.Messages...)

	// Step 2: ensure provider readiness by attempting to start the stream;
	// Router.Stream already selects and validates the provider.
	chunks, err := m.router.Stream(ctx, modelID, history)
	if err != nil {
		_ = m.store.Mutate(conversationID, func(c *message.Conversation) error {
			c.SetMessageStatus(userMsg.ID, message.StatusFailed)
			return nil
		})
		return nil, err
	}

	// Step 3: build the accumulator message (empty text, grows per chunk).
	sess := &session{
		conversationID: conversationID,
		messageID:      uuid.NewString(),
		status:         StatusStreaming,
	}

	// Step 4: register the session (streamID arrives on the first chunk,
	// per provider.Chunk's contract — see CloudProvider.pump's marker chunk).
	out := make(chan Snapshot, 16)
	go m.forward(ctx, sess, chunks, out)
	return out, nil
}

// forward is the step-5 goroutine: it reads provider chunks, applies the
// inter-chunk/overall timeouts, updates the accumulator, and on
// completion or cancellation persists the final assistant message.
func (m *Manager) forward(ctx context.Context, sess *session, chunks <-chan provider.Chunk, out chan<- Snapshot) {
	defer close(out)

	overallTimer := time.NewTimer(m.overallTimeout)
	defer overallTimer.Stop()
	interChunkTimer := time.NewTimer(m.interChunkTimeout)
	defer interChunkTimer.Stop()

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				m.finish(ctx, sess, StatusComplete, nil, out)
				return
			}
			if sess.streamID == "" && c.StreamID != "" {
				sess.streamID = c.StreamID
				m.mu.Lock()
				m.sessions[c.StreamID] = sess
				m.mu.Unlock()
			}
			if !interChunkTimer.Stop() {
				<-interChunkTimer.C
			}
			interChunkTimer.Reset(m.interChunkTimeout)

			if c.Err != nil {
				m.finish(ctx, sess, StatusFailed, c.Err, out)
				return
			}

			sess.mu.Lock()
			sess.text = c.Text
			sess.mu.Unlock()

			out <- sess.snapshot(c.Usage, nil)
			m.putRecovery(ctx, sess, sess.streamID)
			if c.Done {
				m.finish(ctx, sess, StatusComplete, nil, out)
				return
			}

		case <-interChunkTimer.C:
			m.cancelAndFinish(ctx, sess, fmt.Errorf("streaming: no chunk received within %s", m.interChunkTimeout), out)
			return

		case <-overallTimer.C:
			m.cancelAndFinish(ctx, sess, fmt.Errorf("streaming: exceeded overall timeout %s", m.overallTimeout), out)
			return

		case <-ctx.Done():
			// Step 6: the consumer went away — cancel upstream and keep
			// the partial text, per the open-question resolution.
			m.cancelAndFinish(ctx, sess, nil, out)
			return
		}
	}
}

func (m *Manager) cancelAndFinish(ctx context.Context, sess *session, cause error, out chan<- Snapshot) {
	if sess.streamID != "" {
		_ = m.router.CancelStream(context.Background(), sess.streamID)
	}
	status := StatusCancelled
	if cause != nil {
		status = StatusFailed
	}
	m.finish(ctx, sess, status, cause, out)
}

// messageStatus maps a streaming session's terminal Status onto the
// persisted message.Status it should leave behind, so a cancelled or
// failed turn is distinguishable from a completed one in the stored
// history instead of looking like any other assistant reply.
func messageStatus(s Status) message.Status {
	switch s {
	case StatusComplete:
		return message.StatusComplete
	case StatusCancelled:
		return message.StatusCancelled
	case StatusFailed:
		return message.StatusFailed
	default:
		return message.StatusStreaming
	}
}

// finish persists the accumulator's final text as an assistant message
// (kept even on cancellation/failure, per the resolution, with its status
// set accordingly) and emits the terminal Snapshot.
func (m *Manager) finish(ctx context.Context, sess *session, status Status, cause error, out chan<- Snapshot) {
	sess.mu.Lock()
	sess.status = status
	text := sess.text
	sess.mu.Unlock()

	if sess.streamID != "" {
		m.mu.Lock()
		delete(m.sessions, sess.streamID)
		m.mu.Unlock()
	}

	assistantMsg := message.New(message.RoleAssistant, text, sess.messageID, time.Now())
	assistantMsg.Status = messageStatus(status)
	_ = m.store.Mutate(sess.conversationID, func(c *message.Conversation) error {
		return c.AppendMessage(assistantMsg)
	})

	m.putRecovery(ctx, sess, "")
	out <- sess.snapshot(nil, cause)
}

// Snapshot returns the current state of an in-flight stream, for callers
// that poll rather than consume the channel. Once a stream has finished
// its session is dropped and Snapshot reports false.
func (m *Manager) Snapshot(streamID string) (Snapshot, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[streamID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return sess.snapshot(nil, nil), true
}
