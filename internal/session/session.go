// Package session implements the request/stream correlation layer that
// sits on top of one wire.Client: it matches inbound frames to pending
// requests and active streams.
package session

import (
	"context"
	"log"
	"sync"

	"github.com/gatewaycore/llmcore/internal/wire"
)

// PendingRequest is a single-shot completion channel keyed by request id.
type PendingRequest struct {
	ID   string
	Done chan wire.Frame
}

// StreamSession is the correlation-layer state for one in-flight stream.
// The accumulator itself lives one layer up (in the cloud provider /
// streaming manager); this type only owns what the dispatch loop needs
// to route chunks.
type StreamSession struct {
	StreamID       string
	ConversationID string
	Chunks         chan wire.Frame
	Cancelled      bool
}

// Correlator owns the pending-request map and the stream-session map for
// one wire.Client, and runs the single dispatch loop that drains
// Client.Receive() and routes each frame by kind.
//
// Both maps are multi-reader/multi-writer state and are
// guarded by a single RWMutex; critical sections never perform I/O.
type Correlator struct {
	client *wire.Client

	mu      sync.RWMutex
	pending map[string]*PendingRequest
	streams map[string]*StreamSession

	// unsolicited receives completion_response frames whose request id
	// has no pending entry, and error frames with no matching request,
	// per the boundary behavior.
	unsolicited chan wire.Frame

	done chan struct{}
}

// New creates a Correlator and starts its dispatch loop.
func New(client *wire.Client) *Correlator {
	c := &Correlator{
		client:      client,
		pending:     make(map[string]*PendingRequest),
		streams:     make(map[string]*StreamSession),
		unsolicited: make(chan wire.Frame, 16),
		done:        make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// Unsolicited returns the channel of frames that didn't match any
// pending request or stream — auth-unrelated errors, stray responses.
func (c *Correlator) Unsolicited() <-chan wire.Frame {
	return c.unsolicited
}

// Register installs a PendingRequest under its id.
func (c *Correlator) Register(id string) *PendingRequest {
	pr := &PendingRequest{ID: id, Done: make(chan wire.Frame, 1)}
	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()
	return pr
}

// Forget removes a PendingRequest without waiting for a response — used
// when a caller gives up (timeout, explicit cancel).
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// RegisterStream installs a StreamSession under its streaming id.
func (c *Correlator) RegisterStream(streamID, conversationID string) *StreamSession {
	s := &StreamSession{StreamID: streamID, ConversationID: conversationID, Chunks: make(chan wire.Frame, 16)}
	c.mu.Lock()
	c.streams[streamID] = s
	c.mu.Unlock()
	return s
}

// CancelStream sends a cancel_stream frame for streamID and removes the
// session. Cancelling an unknown or already-removed stream is a no-op
// that returns nil.
func (c *Correlator) CancelStream(ctx context.Context, streamID string) error {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	if ok {
		s.Cancelled = true
		delete(c.streams, streamID)
		close(s.Chunks)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.client.Send(wire.Frame{ID: streamID, Type: wire.KindCancelStream, StreamingID: streamID})
}

// Close tears down the correlator, exactly once for each entry: every
// pending request receives an error frame with code "connection_closed",
// and every active stream has its Chunks channel closed.
func (c *Correlator) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}

	c.mu.Lock()
	pending := c.pending
	streams := c.streams
	c.pending = make(map[string]*PendingRequest)
	c.streams = make(map[string]*StreamSession)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.Done <- wire.Frame{Type: wire.KindError, Code: "connection_closed"}
	}
	for _, s := range streams {
		close(s.Chunks)
	}
}

func (c *Correlator) dispatchLoop() {
	for {
		select {
		case f, ok := <-c.client.Receive():
			if !ok {
				c.Close()
				return
			}
			c.dispatch(f)
		case <-c.done:
			return
		}
	}
}

func (c *Correlator) dispatch(f wire.Frame) {
	switch f.Type {
	case wire.KindCompletionResponse, wire.KindAuthResponse:
		c.mu.Lock()
		pr, ok := c.pending[f.ID]
		if ok {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if ok {
			pr.Done <- f
		} else {
			c.emitUnsolicited(f)
		}

	case wire.KindStreamingStart:
		log.Printf("session: stream %s started", f.StreamingID)

	case wire.KindStreamingMessage:
		c.mu.RLock()
		s, ok := c.streams[f.StreamingID]
		c.mu.RUnlock()
		if !ok {
			// Boundary behavior: silently dropped.
			return
		}
		select {
		case s.Chunks <- f:
		default:
			// Consumer isn't keeping up and the channel's full — treat
			// as a dead consumer: cancel upstream and drop the session.
			_ = c.CancelStream(context.Background(), f.StreamingID)
		}

	case wire.KindStreamingEnd:
		c.mu.Lock()
		s, ok := c.streams[f.StreamingID]
		if ok {
			delete(c.streams, f.StreamingID)
		}
		c.mu.Unlock()
		if ok {
			close(s.Chunks)
		}

	case wire.KindError:
		if f.RequestID != "" {
			c.mu.Lock()
			pr, ok := c.pending[f.RequestID]
			if ok {
				delete(c.pending, f.RequestID)
			}
			c.mu.Unlock()
			if ok {
				pr.Done <- f
				return
			}
		}
		c.emitUnsolicited(f)

	case wire.KindPong:
		// The client's receive loop drops pong frames, so none reach
		// this layer; nothing to do here.

	default:
		log.Printf("session: unhandled frame type %q", f.Type)
	}
}

func (c *Correlator) emitUnsolicited(f wire.Frame) {
	select {
	case c.unsolicited <- f:
	default:
		log.Printf("session: dropping unsolicited frame %s (channel full)", f.ID)
	}
}
