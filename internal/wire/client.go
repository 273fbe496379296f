package wire

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Status is the socket client's lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusAuthFailed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusError:
		return "error"
	default:
		return "disconnected"
	}
}

// Config configures one Client.
type Config struct {
	URL            string
	APIKey         string
	OrganizationID string

	ConnectTimeout    time.Duration // default 30s
	HeartbeatInterval time.Duration // default 60s: a ping is sent every interval, whatever was heard
	HeartbeatTimeout  time.Duration // default 10s; not enforced: a missing pong does not fail the connection
	SendQueueSize     int           // default 64

	// Reconnect, if true, triggers bounded exponential backoff on an
	// unexpected connection loss.
	Reconnect        bool
	MaxReconnects    int
	ReconnectBackoff time.Duration // base delay; doubles each attempt
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 64
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 5
	}
}

// Dialer abstracts websocket.DefaultDialer so tests can substitute a fake
// transport without a real network connection.
type Dialer interface {
	Dial(urlStr string, header map[string][]string) (*websocket.Conn, error)
}

type defaultDialer struct{}

func (defaultDialer) Dial(urlStr string, header map[string][]string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, header)
	return conn, err
}

// Client owns one persistent full-duplex connection to the cloud
// endpoint: one send goroutine, one receive goroutine, a bounded
// outbound queue, and the heartbeat/reconnect machinery.
type Client struct {
	cfg    Config
	dialer Dialer

	mu     sync.RWMutex
	status Status
	conn   *websocket.Conn

	outbound chan Frame
	inbound  chan Frame
	closed   chan struct{}

	reconnects    int
	closeInboundOnce sync.Once
}

// New creates a Client; call Connect to establish the connection.
func New(cfg Config, dialer Dialer) *Client {
	cfg.setDefaults()
	if dialer == nil {
		dialer = defaultDialer{}
	}
	return &Client{
		cfg:      cfg,
		dialer:   dialer,
		status:   StatusDisconnected,
		outbound: make(chan Frame, cfg.SendQueueSize),
		inbound:  make(chan Frame, cfg.SendQueueSize),
		closed:   make(chan struct{}),
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Connect opens the transport, performs the handshake, and blocks until
// auth succeeds or fails.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.setStatus(StatusError)
		return fmt.Errorf("wire: dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.receiveLoop()
	go c.sendLoop()

	authFrame := Frame{
		ID:             newFrameID(),
		Type:           KindAuthRequest,
		APIKey:         c.cfg.APIKey,
		OrganizationID: c.cfg.OrganizationID,
	}

	respCh := make(chan Frame, 1)
	go func() {
		for f := range c.inbound {
			if f.Type == KindAuthResponse {
				respCh <- f
				return
			}
		}
	}()

	if err := c.Send(authFrame); err != nil {
		c.setStatus(StatusError)
		return err
	}

	select {
	case resp := <-respCh:
		if resp.Success == nil || !*resp.Success {
			c.setStatus(StatusAuthFailed)
			return fmt.Errorf("wire: authentication failed: %s", resp.Message)
		}
		c.setStatus(StatusConnected)
		return nil
	case <-ctx.Done():
		c.setStatus(StatusError)
		return fmt.Errorf("wire: handshake timed out: %w", ctx.Err())
	}
}

// Send enqueues one frame for transmission. Nonblocking from the
// caller's perspective up to the queue's capacity; returns an error if
// the connection is already closed.
func (c *Client) Send(f Frame) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- f:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// Receive returns the channel of decoded inbound frames, excluding the
// auth_response already consumed by Connect and pong frames, which the
// receive loop drops. Callers (the session correlation layer) read from this
// in a loop, and treat the channel closing as the connection's permanent
// end — the correlation layer fails every pending request/stream when
// that happens.
func (c *Client) Receive() <-chan Frame {
	return c.inbound
}

// closeInbound closes the inbound channel exactly once, signaling
// Receive() callers that the connection is permanently gone (as opposed
// to a transient failure that will retry via reconnect).
func (c *Client) closeInbound() {
	c.closeInboundOnce.Do(func() { close(c.inbound) })
}

// Disconnect sends a graceful close frame (2s write deadline), then tears
// down the transport. The outbound queue is not drained first: frames
// still queued when the send loop exits are never sent.
func (c *Client) Disconnect() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := conn.Close()
	c.closeInbound()
	return err
}

func (c *Client) sendLoop() {
	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case f, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.writeFrame(f); err != nil {
				log.Printf("wire: write frame failed: %v", err)
				c.fail(err)
				return
			}
		case <-heartbeat.C:
			if err := c.writeFrame(Frame{ID: newFrameID(), Type: KindPing}); err != nil {
				log.Printf("wire: heartbeat ping failed: %v", err)
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Client) writeFrame(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrConnectionClosed
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) receiveLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("wire: read loop ended: %v", err)
			c.fail(err)
			return
		}
		f, err := Decode(data)
		if err != nil {
			log.Printf("wire: malformed frame dropped: %v", err)
			continue
		}
		if f.Type == KindPong {
			continue
		}
		select {
		case c.inbound <- f:
		case <-c.closed:
			return
		}
	}
}

// fail transitions the client to Error and, if configured, schedules a
// reconnect with bounded exponential backoff.
func (c *Client) fail(cause error) {
	select {
	case <-c.closed:
		return
	default:
	}
	c.setStatus(StatusError)

	if !c.cfg.Reconnect || c.reconnects >= c.cfg.MaxReconnects {
		close(c.closed)
		c.closeInbound()
		return
	}

	c.reconnects++
	delay := c.cfg.ReconnectBackoff * time.Duration(1<<uint(c.reconnects-1))
	log.Printf("wire: reconnecting in %s (attempt %d/%d): %v", delay, c.reconnects, c.cfg.MaxReconnects, cause)

	go func() {
		time.Sleep(delay)
		if err := c.Connect(context.Background()); err != nil {
			log.Printf("wire: reconnect attempt %d failed: %v", c.reconnects, err)
			c.fail(err)
		}
	}()
}

var frameIDSeq uint64
var frameIDMu sync.Mutex

// newFrameID produces a process-unique id. The session/provider layers
// that need globally-unique ids use google/uuid; this is only used for
// protocol-internal frames (auth, ping) where uniqueness within one
// connection is all that's required.
func newFrameID() string {
	frameIDMu.Lock()
	frameIDSeq++
	id := frameIDSeq
	frameIDMu.Unlock()
	return fmt.Sprintf("wire-%d-%d", time.Now().UnixNano(), id)
}
