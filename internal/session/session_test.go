package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaycore/llmcore/internal/wire"
)

var upgrader = websocket.Upgrader{}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// connectedPair dials a real *wire.Client against an in-process server
// driven by the supplied handler, running the handler after the auth
// handshake succeeds so tests can script arbitrary frame sequences.
func connectedPair(t *testing.T, serve func(conn *websocket.Conn)) (*wire.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		reqFrame, err := wire.Decode(data)
		require.NoError(t, err)
		require.Equal(t, wire.KindAuthRequest, reqFrame.Type)

		success := true
		resp, err := wire.Encode(wire.Frame{Type: wire.KindAuthResponse, Success: &success, SessionID: "sess-1"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, resp))

		serve(conn)
	}))

	c := wire.New(wire.Config{URL: wsURL(srv.URL), APIKey: "k"}, nil)
	require.NoError(t, c.Connect(context.Background()))
	return c, srv
}

func send(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestCorrelatorRoutesCompletionResponse(t *testing.T) {
	client, srv := connectedPair(t, func(conn *websocket.Conn) {
		send(t, conn, wire.Frame{ID: "req-1", Type: wire.KindCompletionResponse,
			Response: &wire.CompletionResponsePayload{Content: "hello"}})
		drainUntilClosed(conn)
	})
	defer srv.Close()
	defer client.Disconnect()

	corr := New(client)
	defer corr.Close()
	pr := corr.Register("req-1")

	select {
	case f := <-pr.Done:
		require.NotNil(t, f.Response)
		assert.Equal(t, "hello", f.Response.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("completion response never routed to pending request")
	}
}

func TestCorrelatorStreamsChunksThenCloses(t *testing.T) {
	client, srv := connectedPair(t, func(conn *websocket.Conn) {
		send(t, conn, wire.Frame{Type: wire.KindStreamingStart, StreamingID: "stream-1"})
		send(t, conn, wire.Frame{Type: wire.KindStreamingMessage, StreamingID: "stream-1", Chunk: "hel"})
		send(t, conn, wire.Frame{Type: wire.KindStreamingMessage, StreamingID: "stream-1", Chunk: "lo"})
		send(t, conn, wire.Frame{Type: wire.KindStreamingEnd, StreamingID: "stream-1"})
		drainUntilClosed(conn)
	})
	defer srv.Close()
	defer client.Disconnect()

	corr := New(client)
	defer corr.Close()
	s := corr.RegisterStream("stream-1", "conv-1")

	var got []string
	for f := range s.Chunks {
		got = append(got, f.Chunk)
	}
	assert.Equal(t, []string{"hel", "lo"}, got)
}

func TestCorrelatorDropsUnmatchedStreamingMessage(t *testing.T) {
	client, srv := connectedPair(t, func(conn *websocket.Conn) {
		send(t, conn, wire.Frame{Type: wire.KindStreamingMessage, StreamingID: "unknown-stream", Chunk: "x"})
		send(t, conn, wire.Frame{ID: "req-2", Type: wire.KindCompletionResponse,
			Response: &wire.CompletionResponsePayload{Content: "still works"}})
		drainUntilClosed(conn)
	})
	defer srv.Close()
	defer client.Disconnect()

	corr := New(client)
	defer corr.Close()

	select {
	case f := <-corr.Unsolicited():
		require.NotNil(t, f.Response)
		assert.Equal(t, "still works", f.Response.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("unmatched completion_response was not delivered as unsolicited")
	}
}

func TestCorrelatorCloseFailsPendingAndStreamsExactlyOnce(t *testing.T) {
	client, srv := connectedPair(t, func(conn *websocket.Conn) {
		drainUntilClosed(conn)
	})
	defer srv.Close()

	corr := New(client)

	pr := corr.Register("req-1")
	s := corr.RegisterStream("stream-1", "conv-1")

	require.NoError(t, client.Disconnect())
	srv.Close()

	select {
	case f := <-pr.Done:
		assert.Equal(t, wire.KindError, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed on close")
	}

	_, open := <-s.Chunks
	assert.False(t, open, "stream channel should be closed after correlator teardown")

	corr.Close() // idempotent, must not panic or double-send
}

func TestCorrelatorCancelUnknownStreamIsNoop(t *testing.T) {
	client, srv := connectedPair(t, func(conn *websocket.Conn) {
		drainUntilClosed(conn)
	})
	defer srv.Close()
	defer client.Disconnect()

	corr := New(client)
	defer corr.Close()

	err := corr.CancelStream(context.Background(), "does-not-exist")
	require.NoError(t, err)
}

func TestCorrelatorForgetRemovesPending(t *testing.T) {
	client, srv := connectedPair(t, func(conn *websocket.Conn) {
		drainUntilClosed(conn)
	})
	defer srv.Close()
	defer client.Disconnect()

	corr := New(client)
	defer corr.Close()

	corr.Register("req-1")
	corr.Forget("req-1")

	corr.mu.RLock()
	_, ok := corr.pending["req-1"]
	corr.mu.RUnlock()
	assert.False(t, ok)
}
