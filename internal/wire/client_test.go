package wire

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
)

var upgrader = websocket.Upgrader{}

// newAuthServer starts a test server that accepts the websocket upgrade,
// reads exactly one auth_request, and replies according to accept.
func newAuthServer(t *testing.T, accept bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		reqFrame, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, KindAuthRequest, reqFrame.Type)

		resp := Frame{ID: newFrameID(), Type: KindAuthResponse, Success: boolPtr(accept)}
		if accept {
			resp.SessionID = "sess-1"
		} else {
			resp.Message = "invalid api key"
		}
		payload, err := Encode(resp)
		require.NoError(t, err)
		_ = conn.WriteMessage(websocket.TextMessage, payload)

		// Keep the connection open briefly so heartbeat/read loops can
		// exercise without racing test teardown.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientConnectSuccess(t *testing.T) {
	srv := newAuthServer(t, true)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv.URL), APIKey: "good-key"}, nil)
	err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, c.Status())

	_ = c.Disconnect()
}

func TestClientConnectAuthFailure(t *testing.T) {
	srv := newAuthServer(t, false)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv.URL), APIKey: "bad-key"}, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusAuthFailed, c.Status())
}

func TestClientDisconnectIsIdempotent(t *testing.T) {
	srv := newAuthServer(t, true)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv.URL), APIKey: "good-key"}, nil)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestClientSendAfterDisconnectFails(t *testing.T) {
	srv := newAuthServer(t, true)
	defer srv.Close()

	c := New(Config{URL: wsURL(srv.URL), APIKey: "good-key"}, nil)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	err := c.Send(Frame{ID: "x", Type: KindPing})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClientConnectTimeoutWhenServerNeverResponds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		// Never respond to the auth request.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Config{URL: wsURL(srv.URL), APIKey: "k", ConnectTimeout: 100 * time.Millisecond}, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusError, c.Status())
}
