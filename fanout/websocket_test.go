package fanout

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketHandler_StreamsEnvelopes(t *testing.T) {
	hub := NewHub()
	h := NewWebSocketHandler(hub, WebSocketConfig{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Subscribers(TopicRunsCompleted) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), TopicRunsCompleted, []byte(`{"run":{"runId":"r1"}}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "data", env.Type)
	assert.NotEmpty(t, env.ID)
	assert.NotZero(t, env.Timestamp)
	assert.JSONEq(t, `{"run":{"runId":"r1"}}`, string(env.Payload))
}

func TestWebSocketHandler_ClientLeaveUnsubscribes(t *testing.T) {
	hub := NewHub()
	h := NewWebSocketHandler(hub, WebSocketConfig{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return h.Clients() == 0 && hub.Subscribers(TopicRunsCompleted) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_HubShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	h := NewWebSocketHandler(hub, WebSocketConfig{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Subscribers(TopicRunsCompleted) == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	h.Wait()
}
