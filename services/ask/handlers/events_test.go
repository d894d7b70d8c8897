package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kettleglass/kettle/pkg/logging"
	"github.com/kettleglass/kettle/services/ask/datatypes"
)

func newEventsServer(t *testing.T) (*EventHub, *websocket.Conn) {
	t.Helper()

	hub := NewEventHub(logging.New(logging.Config{Level: logging.LevelError, Quiet: true}))
	state := datatypes.RequestState{Visible: true, CurrentQuestion: "pending?", ShowTextInput: true}

	r := gin.New()
	r.GET("/v1/ask/events", hub.HandleEvents(func() datatypes.RequestState { return state }))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ask/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return hub, conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	return raw
}

func eventType(t *testing.T, raw map[string]json.RawMessage) string {
	t.Helper()
	var typ string
	require.NoError(t, json.Unmarshal(raw["type"], &typ))
	return typ
}

func TestEventHub_SendsStateOnConnect(t *testing.T) {
	hub, conn := newEventsServer(t)

	raw := readEvent(t, conn)
	assert.Equal(t, "state", eventType(t, raw))

	var state datatypes.RequestState
	require.NoError(t, json.Unmarshal(raw["state"], &state))
	assert.Equal(t, "pending?", state.CurrentQuestion)

	assert.True(t, hub.SurfaceAvailable())
}

func TestEventHub_BroadcastsStateAndErrors(t *testing.T) {
	hub, conn := newEventsServer(t)
	readEvent(t, conn) // initial snapshot

	hub.PublishState(datatypes.RequestState{Streaming: true, CurrentResponse: "partial"})
	raw := readEvent(t, conn)
	require.Equal(t, "state", eventType(t, raw))
	var state datatypes.RequestState
	require.NoError(t, json.Unmarshal(raw["state"], &state))
	assert.Equal(t, "partial", state.CurrentResponse)
	assert.True(t, state.Streaming)

	hub.PublishStreamError("provider error: boom")
	raw = readEvent(t, conn)
	require.Equal(t, "stream_error", eventType(t, raw))
	var msg string
	require.NoError(t, json.Unmarshal(raw["message"], &msg))
	assert.Contains(t, msg, "boom")

	hub.RequestVisibility(false)
	raw = readEvent(t, conn)
	assert.Equal(t, "visibility", eventType(t, raw))
}

func TestEventHub_UnavailableWithoutClients(t *testing.T) {
	hub := NewEventHub(logging.New(logging.Config{Level: logging.LevelError, Quiet: true}))
	assert.False(t, hub.SurfaceAvailable())

	// Broadcasting with no clients must not panic or block.
	hub.PublishState(datatypes.RequestState{})
	hub.PublishStreamError("nobody listening")
}

func TestEventHub_DisconnectMakesSurfaceUnavailable(t *testing.T) {
	hub, conn := newEventsServer(t)
	readEvent(t, conn)
	require.True(t, hub.SurfaceAvailable())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return !hub.SurfaceAvailable()
	}, 2*time.Second, 10*time.Millisecond)
}
