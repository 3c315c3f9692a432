package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub(NewUpgrader(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, r.URL.Query().Get("client"))
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv, cancel
}

func TestHubBroadcastsToEveryClient(t *testing.T) {
	hub, srv, _ := startHub(t)

	a := dial(t, wsURL(srv)+"?client=a")
	b := dial(t, wsURL(srv)+"?client=b")
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, waitFor, tick)

	hub.BroadcastJSON("status", map[string]string{"panel_id": "p1", "state": "running"})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(waitFor))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "status", msg.Type)
		assert.JSONEq(t, `{"panel_id":"p1","state":"running"}`, string(msg.Payload))
	}
}

func TestHubUnregistersClosedClients(t *testing.T) {
	hub, srv, _ := startHub(t)

	conn := dial(t, wsURL(srv))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitFor, tick)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, waitFor, tick)
}

func TestHubStopsWithContext(t *testing.T) {
	hub, srv, cancel := startHub(t)

	conn := dial(t, wsURL(srv))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitFor, tick)

	cancel()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount())

	// late subscribers are turned away instead of blocking
	_, _, err = websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err == nil {
		assert.Equal(t, 0, hub.ClientCount())
	}
	hub.BroadcastJSON("status", "ignored")
}
