package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/domain/execution"
	"switchyard/pkg/logger"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	all := dial(t, srv, "")
	slackOnly := dial(t, srv, "?tool=slack")
	waitClients(t, hub, 2)

	hub.Observe(context.Background(), execution.Event{Type: execution.EventQueued, ExecutionID: uuid.New(), ToolID: "elevenlabs"})
	hub.Observe(context.Background(), execution.Event{Type: execution.EventCompleted, ExecutionID: uuid.New(), ToolID: "slack"})

	first := readFrame(t, all)
	assert.Equal(t, "event", first["type"])
	assert.Equal(t, "elevenlabs", first["data"].(map[string]any)["tool_id"])
	second := readFrame(t, all)
	assert.Equal(t, "slack", second["data"].(map[string]any)["tool_id"])

	filtered := readFrame(t, slackOnly)
	assert.Equal(t, "slack", filtered["data"].(map[string]any)["tool_id"], "tool filter skips other tools")
}

func TestHub_BroadcastStatusReachesFilteredClients(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, "?tool=slack")
	waitClients(t, hub, 1)

	hub.BroadcastStatus(map[string]int{"running": 2})
	frame := readFrame(t, conn)
	assert.Equal(t, "queue_status", frame["type"])
	assert.Equal(t, float64(2), frame["data"].(map[string]any)["running"])
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitClients(t, hub, 0)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub(logger.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestHub_NoClientsIsNoop(t *testing.T) {
	hub := NewHub(logger.Nop())
	hub.Observe(context.Background(), execution.Event{Type: execution.EventQueued})
	hub.BroadcastStatus(nil)
	assert.Equal(t, 0, hub.Clients())
}
