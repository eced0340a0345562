package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsNotifications(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn := dialHub(t, h)

	// Registration races the first Notify; keep emitting until one lands.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	go func() {
		for i := 0; i < 200; i++ {
			h.Notify(KindPositionOpened, map[string]any{"instrument": "SBER"})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg HubMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, string(KindPositionOpened), msg.Kind)
}

func TestHubBroadcastAndPingShareOneWriter(t *testing.T) {
	h := NewHub()
	h.pingPeriod = 2 * time.Millisecond
	go h.Run()

	conn := dialHub(t, h)

	// Flood broadcasts while the keepalive ticker fires: both paths write
	// the same connection and must serialize on its write lock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(200 * time.Millisecond)
		for time.Now().Before(deadline) {
			h.Notify(KindOrdersReconciled, map[string]any{"instrument": "SBER"})
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := 0
	for received < 20 {
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("read failed after %d messages: %v", received, err)
		}
		received++
	}
	<-done
}
