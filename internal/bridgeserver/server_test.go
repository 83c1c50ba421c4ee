package bridgeserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/wire"
)

func TestMissingQueryParamsRefusesUpgrade(t *testing.T) {
	m := bridge.NewManager(nil)
	s := New(m, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/api/bridge", nil)
	if err == nil {
		t.Fatalf("expected upgrade to be refused without userId/type")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestHandshakeMarksSessionReady(t *testing.T) {
	m := bridge.NewManager(nil)
	s := New(m, nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/bridge?userId=u1&type=agent"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wire.Control{
		Type:          wire.ControlAgentMetadata,
		UserID:        "u1",
		HomeDirectory: "/home/u1",
		Platform:      "linux",
	}); err != nil {
		t.Fatalf("write agent-metadata: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsConnected("u1") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never became connected after handshake")
}
