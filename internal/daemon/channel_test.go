package daemon

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/bridgeserver"
	"github.com/op15/bridge/internal/config"
	"github.com/op15/bridge/internal/executor"
	"github.com/op15/bridge/internal/wire"
)

// TestEndToEndRequestOverChannel dials a real bridgeserver, completes the
// agent-metadata handshake, and round-trips an fs.read request from the
// Bridge Manager down through the websocket channel to the daemon's
// executor and back.
func TestEndToEndRequestOverChannel(t *testing.T) {
	m := bridge.NewManager(nil)
	srv := httptest.NewServer(bridgeserver.New(m, nil))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "greeting.txt")
	if err := os.WriteFile(target, []byte("hi there"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	cfg := &config.Config{
		ServerURL:    srv.URL,
		UserID:       "u1",
		SharedSecret: "s3cret",
	}
	d, err := New(Options{Config: cfg, ConfigPath: filepath.Join(dir, "config.json")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()
	d.home = dir
	d.exec = executor.New(dir, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- d.runChannelOnce(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsConnected("u1") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !m.IsConnected("u1") {
		t.Fatalf("agent never connected")
	}

	args, _ := json.Marshal(wire.FSReadArgs{Path: target})
	data, err := m.RequestOperation(ctx, "u1", wire.OpFSRead, args, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestOperation: %v", err)
	}
	var res wire.FSReadResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Content != "hi there" {
		t.Fatalf("content = %q, want %q", res.Content, "hi there")
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("runChannelOnce never returned after cancel")
	}
}
