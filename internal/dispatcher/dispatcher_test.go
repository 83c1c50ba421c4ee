package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/wire"
)

type stubChannel struct{}

func (stubChannel) WriteJSON(v any) error   { return nil }
func (stubChannel) Close(int, string) error { return nil }

func TestDispatchNotConnectedFailsFast(t *testing.T) {
	m := bridge.NewManager(nil)
	d := New(m)

	_, err := d.Dispatch(context.Background(), "nobody", "secret", wire.OpFSList, []byte(`{}`), time.Second)
	werr, ok := err.(*wire.Error)
	if !ok || werr.Kind != wire.ErrAgentNotConnected {
		t.Fatalf("expected agent-not-connected, got %v", err)
	}
}

func TestDispatchPrefersLoopbackHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-agent-secret") != "shh" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(`{"entries":[]}`))
	}))
	defer srv.Close()

	m := bridge.NewManager(nil)
	s := m.Accept("u1", stubChannel{})
	m.HandleAgentMetadata(s, session.Meta{UserID: "u1"})
	s.SetHTTPEndpoint(srv.URL)

	d := New(m)
	data, err := d.Dispatch(context.Background(), "u1", "shh", wire.OpFSList, mustArgs(t, wire.FSListArgs{Path: "/"}), time.Second)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	var res wire.FSListResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}

func mustArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
