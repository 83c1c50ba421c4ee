// Package bridgeserver hosts the cloud-side WebSocket endpoint agents dial
// into: it upgrades the connection, enforces the handshake query-parameter
// policy, and feeds frames to the Bridge Manager.
package bridgeserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/wire"
)

// heartbeatInterval is the ping cadence; a pong is expected within the
// next interval.
const heartbeatInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades /api/bridge connections and drives the per-connection
// read/heartbeat loops.
type Server struct {
	log     *slog.Logger
	manager *bridge.Manager
}

func New(manager *bridge.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{manager: manager, log: log}
}

// writeQueueDepth bounds the outgoing frame queue per channel; a full queue
// means the agent has stopped draining and new sends fail fast with
// agent-backpressure.
const writeQueueDepth = 64

var errChannelClosed = errors.New("bridgeserver: channel closed")

// wsChannel adapts *websocket.Conn to bridge.Channel. A single writer
// goroutine drains the bounded queue, which both serializes frames
// (gorilla/websocket is not safe for concurrent writers) and gives
// backpressure a place to bite.
type wsChannel struct {
	conn *websocket.Conn
	out  chan any
	done chan struct{}

	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	c := &wsChannel{
		conn: conn,
		out:  make(chan any, writeQueueDepth),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsChannel) writeLoop() {
	for {
		select {
		case v := <-c.out:
			if err := c.conn.WriteJSON(v); err != nil {
				// The read loop observes the dead connection and tears the
				// session down; nothing to do here but stop draining.
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsChannel) WriteJSON(v any) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.out <- v:
		return nil
	case <-c.done:
		return errChannelClosed
	default:
		return &wire.Error{Kind: wire.ErrAgentBackpressure, Message: "channel write queue full"}
	}
}

func (c *wsChannel) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(2 * time.Second)
		// WriteControl is safe concurrently with the writer goroutine.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
	return nil
}

// ServeHTTP implements the /api/bridge?userId=&type=agent endpoint. Both
// query parameters must be present; the upgrade is otherwise refused as an
// HTTP 400 before it happens, which is the only way to refuse one cleanly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	kind := r.URL.Query().Get("type")
	if userID == "" || kind != "agent" {
		http.Error(w, "policy: missing userId or type=agent", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	ch := newWSChannel(conn)
	sess := s.manager.Accept(userID, ch)
	s.log.Info("session discovered", "userId", userID)

	go s.heartbeatLoop(sess, ch)
	s.readLoop(sess, ch, conn)
}

// readLoop decodes frames until the connection closes, routing each to the
// Bridge Manager.
func (s *Server) readLoop(sess *bridge.Session, ch *wsChannel, conn *websocket.Conn) {
	defer s.manager.Disconnect(sess)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		kind, frame, err := wire.ParseFrame(payload)
		if err != nil {
			// Protocol violation: close with the policy code and force the
			// agent to reconnect.
			s.log.Warn("malformed frame, closing channel", "userId", sess.UserID, "error", err)
			_ = ch.Close(websocket.ClosePolicyViolation, "malformed-frame")
			return
		}

		switch kind {
		case wire.FrameControl:
			s.handleControl(sess, ch, frame.(wire.Control))
		case wire.FrameResponse:
			s.manager.CompleteResponse(sess.UserID, frame.(wire.Response))
		default:
			s.log.Warn("unexpected frame kind from agent", "userId", sess.UserID, "kind", kind)
		}
	}
}

func (s *Server) handleControl(sess *bridge.Session, ch *wsChannel, c wire.Control) {
	switch c.Type {
	case wire.ControlAgentMetadata:
		meta := session.Meta{
			UserID:        c.UserID,
			HomeDirectory: c.HomeDirectory,
			Platform:      c.Platform,
		}
		if c.FilesystemIndex != nil {
			if b, err := json.Marshal(c.FilesystemIndex); err == nil {
				_ = json.Unmarshal(b, &meta.Index)
			}
		}
		s.manager.HandleAgentMetadata(sess, meta)
		_ = ch.WriteJSON(wire.Control{Type: wire.ControlConnected, UserID: sess.UserID})

	case wire.ControlPing:
		_ = ch.WriteJSON(wire.Control{Type: wire.ControlPong, Timestamp: time.Now().UnixMilli()})

	case wire.ControlPong:
		sess.RecordPong()

	case wire.ControlPlanApproved:
		s.manager.HandlePlanApproved(sess.UserID, c.Success)

	default:
		s.log.Warn("unhandled control type", "userId", sess.UserID, "type", c.Type)
	}
}

// heartbeatLoop pings on the interval and applies the two-miss (DEGRADED)
// and four-miss (close) thresholds.
func (s *Server) heartbeatLoop(sess *bridge.Session, ch *wsChannel) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		if sess.State() == session.StateClosed {
			return
		}
		if shouldClose := sess.Tick(); shouldClose {
			s.manager.Disconnect(sess)
			return
		}
		if err := ch.WriteJSON(wire.Control{Type: wire.ControlPing, Timestamp: time.Now().UnixMilli()}); err != nil {
			if werr, ok := err.(*wire.Error); ok && werr.Kind == wire.ErrAgentBackpressure {
				// Queue is stuffed; the ping never left, so it can't count
				// as an awaited pong. RPC sends are already failing fast.
				continue
			}
			return
		}
		sess.BeginPing()
	}
}
