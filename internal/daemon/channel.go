package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/op15/bridge/internal/fsindex"
	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/wire"
)

// channelPongWait is how long the daemon waits for any bridge traffic
// before treating the connection as dead on its own side, mirroring the
// 30s interval each side pings on.
const channelPongWait = 90 * time.Second

// channelPingInterval is how often the agent sends its own ping upstream;
// both sides ping on the same 30s cadence.
const channelPingInterval = 30 * time.Second

// ErrAuthRejected marks a handshake the bridge refused outright (HTTP
// 401/403 on the upgrade). Reconnecting cannot fix bad credentials, so Run
// surfaces it instead of backing off forever; main exits 2.
var ErrAuthRejected = errors.New("bridge rejected agent credentials")

// agentConn serializes writes to the upstream socket: Responses are written
// from per-request goroutines while pongs and plan-approved acks come from
// the read loop, and gorilla/websocket allows only one concurrent writer.
type agentConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *agentConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *agentConn) closeWith(code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

// runChannelOnce dials the bridge once, completes the agent-metadata
// handshake, and then serves frames until the connection drops.
func (d *Daemon) runChannelOnce(ctx context.Context) error {
	wsURL, err := wsURLFor(d.cfg.ServerURL, d.cfg.UserID)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("dial bridge: status %d: %w", resp.StatusCode, ErrAuthRejected)
		}
		return fmt.Errorf("dial bridge: %w", err)
	}
	defer conn.Close()
	defer d.upstream.Store(false)
	ac := &agentConn{conn: conn}

	idx := fsindex.Build(d.home)
	meta := wire.Control{
		Type:            wire.ControlAgentMetadata,
		UserID:          d.cfg.UserID,
		HomeDirectory:   d.home,
		Platform:        platformName(),
		FilesystemIndex: idx,
	}
	if err := ac.WriteJSON(meta); err != nil {
		return fmt.Errorf("send agent-metadata: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()
	go d.pingLoop(loopCtx, ac)

	done := make(chan error, 1)
	go func() {
		done <- d.channelReadLoop(loopCtx, conn, ac)
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (d *Daemon) pingLoop(ctx context.Context, ac *agentConn) {
	ticker := time.NewTicker(channelPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ac.WriteJSON(wire.Control{Type: wire.ControlPing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

func (d *Daemon) channelReadLoop(ctx context.Context, conn *websocket.Conn, ac *agentConn) error {
	_ = conn.SetReadDeadline(time.Now().Add(channelPongWait))

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(channelPongWait))

		kind, frame, err := wire.ParseFrame(payload)
		if err != nil {
			// Protocol violation: close with the policy code and reconnect
			// with a fresh handshake.
			d.log.Warn("malformed frame from bridge, closing channel", "error", err)
			ac.closeWith(websocket.ClosePolicyViolation, "malformed-frame")
			return err
		}

		switch kind {
		case wire.FrameControl:
			d.handleControl(ac, frame.(wire.Control))
		case wire.FrameRequest:
			go d.handleRequest(ctx, ac, frame.(wire.Request))
		default:
			d.log.Warn("unexpected frame kind from bridge", "kind", kind)
		}
	}
}

func (d *Daemon) handleControl(ac *agentConn, c wire.Control) {
	switch c.Type {
	case wire.ControlConnected:
		d.upstream.Store(true)
		d.log.Info("bridge accepted handshake")

	case wire.ControlPing:
		if err := ac.WriteJSON(wire.Control{Type: wire.ControlPong, Timestamp: time.Now().UnixMilli()}); err != nil {
			d.log.Warn("failed to send pong", "error", err)
		}

	case wire.ControlPong:
		// Liveness already tracked by the read deadline; nothing to record.

	case wire.ControlPlanApprove:
		d.applyPlanApprove(c)
		_ = ac.WriteJSON(wire.Control{Type: wire.ControlPlanApproved, Success: true})

	default:
		d.log.Warn("unhandled control type from bridge", "type", c.Type)
	}
}

// applyPlanApprove replaces the daemon's local session.Permissions with the
// bridge-granted envelope, clamped against the local PermissionPolicy cap.
// In-flight requests keep the snapshot they dispatched with; only checks
// that begin after this returns observe the new permissions.
func (d *Daemon) applyPlanApprove(c wire.Control) {
	granted := session.Permissions{
		Mode:               session.Mode(c.Mode),
		AllowedDirectories: c.AllowedDirectories,
	}
	granted.AllowedOperations = make(map[string]bool, len(c.AllowedOperations))
	for _, op := range c.AllowedOperations {
		granted.AllowedOperations[op] = true
	}
	if c.ApprovedPlan != nil {
		if b, err := json.Marshal(c.ApprovedPlan); err == nil {
			_ = json.Unmarshal(b, &granted.ApprovedPlan)
		}
	}

	d.setPermissions(d.cfg.PermissionPolicy.Clamp(granted))
}

func platformName() string {
	switch runtime.GOOS {
	case "darwin":
		return session.PlatformDarwin
	case "windows":
		return session.PlatformWindows
	default:
		return session.PlatformLinux
	}
}
