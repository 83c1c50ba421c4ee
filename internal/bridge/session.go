// Package bridge implements the Bridge Manager: the cloud-side
// process-wide session registry and the PendingRPC correlation map,
// together with the session lifecycle state machine. One process holds
// every connected agent; each user has at most one live session.
package bridge

import (
	"sync"
	"time"

	"github.com/op15/bridge/internal/session"
)

// Channel is the minimal surface the Bridge Manager needs from an upstream
// connection; *bridgeserver frames a *websocket.Conn behind it so this
// package stays transport-agnostic and unit-testable without a real socket.
type Channel interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Session is one user's agent connection, tracked cloud-side through the
// DISCOVERED -> READY -> DEGRADED -> CLOSED lifecycle.
type Session struct {
	UserID string

	mu            sync.Mutex
	state         session.State
	channel       Channel
	meta          session.Meta
	permissions   session.Permissions
	httpEndpoint  string // loopback-reachable address, if the dispatcher can reach it directly
	missedPongs   int
	awaitingPong  bool
	lastHeartbeat time.Time
}

func newSession(userID string, ch Channel) *Session {
	return &Session{
		UserID:      userID,
		state:       session.StateDiscovered,
		channel:     ch,
		permissions: session.DefaultPermissions(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkReady transitions DISCOVERED -> READY on receipt of agent-metadata.
func (s *Session) MarkReady(meta session.Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = meta
	s.state = session.StateReady
	s.missedPongs = 0
	s.lastHeartbeat = time.Now()
}

// Snapshot returns a concurrency-safe copy of the session's permissions,
// taken before dispatch so a concurrent plan-approve cannot retroactively
// affect an in-flight call.
func (s *Session) Snapshot() session.Permissions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions.Clone()
}

func (s *Session) SetPermissions(p session.Permissions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions = p
}

func (s *Session) Meta() session.Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// HTTPEndpoint returns the loopback address the dispatcher may try first,
// empty when none was advertised.
func (s *Session) HTTPEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpEndpoint
}

func (s *Session) SetHTTPEndpoint(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpEndpoint = addr
}

// RecordPong resets the missed-heartbeat counter.
func (s *Session) RecordPong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedPongs = 0
	s.awaitingPong = false
	s.lastHeartbeat = time.Now()
	if s.state == session.StateDegraded {
		s.state = session.StateReady
	}
}

// BeginPing marks that a ping was just sent; the next Tick call without an
// intervening RecordPong counts as a miss.
func (s *Session) BeginPing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awaitingPong = true
}

// Tick evaluates the outcome of the interval that just elapsed: if no pong
// arrived since the last BeginPing, it applies the two-miss (DEGRADED) and
// four-miss (CLOSED) thresholds. Reports whether the session should now be
// closed.
func (s *Session) Tick() (shouldClose bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaitingPong {
		return false
	}
	s.missedPongs++
	if s.missedPongs >= 2 && s.state == session.StateReady {
		s.state = session.StateDegraded
	}
	if s.missedPongs >= 4 {
		s.state = session.StateClosed
		return true
	}
	return false
}

func (s *Session) acceptsRPCs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == session.StateReady || s.state == session.StateDegraded
}

// send serializes a frame over the channel; the channel itself guarantees
// one-in-flight-at-a-time write semantics per connection.
func (s *Session) send(v any) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return errNoChannel
	}
	return ch.WriteJSON(v)
}

func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	ch := s.channel
	s.state = session.StateClosed
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close(code, reason)
	}
}
