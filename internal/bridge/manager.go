package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/telemetry"
	"github.com/op15/bridge/internal/wire"
)

// Manager holds the cloud-wide session registry and pending-RPC
// correlation map. The sessions map is single-writer per key:
// every mutation goes through Manager's methods, which hold mu for the
// duration of the map access.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // userID -> Session, at most one entry per user

	pendingMu sync.Mutex
	pendings  map[string]*PendingRPC // userID+"/"+requestID -> PendingRPC

	ackMu    sync.Mutex
	planAcks map[string]chan bool // userID -> waiting UpdatePermissions caller
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		sessions: make(map[string]*Session),
		pendings: make(map[string]*PendingRPC),
		planAcks: make(map[string]chan bool),
	}
}

// Accept registers a freshly upgraded channel as a DISCOVERED session,
// replacing any prior session for the same user.
func (m *Manager) Accept(userID string, ch Channel) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[userID]; ok {
		m.superseded(prev)
	}
	s := newSession(userID, ch)
	m.sessions[userID] = s
	return s
}

// HandleAgentMetadata processes the agent-metadata control frame: the
// session moves DISCOVERED -> READY. Because Accept already closed any
// prior session for this user, agent-metadata arriving on an existing
// session simply (re)confirms it.
func (m *Manager) HandleAgentMetadata(s *Session, meta session.Meta) {
	s.MarkReady(meta)
	m.log.Info("session ready", "userId", s.UserID, "platform", meta.Platform)
}

// superseded closes the previous session's channel with the "superseded"
// close reason. Its outstanding pendings fail with agent-disconnected: the
// session is gone from the caller's point of view, and which way it went
// is carried on the channel close, not the RPC error.
func (m *Manager) superseded(prev *Session) {
	prev.close(wireCloseSuperseded, "superseded")
	m.failAllPendingsLocked(prev.UserID, errDisconnected)
}

func (m *Manager) failAllPendingsLocked(userID string, err error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for key, p := range m.pendings {
		if p.UserID == userID {
			p.complete(nil, err)
			delete(m.pendings, key)
		}
	}
}

// Disconnect marks a session CLOSED (channel dropped) and fails its
// pendings with "agent-disconnected".
func (m *Manager) Disconnect(s *Session) {
	m.mu.Lock()
	current := false
	if cur, ok := m.sessions[s.UserID]; ok && cur == s {
		delete(m.sessions, s.UserID)
		current = true
	}
	m.mu.Unlock()

	s.close(wireCloseNormal, "disconnected")
	// Pendings are keyed by user, not session: a superseded session's
	// pendings already failed at supersede, and the user's remaining ones
	// belong to the newer session.
	if current {
		m.failAllPendingsLocked(s.UserID, errDisconnected)
	}
}

// IsConnected reports whether a session exists and accepts RPCs. READY or
// DEGRADED both qualify: a DEGRADED session still has an open channel,
// just an unhealthy heartbeat.
func (m *Manager) IsConnected(userID string) bool {
	s := m.session(userID)
	return s != nil && s.acceptsRPCs()
}

func (m *Manager) session(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// SessionFor exposes the current session for a user to collaborators that
// need more than IsConnected (e.g. the Transport Dispatcher probing for a
// loopback HTTP endpoint). Returns nil if no session exists.
func (m *Manager) SessionFor(userID string) *Session {
	return m.session(userID)
}

// RequestOperation is synchronous from the caller's point of view, backed
// by a fresh request id and a PendingRPC registered before the frame is
// sent so a fast Response can never race ahead of the registration.
func (m *Manager) RequestOperation(ctx context.Context, userID string, op wire.OpKind, args json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	start := time.Now()
	data, err := m.requestOperation(ctx, userID, op, args, deadline)
	telemetry.RecordRPC(ctx, string(op), float64(time.Since(start).Milliseconds()), err)
	return data, err
}

func (m *Manager) requestOperation(ctx context.Context, userID string, op wire.OpKind, args json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	s := m.session(userID)
	if s == nil || !s.acceptsRPCs() {
		return nil, errDisconnected
	}

	reqID := uuid.NewString()
	key := pendingKey(userID, reqID)
	p := newPendingRPC(userID, reqID)

	m.pendingMu.Lock()
	m.pendings[key] = p
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pendings, key)
		m.pendingMu.Unlock()
	}()

	req := wire.Request{ID: reqID, Operation: op, Args: args}
	if err := s.send(req); err != nil {
		// A full write queue fails fast with agent-backpressure; any other
		// send failure is a transport fault.
		if werr, ok := err.(*wire.Error); ok && werr.Kind == wire.ErrAgentBackpressure {
			return nil, werr
		}
		return nil, &wire.Error{Kind: wire.ErrAgentUnreachable, Message: err.Error()}
	}

	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return p.wait(dctx.Done())
}

// CompleteResponse routes a Response frame back to its PendingRPC by id.
// Unknown ids are discarded and logged, never treated as an error.
func (m *Manager) CompleteResponse(userID string, resp wire.Response) {
	key := pendingKey(userID, resp.ID)
	m.pendingMu.Lock()
	p, ok := m.pendings[key]
	if ok {
		delete(m.pendings, key)
	}
	m.pendingMu.Unlock()

	if !ok {
		m.log.Warn("response for unknown pending rpc", "userId", userID, "id", resp.ID)
		return
	}
	if resp.IsError() {
		p.complete(nil, wire.ErrorFromString(resp.Error))
		return
	}
	p.complete(resp.Data, nil)
}

// planAckTimeout bounds how long UpdatePermissions waits for the agent's
// plan-approved ack.
const planAckTimeout = 10 * time.Second

// UpdatePermissions forwards a plan-approve control message and waits for
// the agent's plan-approved ack. Returning only after the ack is what
// makes permission updates causally ordered: any RPC whose permission
// check begins after this call returns observes the new permissions on
// both sides.
func (m *Manager) UpdatePermissions(userID string, plan []session.PlanStep, mode session.Mode, allowedDirs []string, allowedOps map[string]bool) error {
	s := m.session(userID)
	if s == nil {
		return errDisconnected
	}
	if allowedOps == nil {
		allowedOps = s.Snapshot().AllowedOperations
	}
	perms := session.Permissions{
		Mode:               mode,
		AllowedOperations:  allowedOps,
		AllowedDirectories: allowedDirs,
		ApprovedPlan:       plan,
	}
	s.SetPermissions(perms)

	ops := make([]string, 0, len(allowedOps))
	for op, allowed := range allowedOps {
		if allowed {
			ops = append(ops, op)
		}
	}

	ack := make(chan bool, 1)
	m.ackMu.Lock()
	m.planAcks[userID] = ack
	m.ackMu.Unlock()
	defer func() {
		m.ackMu.Lock()
		if m.planAcks[userID] == ack {
			delete(m.planAcks, userID)
		}
		m.ackMu.Unlock()
	}()

	ctrl := wire.Control{
		Type:               wire.ControlPlanApprove,
		Mode:               string(mode),
		AllowedDirectories: allowedDirs,
		AllowedOperations:  ops,
		ApprovedPlan:       plan,
	}
	if err := s.send(ctrl); err != nil {
		return fmt.Errorf("bridge: notify plan-approve: %w", err)
	}

	select {
	case ok := <-ack:
		if !ok {
			return &wire.Error{Kind: wire.ErrPermissionDenied, Message: "agent rejected plan-approve"}
		}
		return nil
	case <-time.After(planAckTimeout):
		return &wire.Error{Kind: wire.ErrTimeout, Message: "plan-approved ack"}
	}
}

// HandlePlanApproved routes a plan-approved control frame to the waiting
// UpdatePermissions caller, if any.
func (m *Manager) HandlePlanApproved(userID string, success bool) {
	m.ackMu.Lock()
	ack, ok := m.planAcks[userID]
	if ok {
		delete(m.planAcks, userID)
	}
	m.ackMu.Unlock()
	if ok {
		ack <- success
	}
}

func pendingKey(userID, requestID string) string {
	return userID + "/" + requestID
}

// Close codes sent to a superseded or normally-closed channel; the policy
// close code for protocol violations belongs to the frame readers.
const (
	wireCloseNormal     = 1000
	wireCloseSuperseded = 4001
)
