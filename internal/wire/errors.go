// Package wire implements the Wire Codec: the framed request/response
// envelopes carried over the agent's upstream long-lived channel, and the
// stable error vocabulary surfaced to every collaborator at the edges of
// the bridge.
package wire

import "strings"

// Error is the stable, closed error taxonomy surfaced to collaborators.
// Kind is matched by callers (UI, orchestrator); Message is human-readable
// detail carried verbatim.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

func NewError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Stable error kinds surfaced across the wire and the HTTP surfaces.
const (
	ErrAgentNotConnected = "agent-not-connected"
	ErrAgentDisconnected = "agent-disconnected"
	ErrAgentUnreachable  = "agent-unreachable"
	ErrAgentBackpressure = "agent-backpressure"
	ErrPermissionDenied  = "permission-denied"
	ErrPlanViolation     = "plan-violation"
	ErrNotFound          = "not-found"
	ErrIsADirectory      = "is-a-directory"
	ErrNotADirectory     = "not-a-directory"
	ErrNotEmpty          = "not-empty"
	ErrCrossDevice       = "cross-device"
	ErrInvalidCwd        = "invalid-cwd"
	ErrTooLarge          = "too-large"
	ErrTimeout           = "timeout"
	ErrUnknownOperation  = "unknown-operation"
	ErrMalformedFrame    = "malformed-frame"
	ErrForbidden         = "forbidden"
	ErrSuperseded        = "superseded"
)

var knownKinds = map[string]bool{
	ErrAgentNotConnected: true,
	ErrAgentDisconnected: true,
	ErrAgentUnreachable:  true,
	ErrAgentBackpressure: true,
	ErrPermissionDenied:  true,
	ErrPlanViolation:     true,
	ErrNotFound:          true,
	ErrIsADirectory:      true,
	ErrNotADirectory:     true,
	ErrNotEmpty:          true,
	ErrCrossDevice:       true,
	ErrInvalidCwd:        true,
	ErrTooLarge:          true,
	ErrTimeout:           true,
	ErrUnknownOperation:  true,
	ErrMalformedFrame:    true,
	ErrForbidden:         true,
	ErrSuperseded:        true,
}

// ErrorFromString reconstructs an Error from a Response's error field. The
// field carries Error.Error()'s "kind: message" rendering verbatim, so a
// recognized leading kind round-trips; anything else becomes an untyped
// error with the full text preserved as the message.
func ErrorFromString(s string) *Error {
	kind, msg, cut := strings.Cut(s, ": ")
	if knownKinds[kind] {
		if cut {
			return &Error{Kind: kind, Message: msg}
		}
		return &Error{Kind: kind}
	}
	return &Error{Kind: "error", Message: s}
}
