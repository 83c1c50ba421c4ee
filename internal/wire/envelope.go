package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Request is the cloud -> agent envelope. Op-specific fields
// are carried as a raw JSON object so a single struct can represent any
// of the six operations; RequiredCapability's caller decodes Args into the
// operation-specific struct once the op is known.
type Request struct {
	ID        string          `json:"id"`
	Operation OpKind          `json:"operation"`
	Args      json.RawMessage `json:"-"`
}

// requestWire is Request's actual wire shape: op-specific fields are
// inlined at the top level, not nested under "args". Request.Args
// stores the whole decoded object so operation handlers can re-decode it
// into their own typed struct, and so the Permission Core's plan-arg subset
// check can walk it generically with gjson.
type requestWire struct {
	ID        string `json:"id"`
	Operation OpKind `json:"operation"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	if r.Args == nil {
		return json.Marshal(requestWire{ID: r.ID, Operation: r.Operation})
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(r.Args, &merged); err != nil {
		return nil, fmt.Errorf("wire: request args must be a JSON object: %w", err)
	}
	idb, _ := json.Marshal(r.ID)
	opb, _ := json.Marshal(r.Operation)
	merged["id"] = idb
	merged["operation"] = opb
	return json.Marshal(merged)
}

func (r *Request) UnmarshalJSON(b []byte) error {
	var w requestWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.ID == "" || w.Operation == "" {
		return &Error{Kind: ErrMalformedFrame, Message: "missing id or operation"}
	}
	r.ID = w.ID
	r.Operation = w.Operation
	r.Args = append(json.RawMessage(nil), b...)
	return nil
}

// DecodeArgs decodes the request's op-specific fields into dst.
func (r Request) DecodeArgs(dst any) error {
	if r.Args == nil {
		return &Error{Kind: ErrMalformedFrame, Message: "no args"}
	}
	if err := json.Unmarshal(r.Args, dst); err != nil {
		return &Error{Kind: ErrMalformedFrame, Message: err.Error()}
	}
	return nil
}

// Response is the agent -> cloud envelope: exactly one of Data
// or Error is set.
type Response struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func NewResult(id string, data any) (Response, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Response{}, err
	}
	return Response{ID: id, Data: b}, nil
}

func NewErrorResponse(id string, err error) Response {
	return Response{ID: id, Error: errMessage(err)}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Error()
	}
	return err.Error()
}

func (r Response) IsError() bool { return r.Error != "" }

// ControlType is the discriminator for control messages, which
// are not correlated by request id.
type ControlType string

const (
	ControlAgentMetadata ControlType = "agent-metadata"
	ControlConnected     ControlType = "connected"
	ControlPing          ControlType = "ping"
	ControlPong          ControlType = "pong"
	ControlPlanApprove   ControlType = "plan-approve"
	ControlPlanApproved  ControlType = "plan-approved"
)

// Control is the union of every control message shape. Only the fields
// relevant to ControlType.Type are populated; the rest are omitted on the
// wire via omitempty.
type Control struct {
	Type ControlType `json:"type"`

	// agent-metadata
	UserID          string `json:"userId,omitempty"`
	HomeDirectory   string `json:"homeDirectory,omitempty"`
	Platform        string `json:"platform,omitempty"`
	FilesystemIndex any    `json:"filesystemIndex,omitempty"`

	// ping/pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// plan-approve
	Mode               string   `json:"mode,omitempty"`
	AllowedDirectories []string `json:"allowedDirectories,omitempty"`
	AllowedOperations  []string `json:"allowedOperations,omitempty"`
	ApprovedPlan       any      `json:"approvedPlan,omitempty"`

	// plan-approved
	Success bool `json:"success,omitempty"`
}

// envelopeProbe is the outer discriminant used to tell apart a Request, a
// Response, and a Control frame on an untyped read: Requests carry
// "operation", Responses carry "data"/"error", Controls carry "type".
type envelopeProbe struct {
	Type      ControlType     `json:"type"`
	Operation OpKind          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	ID        string          `json:"id"`
}

// FrameKind identifies which of the three envelope shapes a decoded frame is.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameRequest
	FrameResponse
	FrameControl
)

// ParseFrame classifies and decodes a single JSON frame. malformed-frame
// is returned as a *Error on JSON parse error or an unrecognized shape;
// the caller closes the channel when that happens.
func ParseFrame(b []byte) (FrameKind, any, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(b, &probe); err != nil {
		return FrameUnknown, nil, &Error{Kind: ErrMalformedFrame, Message: err.Error()}
	}

	switch {
	case probe.Type != "":
		var c Control
		if err := json.Unmarshal(b, &c); err != nil {
			return FrameUnknown, nil, &Error{Kind: ErrMalformedFrame, Message: err.Error()}
		}
		return FrameControl, c, nil

	case probe.Operation != "":
		var req Request
		if err := json.Unmarshal(b, &req); err != nil {
			return FrameUnknown, nil, err
		}
		return FrameRequest, req, nil

	case probe.ID != "" && (probe.Data != nil || probe.Error != nil):
		var resp Response
		if err := json.Unmarshal(b, &resp); err != nil {
			return FrameUnknown, nil, &Error{Kind: ErrMalformedFrame, Message: err.Error()}
		}
		return FrameResponse, resp, nil

	default:
		return FrameUnknown, nil, &Error{Kind: ErrMalformedFrame, Message: "unrecognized envelope shape"}
	}
}

// --- length-prefixed framing for raw byte streams ---
//
// The channel transport in this repository rides over gorilla/websocket,
// which already frames messages, so WriteFrame/ReadFrame below are used
// only where the codec needs to run directly over a raw io.Reader/Writer
// (e.g. tests, or a future non-websocket transport) rather than per-message
// over an already-framed connection. Either way the payload bytes are the
// same UTF-8 JSON text.

const maxFrameLen = 64 << 20 // 64 MiB guard against a corrupt length prefix

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, &Error{Kind: ErrMalformedFrame, Message: "frame too large"}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
