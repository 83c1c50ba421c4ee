package wire

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRequestMarshalInlinesArgsAtTopLevel(t *testing.T) {
	args, _ := json.Marshal(map[string]any{"path": "/tmp", "depth": 1})
	req := Request{ID: "r1", Operation: OpFSList, Args: args}

	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		t.Fatalf("unmarshal flat: %v", err)
	}
	if flat["id"] != "r1" || flat["operation"] != "fs.list" || flat["path"] != "/tmp" {
		t.Fatalf("op-specific fields must sit at the envelope top level, got %v", flat)
	}

	var back Request
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if back.ID != "r1" || back.Operation != OpFSList {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	var la FSListArgs
	if err := back.DecodeArgs(&la); err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if la.Path != "/tmp" || la.Depth != 1 {
		t.Fatalf("args round trip mismatch: %+v", la)
	}
}

func TestParseFrameClassifiesShapes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    FrameKind
	}{
		{"request", `{"id":"r1","operation":"fs.read","path":"/a"}`, FrameRequest},
		{"response data", `{"id":"r1","data":{"content":"x"}}`, FrameResponse},
		{"response error", `{"id":"r1","error":"not-found: /a"}`, FrameResponse},
		{"control", `{"type":"ping","timestamp":123}`, FrameControl},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, _, err := ParseFrame([]byte(tc.payload))
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			if kind != tc.want {
				t.Fatalf("kind = %v, want %v", kind, tc.want)
			}
		})
	}
}

func TestParseFrameMalformed(t *testing.T) {
	for _, payload := range []string{`{not json`, `{"id":"r1"}`, `{}`} {
		_, _, err := ParseFrame([]byte(payload))
		werr, ok := err.(*Error)
		if !ok || werr.Kind != ErrMalformedFrame {
			t.Fatalf("payload %q: expected malformed-frame, got %v", payload, err)
		}
	}
}

func TestErrorFromStringRoundTrip(t *testing.T) {
	orig := &Error{Kind: ErrPermissionDenied, Message: "capability"}
	resp := NewErrorResponse("r1", orig)

	back := ErrorFromString(resp.Error)
	if back.Kind != ErrPermissionDenied || back.Message != "capability" {
		t.Fatalf("round trip mismatch: %+v", back)
	}

	if got := ErrorFromString("not-found"); got.Kind != ErrNotFound {
		t.Fatalf("bare kind should round trip, got %+v", got)
	}
	if got := ErrorFromString("something exploded"); got.Kind != "error" || got.Message != "something exploded" {
		t.Fatalf("unknown text must stay verbatim in the message, got %+v", got)
	}
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"ping","timestamp":1}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: %q", got)
	}
}
