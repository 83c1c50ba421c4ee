package bridge

import (
	"testing"

	"github.com/op15/bridge/internal/session"
)

// Heartbeat thresholds: two missed pongs degrade the session, four close it;
// a pong at any point recovers it.
func TestHeartbeatMissThresholds(t *testing.T) {
	s := newSession("u1", &fakeChannel{})
	s.MarkReady(session.Meta{UserID: "u1"})

	// An interval with no outstanding ping is never a miss.
	if s.Tick() {
		t.Fatal("tick without an awaited pong must not close")
	}
	if s.State() != session.StateReady {
		t.Fatalf("state = %v, want ready", s.State())
	}

	// Two consecutive unanswered pings -> DEGRADED.
	for i := 0; i < 2; i++ {
		s.BeginPing()
		if s.Tick() {
			t.Fatalf("miss %d must not close yet", i+1)
		}
	}
	if s.State() != session.StateDegraded {
		t.Fatalf("state after 2 misses = %v, want degraded", s.State())
	}

	// Four total -> closed.
	s.BeginPing()
	if s.Tick() {
		t.Fatal("miss 3 must not close yet")
	}
	s.BeginPing()
	if !s.Tick() {
		t.Fatal("miss 4 must close the session")
	}
	if s.State() != session.StateClosed {
		t.Fatalf("state after 4 misses = %v, want closed", s.State())
	}
}

func TestPongRecoversDegradedSession(t *testing.T) {
	s := newSession("u1", &fakeChannel{})
	s.MarkReady(session.Meta{UserID: "u1"})

	for i := 0; i < 2; i++ {
		s.BeginPing()
		s.Tick()
	}
	if s.State() != session.StateDegraded {
		t.Fatalf("state = %v, want degraded", s.State())
	}

	s.RecordPong()
	if s.State() != session.StateReady {
		t.Fatalf("state after pong = %v, want ready", s.State())
	}
	if !s.acceptsRPCs() {
		t.Fatal("recovered session must accept RPCs")
	}
}

// Pongs on schedule never degrade the session.
func TestOnSchedulePongsKeepSessionReady(t *testing.T) {
	s := newSession("u1", &fakeChannel{})
	s.MarkReady(session.Meta{UserID: "u1"})

	for i := 0; i < 10; i++ {
		s.BeginPing()
		s.RecordPong()
		if s.Tick() {
			t.Fatal("answered ping must never count as a miss")
		}
		if s.State() != session.StateReady {
			t.Fatalf("state = %v, want ready", s.State())
		}
	}
}
