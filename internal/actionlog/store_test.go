package actionlog

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAppendAndListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "actionlog.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Append(ctx, Entry{UserID: "u1", Operation: "fs.read", Path: "/a", Result: "success"})
	s.Append(ctx, Entry{UserID: "u1", Operation: "fs.write", Path: "/b", Result: "denied"})

	entries, total := s.List(10)
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if len(entries) != 2 || entries[0].Operation != "fs.write" || entries[1].Operation != "fs.read" {
		t.Fatalf("entries not newest-first: %+v", entries)
	}
}

func TestRingBufferCapsAtCapacity(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "actionlog.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < capacity+10; i++ {
		s.Append(ctx, Entry{UserID: "u1", Operation: "exec.run", Result: "success"})
	}

	_, total := s.List(0)
	if total != capacity {
		t.Fatalf("total = %d, want %d", total, capacity)
	}
}

func TestReopenPreloadsRing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "actionlog.db")

	s1, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1.Append(ctx, Entry{UserID: "u1", Operation: "fs.read", Result: "success"})
	s1.Close()

	s2, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	entries, total := s2.List(10)
	if total != 1 || len(entries) != 1 || entries[0].Operation != "fs.read" {
		t.Fatalf("preload from disk failed: total=%d entries=%+v", total, entries)
	}
}
