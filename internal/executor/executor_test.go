package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/op15/bridge/internal/wire"
)

func TestListReturnsEntriesAndToleratesUnreadableChild(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.txt"), "hi")
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	e := New(root, root)
	res, err := e.List(wire.FSListArgs{Path: root, Depth: 0})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(res.Entries), res.Entries)
	}
}

func TestListNotFound(t *testing.T) {
	e := New(t.TempDir(), "")
	_, err := e.List(wire.FSListArgs{Path: "/does/not/exist/xyz"})
	werr, ok := err.(*wire.Error)
	if !ok || werr.Kind != wire.ErrNotFound {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	e := New(root, root)
	p := filepath.Join(root, "out.txt")

	_, err := e.Write(wire.FSWriteArgs{Path: p, Content: "hello"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	res, err := e.Read(wire.FSReadArgs{Path: p})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Content != "hello" {
		t.Fatalf("content = %q, want hello", res.Content)
	}
}

func TestReadDirectoryFails(t *testing.T) {
	root := t.TempDir()
	e := New(root, root)
	_, err := e.Read(wire.FSReadArgs{Path: root})
	werr, ok := err.(*wire.Error)
	if !ok || werr.Kind != wire.ErrIsADirectory {
		t.Fatalf("expected is-a-directory, got %v", err)
	}
}

func TestDeleteNonEmptyDirWithoutRecursiveFails(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(sub, "f.txt"), "x")

	e := New(root, root)
	_, err := e.Delete(wire.FSDeleteArgs{Path: sub})
	werr, ok := err.(*wire.Error)
	if !ok || werr.Kind != wire.ErrNotEmpty {
		t.Fatalf("expected not-empty, got %v", err)
	}

	if _, err := e.Delete(wire.FSDeleteArgs{Path: sub, Recursive: true}); err != nil {
		t.Fatalf("recursive delete should succeed: %v", err)
	}
}

func TestMoveCreateDestDirsDefaultsFalse(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	mustWriteFile(t, src, "x")

	e := New(root, root)
	_, err := e.Move(wire.FSMoveArgs{Source: src, Destination: filepath.Join(root, "nope", "dst.txt")})
	if err == nil {
		t.Fatalf("move into a non-existent directory should fail when createDestDirs is absent")
	}
}

func TestMoveSucceedsWithinSameFilesystem(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src.txt")
	mustWriteFile(t, src, "x")
	dst := filepath.Join(root, "dst.txt")

	e := New(root, root)
	res, err := e.Move(wire.FSMoveArgs{Source: src, Destination: dst})
	if err != nil || !res.Success {
		t.Fatalf("Move: res=%+v err=%v", res, err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("destination missing after move: %v", err)
	}
}

// A command that outlives timeoutMs is killed and reported as exitCode=124:
// nothing after the sleep ever reaches stdout, and stderr carries a timeout
// marker.
func TestExecRunTimeoutPartialOutput(t *testing.T) {
	root := t.TempDir()
	e := New(root, root)

	res, err := e.Run(context.Background(), wire.ExecRunArgs{
		Command:   "sleep 10 && echo done",
		TimeoutMs: 100,
	})
	werr, ok := err.(*wire.Error)
	if !ok || werr.Kind != wire.ErrTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if res.ExitCode != 124 {
		t.Fatalf("exitCode = %d, want 124", res.ExitCode)
	}
	if res.Stdout != "" {
		t.Fatalf("stdout = %q, want empty (echo never ran)", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Fatalf("stderr = %q, want a timeout marker", res.Stderr)
	}
}

// Output produced before the deadline survives the kill.
func TestExecRunTimeoutKeepsBufferedOutput(t *testing.T) {
	root := t.TempDir()
	e := New(root, root)

	res, err := e.Run(context.Background(), wire.ExecRunArgs{
		Command:   "echo partial; sleep 5",
		TimeoutMs: 100,
	})
	if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.ErrTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if res.Stdout != "partial\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "partial\n")
	}
}

func TestExecRunSuccess(t *testing.T) {
	root := t.TempDir()
	e := New(root, root)

	res, err := e.Run(context.Background(), wire.ExecRunArgs{Command: "echo hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exitCode = %d, want 0", res.ExitCode)
	}
	if res.Stdout != "hi\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "hi\n")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
