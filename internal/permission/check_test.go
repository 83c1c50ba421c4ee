package permission

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/wire"
)

func mustArgs(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return b
}

// A fresh session allows reads and nothing else.
func TestReadOnlyDefault(t *testing.T) {
	perms := session.DefaultPermissions()
	res := PathResolver{Home: "/home/u"}

	if err := Check(wire.OpFSList, mustArgs(t, wire.FSListArgs{Path: "/tmp"}), &perms, res); err != nil {
		t.Fatalf("fs.list should succeed under default permissions: %v", err)
	}

	err := Check(wire.OpFSWrite, mustArgs(t, wire.FSWriteArgs{Path: "/tmp/x", Content: "y"}), &perms, res)
	werr, ok := err.(*wire.Error)
	if !ok || werr.Kind != wire.ErrPermissionDenied || werr.Message != "capability" {
		t.Fatalf("fs.write should be denied with capability reason, got %v", err)
	}
}

// An approved plan is consumed strictly in order; deviations and anything
// past the last step are plan violations.
func TestPlanEnforcement(t *testing.T) {
	perms := session.DefaultPermissions()
	perms.ApprovedPlan = []session.PlanStep{
		{ID: "a", Operation: "exec.run", Args: map[string]any{"command": "git status"}},
		{ID: "b", Operation: "fs.read", Args: map[string]any{"path": "/home/u/README.md"}},
	}
	res := PathResolver{Home: "/home/u"}

	// (1) exec.run git status -> success, cursor advances.
	if err := Check(wire.OpExecRun, mustArgs(t, wire.ExecRunArgs{Command: "git status"}), &perms, res); err != nil {
		t.Fatalf("step 1 should succeed: %v", err)
	}
	if perms.ApprovedStepCursor != 1 {
		t.Fatalf("cursor after step 1 = %d, want 1", perms.ApprovedStepCursor)
	}

	// (2) fs.read OTHER.md -> plan-violation (wrong path).
	err := Check(wire.OpFSRead, mustArgs(t, wire.FSReadArgs{Path: "/home/u/OTHER.md"}), &perms, res)
	if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.ErrPlanViolation {
		t.Fatalf("step 2 should be plan-violation, got %v", err)
	}
	if perms.ApprovedStepCursor != 1 {
		t.Fatalf("a rejected step must not advance the cursor, got %d", perms.ApprovedStepCursor)
	}

	// (3) fs.read README.md -> success, cursor advances.
	if err := Check(wire.OpFSRead, mustArgs(t, wire.FSReadArgs{Path: "/home/u/README.md"}), &perms, res); err != nil {
		t.Fatalf("step 3 should succeed: %v", err)
	}
	if perms.ApprovedStepCursor != 2 {
		t.Fatalf("cursor after step 3 = %d, want 2", perms.ApprovedStepCursor)
	}

	// (4) fs.list "/" -> plan-violation (plan exhausted).
	err = Check(wire.OpFSList, mustArgs(t, wire.FSListArgs{Path: "/"}), &perms, res)
	if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.ErrPlanViolation {
		t.Fatalf("step 4 should be plan-violation (plan exhausted), got %v", err)
	}
}

// Balanced mode confines writes to the allowed directories, using
// t.TempDir() so symlink/prefix canonicalization runs against a real
// filesystem.
func TestBalancedScope(t *testing.T) {
	root := t.TempDir()
	projects := root + "/home/u/projects"
	mkdirAll(t, projects+"/a")

	perms := session.Permissions{
		Mode:               session.ModeBalanced,
		AllowedOperations:  map[string]bool{"read": true, "write": true},
		AllowedDirectories: []string{projects},
	}
	res := PathResolver{Home: root + "/home/u"}

	if err := Check(wire.OpFSWrite, mustArgs(t, wire.FSWriteArgs{Path: projects + "/a/b.txt", Content: "hi"}), &perms, res); err != nil {
		t.Fatalf("write inside allowed dir should succeed: %v", err)
	}

	err := Check(wire.OpFSWrite, mustArgs(t, wire.FSWriteArgs{Path: root + "/home/u/notes.txt", Content: "hi"}), &perms, res)
	if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.ErrPermissionDenied || werr.Message != "scope" {
		t.Fatalf("write outside allowed dir should be denied with scope reason, got %v", err)
	}

	// Escaping via ".." must still be caught by canonicalization.
	err = Check(wire.OpFSWrite, mustArgs(t, wire.FSWriteArgs{Path: projects + "/../secret.txt", Content: "hi"}), &perms, res)
	if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.ErrPermissionDenied {
		t.Fatalf("escaping path via .. should be denied, got %v", err)
	}
}

// fs.move needs both read (source) and write (destination) capabilities;
// write alone must not let a session read source bytes through the
// cross-device copy fallback.
func TestMoveRequiresReadAndWriteCapabilities(t *testing.T) {
	res := PathResolver{Home: "/home/u"}
	args := mustArgs(t, wire.FSMoveArgs{Source: "/home/u/a.txt", Destination: "/home/u/b.txt"})

	writeOnly := session.Permissions{
		Mode:              session.ModeUnrestricted,
		AllowedOperations: map[string]bool{"write": true},
	}
	err := Check(wire.OpFSMove, args, &writeOnly, res)
	if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.ErrPermissionDenied || werr.Message != "capability" {
		t.Fatalf("move without read capability should be denied, got %v", err)
	}

	readWrite := session.Permissions{
		Mode:              session.ModeUnrestricted,
		AllowedOperations: map[string]bool{"read": true, "write": true},
	}
	if err := Check(wire.OpFSMove, args, &readWrite, res); err != nil {
		t.Fatalf("move with read+write should pass: %v", err)
	}
}

// A symlink inside an allowed directory pointing outside it must not
// smuggle writes out of scope.
func TestBalancedScopeSymlinkEscapeDenied(t *testing.T) {
	root := t.TempDir()
	projects := filepath.Join(root, "projects")
	outside := filepath.Join(root, "outside")
	mkdirAll(t, projects)
	mkdirAll(t, outside)

	link := filepath.Join(projects, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	perms := session.Permissions{
		Mode:               session.ModeBalanced,
		AllowedOperations:  map[string]bool{"read": true, "write": true},
		AllowedDirectories: []string{projects},
	}
	res := PathResolver{Home: root}

	err := Check(wire.OpFSWrite, mustArgs(t, wire.FSWriteArgs{Path: filepath.Join(link, "f.txt"), Content: "x"}), &perms, res)
	if werr, ok := err.(*wire.Error); !ok || werr.Kind != wire.ErrPermissionDenied {
		t.Fatalf("write through an escaping symlink should be denied, got %v", err)
	}
}

func mkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}
