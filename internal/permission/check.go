// Package permission implements the Permission Core: the capability and
// plan-whitelist check interposed between every RPC and its effect.
package permission

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/op15/bridge/internal/session"
	"github.com/op15/bridge/internal/wire"
)

// PathResolver resolves a relative request path argument against cwd, then
// home, before canonicalization.
type PathResolver struct {
	Cwd  string
	Home string
}

// Check runs the Permission Core algorithm against a single operation:
// plan whitelist first, then capability, then per-path scope. args is the
// raw JSON object of operation-specific fields (wire.Request.Args); it is
// used both for the plan-args subset check and to extract path arguments
// for scope checking.
//
// perms must already be a snapshot (session.Permissions.Clone()) taken
// before dispatch, so a concurrent update cannot affect this call. Check
// takes perms by pointer and advances ApprovedStepCursor on a successful
// plan step in place, so the caller must persist *perms back (e.g. via
// the daemon's setPermissions) after a successful check for the cursor
// advance to stick.
func Check(op wire.OpKind, args json.RawMessage, perms *session.Permissions, res PathResolver) error {
	if len(perms.ApprovedPlan) > 0 {
		// A plan, once approved, is the only thing the session may do: a
		// fully consumed plan keeps denying until a new plan-approve clears
		// it.
		if perms.ApprovedStepCursor >= len(perms.ApprovedPlan) {
			return &wire.Error{Kind: wire.ErrPlanViolation, Message: "plan exhausted"}
		}
		return checkPlan(op, args, perms)
	}

	for _, requiredCap := range requiredCapabilities(op) {
		if !perms.AllowedOperations[requiredCap] {
			return &wire.Error{Kind: wire.ErrPermissionDenied, Message: "capability"}
		}
	}

	paths, err := pathArgsFor(op, args)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := checkScope(*perms, res, p); err != nil {
			return err
		}
	}
	return nil
}

// checkPlan enforces the approved plan, strictly ordered. Args are
// compared as a subset (every step arg must appear in the request), walked
// with gjson rather than hand-rolled map-equality so newly-defaulted fields
// (e.g. depth) on the request never break a plan that didn't specify them.
func checkPlan(op wire.OpKind, args json.RawMessage, perms *session.Permissions) error {
	step := perms.ApprovedPlan[perms.ApprovedStepCursor]
	if step.Operation != string(op) {
		return &wire.Error{Kind: wire.ErrPlanViolation, Message: "operation mismatch"}
	}
	if !argsSubset(step.Args, args) {
		return &wire.Error{Kind: wire.ErrPlanViolation, Message: "args mismatch"}
	}
	perms.ApprovedStepCursor++
	return nil
}

// argsSubset reports whether every key in want is present in got with an
// equal value.
func argsSubset(want map[string]any, got json.RawMessage) bool {
	if len(want) == 0 {
		return true
	}
	if len(got) == 0 {
		return false
	}
	parsed := gjson.ParseBytes(got)
	for k, wantVal := range want {
		gotVal := parsed.Get(gjsonPath(k))
		if !gotVal.Exists() {
			return false
		}
		wantJSON, err := json.Marshal(wantVal)
		if err != nil {
			return false
		}
		if !jsonEqual(string(wantJSON), gotVal.Raw) {
			return false
		}
	}
	return true
}

// gjsonPath escapes a plain top-level key for gjson (keys in our operation
// arg structs never themselves contain path syntax, but escape defensively).
func gjsonPath(key string) string {
	return strings.ReplaceAll(key, ".", `\.`)
}

func jsonEqual(a, b string) bool {
	var av, bv any
	if json.Unmarshal([]byte(a), &av) != nil {
		return false
	}
	if json.Unmarshal([]byte(b), &bv) != nil {
		return false
	}
	return deepEqualJSON(av, bv)
}

func deepEqualJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqualJSON(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// requiredCapabilities maps an operation to every capability gating it.
// fs.move carries two obligations, read on the source and write on the
// destination, and both must be granted before it runs: the cross-device
// fallback reads the source's bytes, so write alone is not enough.
func requiredCapabilities(op wire.OpKind) []string {
	if op == wire.OpFSMove {
		return []string{wire.CapRead, wire.CapWrite}
	}
	return []string{op.RequiredCapability()}
}

type pathArg struct {
	path string
	cap  string
}

// pathArgsFor extracts the path-bearing arguments of an operation along
// with the capability each one is checked under; fs.move contributes two
// (read on source, write on destination).
func pathArgsFor(op wire.OpKind, args json.RawMessage) ([]pathArg, error) {
	switch op {
	case wire.OpFSList:
		var a wire.FSListArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		return []pathArg{{a.Path, wire.CapRead}}, nil
	case wire.OpFSRead:
		var a wire.FSReadArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		return []pathArg{{a.Path, wire.CapRead}}, nil
	case wire.OpFSWrite:
		var a wire.FSWriteArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		return []pathArg{{a.Path, wire.CapWrite}}, nil
	case wire.OpFSDelete:
		var a wire.FSDeleteArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		return []pathArg{{a.Path, wire.CapDelete}}, nil
	case wire.OpFSMove:
		var a wire.FSMoveArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		return []pathArg{{a.Source, wire.CapRead}, {a.Destination, wire.CapWrite}}, nil
	case wire.OpExecRun:
		var a wire.ExecRunArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &wire.Error{Kind: wire.ErrMalformedFrame, Message: err.Error()}
		}
		if strings.TrimSpace(a.Cwd) == "" {
			return nil, nil
		}
		return []pathArg{{a.Cwd, wire.CapExec}}, nil
	default:
		return nil, &wire.Error{Kind: wire.ErrUnknownOperation, Message: string(op)}
	}
}

// checkScope applies the mode's path policy: unrestricted allows all, safe
// allows reads only, balanced requires an allowed-directory prefix on the
// canonical path.
func checkScope(perms session.Permissions, res PathResolver, p pathArg) error {
	switch perms.Mode {
	case session.ModeUnrestricted:
		return nil
	case session.ModeSafe:
		if p.cap == wire.CapRead {
			return nil
		}
		return &wire.Error{Kind: wire.ErrPermissionDenied, Message: "scope"}
	case session.ModeBalanced:
		canon, err := Canonicalize(p.path, res)
		if err != nil {
			return &wire.Error{Kind: wire.ErrPermissionDenied, Message: "scope"}
		}
		for _, prefix := range perms.AllowedDirectories {
			// Canonicalize the prefix too, so an allowed directory reached
			// through a symlink still contains its own resolved children.
			cp, err := Canonicalize(prefix, res)
			if err != nil {
				continue
			}
			if isPrefix(cp, canon) {
				return nil
			}
		}
		return &wire.Error{Kind: wire.ErrPermissionDenied, Message: "scope"}
	default:
		return &wire.Error{Kind: wire.ErrPermissionDenied, Message: "scope"}
	}
}

// Canonicalize resolves symlinks and ".." before prefix comparison, so a
// path cannot escape an allowed directory through either. Relative paths
// are resolved against cwd, then home.
func Canonicalize(p string, res PathResolver) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", errors.New("permission: empty path")
	}
	if !filepath.IsAbs(p) {
		base := res.Cwd
		if base == "" {
			base = res.Home
		}
		if base == "" {
			return "", errors.New("permission: no base to resolve relative path")
		}
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)

	// EvalSymlinks requires the path to exist; fall back to the cleaned
	// absolute path for not-yet-created targets (e.g. a file about to be
	// written) by resolving the deepest existing ancestor instead.
	resolved, err := evalSymlinksBestEffort(p)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func evalSymlinksBestEffort(p string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(p)
	dir = filepath.Clean(dir)
	if dir == p {
		return p, nil
	}
	resolvedDir, err := evalSymlinksBestEffort(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

func isPrefix(prefix, path string) bool {
	prefix = filepath.Clean(prefix)
	path = filepath.Clean(path)
	if prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}
