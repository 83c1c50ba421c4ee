// Package executor implements the Agent Executor: the six operations that
// actually touch the host filesystem and process table. Each operation is a
// plain function taking typed args and returning a typed wire.Error, so the
// daemon's dispatch layer and the loopback HTTP handlers share one
// implementation.
package executor

import (
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/op15/bridge/internal/wire"
)

// Executor resolves cwd as explicit argument > session workspace root >
// home directory, and performs operations against the real host
// filesystem. There is no virtual root: paths are real paths, scope is the
// Permission Core's job, not ours.
type Executor struct {
	Home          string
	WorkspaceRoot string
}

func New(home, workspaceRoot string) *Executor {
	return &Executor{Home: home, WorkspaceRoot: workspaceRoot}
}

func (e *Executor) resolveCwd(explicit string) (string, error) {
	cwd := explicit
	if cwd == "" {
		cwd = e.WorkspaceRoot
	}
	if cwd == "" {
		cwd = e.Home
	}
	if cwd == "" {
		return "", &wire.Error{Kind: wire.ErrInvalidCwd, Message: "no cwd available"}
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		return "", &wire.Error{Kind: wire.ErrInvalidCwd, Message: cwd}
	}
	return cwd, nil
}

// resolvePath makes a relative path absolute against WorkspaceRoot, or
// Home when no workspace root is set; canonical
// scope enforcement already happened in the Permission Core before the
// executor is ever invoked.
func (e *Executor) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	base := e.WorkspaceRoot
	if base == "" {
		base = e.Home
	}
	return filepath.Clean(filepath.Join(base, p))
}

// List implements fs.list.
func (e *Executor) List(a wire.FSListArgs) (wire.FSListResult, error) {
	root := e.resolvePath(a.Path)
	info, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return wire.FSListResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: a.Path}
	}
	if err != nil {
		return wire.FSListResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: err.Error()}
	}
	if !info.IsDir() {
		return wire.FSListResult{}, &wire.Error{Kind: wire.ErrNotADirectory, Message: a.Path}
	}

	entries := make([]wire.FSEntry, 0, 32)
	walkList(root, root, 0, a.Depth, &entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return wire.FSListResult{Entries: entries}, nil
}

// walkList recurses down to maxDepth levels (0 = immediate children only),
// silently skipping children the process cannot stat; a single unreadable
// child never aborts the listing.
func walkList(dir, root string, depth, maxDepth int, out *[]wire.FSEntry) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range ents {
		info, err := e.Info()
		if err != nil {
			continue
		}
		full := filepath.Join(dir, e.Name())
		kind := "file"
		if info.IsDir() {
			kind = "directory"
		}
		*out = append(*out, wire.FSEntry{
			Name:  e.Name(),
			Path:  full,
			Kind:  kind,
			Size:  info.Size(),
			Mtime: info.ModTime().UnixMilli(),
		})
		if info.IsDir() && depth < maxDepth {
			walkList(full, root, depth+1, maxDepth, out)
		}
	}
}

// maxReadBytes caps fs.read; larger files fail with too-large.
const maxReadBytes = 32 << 20

// Read implements fs.read.
func (e *Executor) Read(a wire.FSReadArgs) (wire.FSReadResult, error) {
	p := e.resolvePath(a.Path)
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return wire.FSReadResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: a.Path}
	}
	if err != nil {
		return wire.FSReadResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: err.Error()}
	}
	if info.IsDir() {
		return wire.FSReadResult{}, &wire.Error{Kind: wire.ErrIsADirectory, Message: a.Path}
	}
	if info.Size() > maxReadBytes {
		return wire.FSReadResult{}, &wire.Error{Kind: wire.ErrTooLarge, Message: a.Path}
	}

	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsPermission(err) {
			return wire.FSReadResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: a.Path}
		}
		return wire.FSReadResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: err.Error()}
	}

	switch normalizeEncoding(a.Encoding) {
	case "base64":
		return wire.FSReadResult{Content: base64.StdEncoding.EncodeToString(b)}, nil
	default:
		return wire.FSReadResult{Content: string(b)}, nil
	}
}

// Write implements fs.write: createDirs defaults to true.
func (e *Executor) Write(a wire.FSWriteArgs) (wire.FSWriteResult, error) {
	p := e.resolvePath(a.Path)

	if a.CreateDirsOrDefault() {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return wire.FSWriteResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: "mkdir: " + err.Error()}
		}
	}

	var data []byte
	switch normalizeEncoding(a.Encoding) {
	case "base64":
		b, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return wire.FSWriteResult{}, &wire.Error{Kind: wire.ErrMalformedFrame, Message: "invalid base64"}
		}
		data = b
	default:
		data = []byte(a.Content)
	}

	if err := os.WriteFile(p, data, 0o644); err != nil {
		if os.IsPermission(err) {
			return wire.FSWriteResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: a.Path}
		}
		if info, statErr := os.Stat(p); statErr == nil && info.IsDir() {
			return wire.FSWriteResult{}, &wire.Error{Kind: wire.ErrIsADirectory, Message: a.Path}
		}
		return wire.FSWriteResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: err.Error()}
	}
	return wire.FSWriteResult{Success: true}, nil
}

// Delete implements fs.delete.
func (e *Executor) Delete(a wire.FSDeleteArgs) (wire.FSDeleteResult, error) {
	p := e.resolvePath(a.Path)
	info, err := os.Lstat(p)
	if errors.Is(err, os.ErrNotExist) {
		return wire.FSDeleteResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: a.Path}
	}
	if err != nil {
		return wire.FSDeleteResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: err.Error()}
	}

	if info.IsDir() && !a.Recursive {
		ents, err := os.ReadDir(p)
		if err == nil && len(ents) > 0 {
			return wire.FSDeleteResult{}, &wire.Error{Kind: wire.ErrNotEmpty, Message: a.Path}
		}
		if err := os.Remove(p); err != nil {
			return wire.FSDeleteResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: err.Error()}
		}
		return wire.FSDeleteResult{Success: true}, nil
	}

	if a.Recursive {
		if err := os.RemoveAll(p); err != nil {
			return wire.FSDeleteResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: err.Error()}
		}
		return wire.FSDeleteResult{Success: true}, nil
	}
	if err := os.Remove(p); err != nil {
		return wire.FSDeleteResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: err.Error()}
	}
	return wire.FSDeleteResult{Success: true}, nil
}

// Move implements fs.move: rename, falling back to copy+delete
// across devices, createDestDirs defaults to false (see DESIGN.md).
func (e *Executor) Move(a wire.FSMoveArgs) (wire.FSMoveResult, error) {
	src := e.resolvePath(a.Source)
	dst := e.resolvePath(a.Destination)

	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		return wire.FSMoveResult{}, &wire.Error{Kind: wire.ErrNotFound, Message: a.Source}
	}

	if a.CreateDestDirsOrDefault() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return wire.FSMoveResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: "mkdir: " + err.Error()}
		}
	}

	err := os.Rename(src, dst)
	if err == nil {
		return wire.FSMoveResult{Success: true}, nil
	}
	if !isCrossDevice(err) {
		return wire.FSMoveResult{}, &wire.Error{Kind: wire.ErrPermissionDenied, Message: err.Error()}
	}

	if copyErr := copyAny(src, dst); copyErr != nil {
		return wire.FSMoveResult{}, &wire.Error{Kind: wire.ErrCrossDevice, Message: copyErr.Error()}
	}
	if err := os.RemoveAll(src); err != nil {
		return wire.FSMoveResult{}, &wire.Error{Kind: wire.ErrCrossDevice, Message: err.Error()}
	}
	return wire.FSMoveResult{Success: true}, nil
}

func normalizeEncoding(enc string) string {
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "base64":
		return "base64"
	default:
		return "utf8"
	}
}

// copyFile copies a single file, preserving its mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// copyDir recursively copies a directory tree.
func copyDir(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	ents, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range ents {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(s, d); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(s, d); err != nil {
			return err
		}
	}
	return nil
}

func copyAny(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst)
}
