// Package fsindex builds the shallow FSIndex snapshot an agent sends in its
// agent-metadata control message at handshake.
package fsindex

import (
	"os"
	"path/filepath"
	"time"

	"github.com/op15/bridge/internal/session"
)

// conventionalDirs are the handful of user directories indexed by name so
// the orchestrator can resolve "Desktop"-style references without a path.
var conventionalDirs = []string{"Desktop", "Documents", "Downloads", "Projects", "Code"}

// Build takes a shallow (depth <= 2) snapshot of home: the conventional
// directories that exist, plus every path down to two levels. The snapshot
// is immutable once sent; a fresh one is computed on each handshake.
func Build(home string) session.FSIndex {
	home = filepath.Clean(home)

	idx := session.FSIndex{
		MainDirectories: make([]session.NamedPath, 0, len(conventionalDirs)+1),
		IndexedAt:       time.Now(),
	}
	idx.MainDirectories = append(idx.MainDirectories, session.NamedPath{Name: "home", Path: home})

	paths := map[string]struct{}{home: {}}
	for _, name := range conventionalDirs {
		p := filepath.Join(home, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			idx.MainDirectories = append(idx.MainDirectories, session.NamedPath{Name: name, Path: p})
			paths[p] = struct{}{}
		}
	}

	walkDepth(home, 0, 2, paths)

	idx.IndexedPaths = make([]string, 0, len(paths))
	for p := range paths {
		idx.IndexedPaths = append(idx.IndexedPaths, p)
	}
	return idx
}

// walkDepth records every entry down to maxDepth levels under root. Entries
// the process cannot stat/read are skipped; a single bad child never aborts
// the index.
func walkDepth(dir string, depth, maxDepth int, out map[string]struct{}) {
	if depth >= maxDepth {
		return
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range ents {
		p := filepath.Join(dir, e.Name())
		out[p] = struct{}{}
		if e.IsDir() {
			walkDepth(p, depth+1, maxDepth, out)
		}
	}
}
