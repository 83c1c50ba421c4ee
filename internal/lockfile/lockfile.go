// Package lockfile enforces the agent-daemon singleton: at most one
// op15-agent process per state directory. Two daemons sharing a config
// would race on the same loopback port and dial the bridge under the same
// userId, so the second process must fail to start instead.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const lockName = "agent.lock"

// ErrHeld indicates another agent process already holds the daemon lock.
var ErrHeld = errors.New("daemon lock held by another process")

// Lock is the held singleton lock; release it on daemon shutdown.
type Lock struct {
	path string
	f    *os.File
}

// AcquireDir takes the daemon lock inside stateDir (the config directory),
// failing with ErrHeld if another agent process owns it. The lock file
// records the holder's pid for troubleshooting; the mutual exclusion itself
// comes from the OS advisory lock, not the file's contents.
func AcquireDir(stateDir string) (*Lock, error) {
	if stateDir == "" {
		return nil, errors.New("lockfile: empty state dir")
	}
	path := filepath.Join(stateDir, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lockfile: %s: %w", path, err)
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release drops the OS lock and closes the file. The lock file itself is
// left in place; a stale file without a holder is harmless since the next
// AcquireDir locks it fresh.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
