package lockfile

import (
	"errors"
	"testing"
)

func TestSingletonLock(t *testing.T) {
	dir := t.TempDir()

	lk, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}

	if _, err := AcquireDir(dir); !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire should fail with ErrHeld, got %v", err)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lk2, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("acquire after release should succeed: %v", err)
	}
	_ = lk2.Release()
}
