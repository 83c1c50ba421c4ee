package executor

import (
	"errors"
	"os"
	"syscall"
)

// isCrossDevice reports whether os.Rename failed because source and
// destination live on different devices, in which case Move falls back to
// copy+delete.
func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}
	return errors.Is(linkErr.Err, syscall.EXDEV)
}
