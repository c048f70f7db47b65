//go:build windows

package segstore

import (
	"os"
)

// acquireLock is a no-op on Windows; the open LOCK handle is the only guard.
func acquireLock(f *os.File) error {
	return nil
}

func releaseLockFile(f *os.File) {}
