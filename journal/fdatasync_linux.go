package journal

import (
	"os"
	"syscall"
)

// fdatasync skips the inode metadata flush that f.Sync does. Commits only
// need the appended bytes to be durable.
func fdatasync(f *os.File) error {
	return syscall.Fdatasync(int(f.Fd()))
}
