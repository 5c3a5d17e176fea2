//go:build unix

package bootstrap

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/contextdev/contextd/internal/daemonerr"
)

// InstanceLock holds an exclusive advisory lock on one file for the
// life of the process, preventing a second contextd from starting
// against the same data directory and corrupting its snapshot files.
//
// Grounded on the teacher's cmd/pulse-sensor-proxy/config_cmd.go, which
// takes the same unix.Flock(fd, LOCK_EX) before touching a shared config
// file.
type InstanceLock struct {
	file *os.File
}

// AcquireInstanceLock opens (creating if needed) path and takes a
// non-blocking exclusive lock, failing immediately if another process
// already holds it.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, daemonerr.Wrap(daemonerr.IoError, "open instance lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, daemonerr.Wrap(daemonerr.IoError, "another contextd instance already holds the data directory", err)
	}
	return &InstanceLock{file: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
