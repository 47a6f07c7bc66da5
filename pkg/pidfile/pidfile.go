// Package pidfile records the watcher's process id and answers whether a
// recorded watcher is still alive.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Status is the liveness of the process named by a PID file.
type Status string

const (
	// StatusRunning means the PID file names a live process.
	StatusRunning Status = "running"
	// StatusStopped means there is no PID file.
	StatusStopped Status = "stopped"
	// StatusStale means the PID file named a dead process. Check removes
	// such files, so a second Check reports StatusStopped.
	StatusStale Status = "stale"
)

// File is the path of a watcher PID file.
type File string

// Write stores pid with owner-only permissions.
func (f File) Write(pid int) error {
	path := string(f)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("chmod PID file %s: %w", path, err)
	}
	return nil
}

// PID returns the process id stored in the file. A missing file yields an
// error wrapping os.ErrNotExist.
func (f File) PID() (int, error) {
	raw, err := os.ReadFile(string(f)) //nolint:gosec // chosen by the operator
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("PID file %s holds %q, not a process id", string(f), strings.TrimSpace(string(raw)))
	}
	return pid, nil
}

// Release deletes the file. It is a no-op when the file is already gone.
func (f File) Release() error {
	if err := os.Remove(string(f)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", string(f), err)
	}
	return nil
}

// Check reports whether the file names a live watcher, along with the PID
// it holds (0 when stopped). A file naming a dead process is removed and
// reported as StatusStale with the dead PID.
func (f File) Check() (Status, int, error) {
	pid, err := f.PID()
	switch {
	case errors.Is(err, os.ErrNotExist):
		return StatusStopped, 0, nil
	case err != nil:
		return StatusStopped, 0, err
	case IsProcessAlive(pid):
		return StatusRunning, pid, nil
	}
	if err := f.Release(); err != nil {
		return StatusStale, pid, err
	}
	return StatusStale, pid, nil
}

// IsProcessAlive checks whether a process with the given PID exists. A
// process owned by another user still counts.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate sends SIGTERM to the watcher named by the file. It returns what
// Check found; only a StatusRunning process is signalled.
func (f File) Terminate() (Status, int, error) {
	status, pid, err := f.Check()
	if err != nil || status != StatusRunning {
		return status, pid, err
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return status, pid, fmt.Errorf("send SIGTERM to PID %d: %w", pid, err)
	}
	return status, pid, nil
}
