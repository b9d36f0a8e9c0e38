// Package filelock serializes backup runs through an OS advisory lock.
//
// The kernel releases a flock when the holding process exits, so a crash
// can never leave a stale lock behind. The PID written into the file is
// informational only, it lets a second invocation report who holds the
// lock.
package filelock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/alfops/alf-backup/pkg/plog"
)

// LockFileName is the lock file's name under the backup root.
const LockFileName = "backup.lock"

const lockFileMode = 0644

// ErrLockActive is a structured error returned when the lock is already
// held by another process.
type ErrLockActive struct {
	Path string
	PID  int
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("another backup instance is already running (PID %d, lock %s)", e.PID, e.Path)
	}
	return fmt.Sprintf("another backup instance is already running (lock %s)", e.Path)
}

// Lock holds an acquired advisory lock.
type Lock struct {
	path string
	file *os.File
	held bool
}

// Acquire takes the advisory lock at path without blocking. When another
// process holds it, an *ErrLockActive carrying that process's PID is
// returned immediately.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readHolderPID(f)
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, &ErrLockActive{Path: path, PID: holder}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	// We own the lock now, record our PID for diagnostics.
	if err := f.Truncate(0); err != nil {
		plog.Warn("Failed to truncate lock file", "path", path, "error", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		plog.Warn("Failed to write PID to lock file", "path", path, "error", err)
	}

	return &Lock{path: path, file: f, held: true}, nil
}

// Release drops the lock and removes the file. Safe to call twice.
func (l *Lock) Release() {
	if l == nil || !l.held {
		return
	}
	l.held = false

	// Removing before unlocking closes the window where a new process
	// could lock a file we are about to delete.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		plog.Warn("Failed to unlock lock file", "path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		plog.Warn("Failed to close lock file", "path", l.path, "error", err)
	}
	plog.Info("Lock released", "path", l.path)
}

// readHolderPID best-effort reads the PID the current holder wrote.
func readHolderPID(f *os.File) int {
	buf := make([]byte, 64)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
