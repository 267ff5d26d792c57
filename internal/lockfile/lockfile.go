// Package lockfile keeps two roomsync processes from syncing the same
// workspace directory at once.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrLocked = errors.New("workspace is already being synced")
)

// Lockfile represents a file-based lock
type Lockfile struct {
	path   string
	owner  string
	file   *os.File
	pid    int
	locked bool
}

// New creates a lock at path. owner is recorded in the file for the
// benefit of whoever finds it held.
func New(path, owner string) *Lockfile {
	return &Lockfile{path: path, owner: owner}
}

// ForWorkspace returns the lock guarding root. Lock files live in
// stateDir/locks and are named by a hash of the absolute root path.
func ForWorkspace(stateDir, root string) (*Lockfile, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	name := strconv.FormatUint(xxhash.Sum64String(filepath.Clean(abs)), 16) + ".lock"
	return New(filepath.Join(stateDir, "locks", name), abs), nil
}

// TryAcquire takes the lock. A lock left behind by a process that is no
// longer running is taken over.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create lockfile directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil && os.IsExist(err) {
		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lockfile (%s): %w", reason, err)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	}
	if err != nil {
		return fmt.Errorf("create lockfile: %w", err)
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true

	// pid, start time and owner, one per line
	content := fmt.Sprintf("%d\n%s\n%s\n", l.pid, time.Now().Format(time.RFC3339), l.owner)
	if _, err := l.file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("write lockfile: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		l.Release()
		return fmt.Errorf("sync lockfile: %w", err)
	}
	return nil
}

// checkStale reports whether the existing lockfile can be taken over.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lockfile"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid PID in lockfile"
	}
	if running, reason := isProcessRunning(pid); !running {
		return true, reason
	}

	held := fmt.Sprintf("process %d", pid)
	if len(lines) >= 2 {
		held += " since " + strings.TrimSpace(lines[1])
	}
	return false, held
}

// Release releases the lock
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, fmt.Errorf("remove lockfile: %w", removeErr))
	}
	l.locked = false
	return err
}

// PID returns the PID that acquired the lock
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked returns true if the lock is held
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lockfile path
func (l *Lockfile) Path() string {
	return l.path
}
