// Package lock provides the cross-process advisory lock that ensures
// at most one push or pull runs per host at a time.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileName is the lock file inside the state root.
const FileName = "cloud.lock"

// ContendedError reports the PID holding the lock.
type ContendedError struct {
	Path string
	PID  int
}

func (e *ContendedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("another sync is running (pid %d, lock %s)", e.PID, e.Path)
	}
	return fmt.Sprintf("another sync is running (lock %s)", e.Path)
}

// Lock is a held exclusive lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock at path, failing fast when another
// process holds it. On success the holder's PID is written into the
// file.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := flockExclusive(f); err != nil {
		pid := readHolderPID(f)
		f.Close()
		return nil, &ContendedError{Path: path, PID: pid}
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid: %w", err)
	}

	return &Lock{file: f, path: path}, nil
}

// Release drops the lock. The lock file itself persists.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Clear the PID: hosts without flock treat a non-empty file as held.
	_ = l.file.Truncate(0)
	err := l.file.Close()
	l.file = nil
	return err
}

func readHolderPID(f *os.File) int {
	buf := make([]byte, 32)
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
