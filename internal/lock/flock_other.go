//go:build !unix

package lock

import (
	"errors"
	"os"
)

// Non-unix hosts have no flock: a lock file that is not empty (a PID
// was written into it) counts as held, so the lock degrades to
// advisory-by-pid.
func flockExclusive(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		return errors.New("lock held")
	}
	return nil
}
