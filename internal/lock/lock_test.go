//go:build unix

package lock

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_WritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", os.Getpid()), string(data))
}

func TestAcquire_ReleaseThenReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	l, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, l2.Release())

	// The lock file persists after release.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

// TestAcquire_ContentionAcrossProcesses spawns a child that holds the
// lock while the parent tries to take it. flock is per file handle
// owner, so real contention needs two processes.
func TestAcquire_ContentionAcrossProcesses(t *testing.T) {
	if os.Getenv("LOCK_TEST_CHILD") == "1" {
		path := os.Getenv("LOCK_TEST_PATH")
		l, err := Acquire(path)
		if err != nil {
			fmt.Println("child-failed")
			os.Exit(1)
		}
		fmt.Println("held")
		// Hold until stdin closes.
		buf := make([]byte, 1)
		os.Stdin.Read(buf)
		l.Release()
		os.Exit(0)
	}

	path := filepath.Join(t.TempDir(), FileName)

	cmd := exec.Command(os.Args[0], "-test.run", "TestAcquire_ContentionAcrossProcesses")
	cmd.Env = append(os.Environ(), "LOCK_TEST_CHILD=1", "LOCK_TEST_PATH="+path)
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	defer func() {
		stdin.Close()
		cmd.Wait()
	}()

	// Wait for the child to report it holds the lock.
	buf := make([]byte, 4)
	_, err = stdout.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "held", string(buf))

	_, err = Acquire(path)
	require.Error(t, err)
	var contended *ContendedError
	require.ErrorAs(t, err, &contended)
	assert.Equal(t, cmd.Process.Pid, contended.PID)
}
