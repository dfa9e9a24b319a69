package syncer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Conflict resolution strategies.
const (
	conflictMerged   = "merged"
	conflictKeptBoth = "kept-both"
)

// resolveConflict reconciles a locally-modified file with the remote
// version. Textual files get a merged copy with conflict markers;
// binary files keep both versions side by side. Returns the strategy
// used.
func resolveConflict(fullPath, relPath string, remote []byte) (string, error) {
	local, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("read local %s: %w", relPath, err)
	}

	if isText(local) && isText(remote) {
		merged := fmt.Sprintf("<<<<<<< local\n%s\n=======\n%s\n>>>>>>> remote\n", local, remote)
		if err := writeWorkspaceFile(fullPath, []byte(merged)); err != nil {
			return "", err
		}
		fmt.Fprintf(os.Stderr, "Conflict in %s - merged with markers\n", relPath)
		return conflictMerged, nil
	}

	ext := filepath.Ext(fullPath)
	base := strings.TrimSuffix(fullPath, ext)
	localPath := base + ".local" + ext
	remotePath := base + ".remote" + ext
	if err := os.Rename(fullPath, localPath); err != nil {
		return "", fmt.Errorf("rename local copy of %s: %w", relPath, err)
	}
	if err := writeWorkspaceFile(remotePath, remote); err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Conflict in %s - kept both versions\n", relPath)
	return conflictKeptBoth, nil
}

// isText reports whether data looks textual: valid UTF-8 with no NUL
// bytes.
func isText(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(data)
}
