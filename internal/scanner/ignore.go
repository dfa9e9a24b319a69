package scanner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFileName is the workspace-level ignore file, gitignore syntax.
const IgnoreFileName = ".nexusignore"

// DefaultIgnorePatterns are always active, before any .nexusignore
// entries. Session logs, env files, credentials, keys and the usual
// dependency/VCS/OS junk never leave the machine.
func DefaultIgnorePatterns() []string {
	return []string{
		"sessions/",
		"*.tmp",
		"*.swp",
		".DS_Store",
		".env",
		".env.*",
		"*credentials*",
		"*secret*",
		"*.key",
		"*.pem",
		"node_modules/",
		"__pycache__/",
		".venv/",
		".git/",
	}
}

// buildMatcher layers .nexusignore (if present) on top of the default
// pattern set. A missing ignore file is not an error.
func buildMatcher(root string) (gitignore.Matcher, error) {
	var patterns []gitignore.Pattern
	for _, p := range DefaultIgnorePatterns() {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	f, err := os.Open(filepath.Join(root, IgnoreFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return gitignore.NewMatcher(patterns), nil
		}
		return nil, fmt.Errorf("open %s: %w", IgnoreFileName, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFileName, err)
	}
	return gitignore.NewMatcher(patterns), nil
}

// ignored reports whether the workspace-relative path matches the
// ignore rules.
func ignored(m gitignore.Matcher, relPath string, isDir bool) bool {
	return m.Match(strings.Split(filepath.ToSlash(relPath), "/"), isDir)
}

// findGitRoots collects every subdirectory of root that is itself a git
// repository (a .git directory or file). Those subtrees are opaque to
// the scanner. The workspace root itself is never a git root.
func findGitRoots(root string, m gitignore.Matcher) []string {
	var roots []string
	stack := []string{root}

	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if dir != root {
			rel, err := filepath.Rel(root, dir)
			if err != nil {
				continue
			}
			if ignored(m, rel, true) {
				continue
			}
			if isGitRepoRoot(dir) {
				roots = append(roots, dir)
				continue
			}
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				stack = append(stack, filepath.Join(dir, entry.Name()))
			}
		}
	}
	return roots
}

func isGitRepoRoot(dir string) bool {
	// .git may be a directory or, in worktrees and submodules, a file.
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func underGitRoot(gitRoots []string, path string) bool {
	for _, root := range gitRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
