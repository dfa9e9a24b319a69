// Package config manages the engine's persistent state layout, the
// per-host app configuration, and the tunable engine settings with
// their environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StatePaths is the on-disk layout under the per-host state root.
type StatePaths struct {
	Root             string
	ConfigPath       string // config.json
	IndexPath        string // index.db
	LockPath         string // cloud.lock
	KeysPath         string // keys.enc
	AuthKeypairPath  string // auth-keypair.enc
	WebsiteAuthPath  string // website-auth.enc
	CollabKeysPath   string // collab-keys.enc
	SpaceSecretsPath string // space-secrets.enc
	SpacesDir        string // spaces/
}

// NewStatePaths resolves the state root and derives the member paths.
func NewStatePaths() (*StatePaths, error) {
	root, err := DefaultStateRoot()
	if err != nil {
		return nil, err
	}
	return StatePathsAt(root), nil
}

// StatePathsAt derives the layout under an explicit root.
func StatePathsAt(root string) *StatePaths {
	return &StatePaths{
		Root:             root,
		ConfigPath:       filepath.Join(root, "config.json"),
		IndexPath:        filepath.Join(root, "index.db"),
		LockPath:         filepath.Join(root, "cloud.lock"),
		KeysPath:         filepath.Join(root, "keys.enc"),
		AuthKeypairPath:  filepath.Join(root, "auth-keypair.enc"),
		WebsiteAuthPath:  filepath.Join(root, "website-auth.enc"),
		CollabKeysPath:   filepath.Join(root, "collab-keys.enc"),
		SpaceSecretsPath: filepath.Join(root, "space-secrets.enc"),
		SpacesDir:        filepath.Join(root, "spaces"),
	}
}

// DefaultStateRoot resolves the per-host state root. Precedence:
// NEXUS_STATE_DIR, NEXUS_HOME/state/cloud, ~/nexus/state/cloud, then
// the legacy locations when they already exist.
func DefaultStateRoot() (string, error) {
	if root := os.Getenv("NEXUS_STATE_DIR"); root != "" {
		return root, nil
	}
	if home := os.Getenv("NEXUS_HOME"); home != "" {
		return filepath.Join(home, "state", "cloud"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	defaultRoot := filepath.Join(home, "nexus", "state", "cloud")
	if dirExists(defaultRoot) {
		return defaultRoot, nil
	}
	for _, legacy := range []string{
		filepath.Join(home, ".nexus-rs", "state", "cloud"),
		filepath.Join(home, ".nexus", "cloud"),
	} {
		if dirExists(legacy) {
			return legacy, nil
		}
	}
	return defaultRoot, nil
}

// DefaultWorkspacePath is the workspace used when config.json does not
// name one.
func DefaultWorkspacePath() string {
	if home := os.Getenv("NEXUS_HOME"); home != "" {
		return filepath.Join(home, "home")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "nexus", "home")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
