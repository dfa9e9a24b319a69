package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AppConfig is the persisted per-host configuration (config.json).
type AppConfig struct {
	WorkspacePath string `json:"workspacePath"`
	CloudURL      string `json:"cloudUrl"`
	Initialized   bool   `json:"initialized"`
}

// LoadAppConfig reads config.json. A missing file yields the zero
// config with the default workspace path and ok=false.
func LoadAppConfig(path string) (AppConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AppConfig{WorkspacePath: DefaultWorkspacePath()}, false, nil
		}
		return AppConfig{}, false, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, false, fmt.Errorf("parse config: %w", err)
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = DefaultWorkspacePath()
	}
	return cfg, true, nil
}

// SaveAppConfig writes config.json, creating parent directories.
func SaveAppConfig(path string, cfg AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
