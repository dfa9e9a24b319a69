package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SpaceConfig describes one shared workspace served by this client.
type SpaceConfig struct {
	SpaceID    string `json:"spaceId"`
	MountPath  string `json:"mountPath"`
	KeyVersion uint32 `json:"keyVersion"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

// SaveSpaceConfig writes spaces/<space_id>.json.
func SaveSpaceConfig(paths *StatePaths, cfg SpaceConfig) error {
	if err := os.MkdirAll(paths.SpacesDir, 0o755); err != nil {
		return fmt.Errorf("create spaces dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal space config: %w", err)
	}
	path := filepath.Join(paths.SpacesDir, cfg.SpaceID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write space config: %w", err)
	}
	return nil
}

// LoadSpaceConfig reads one space config; nil when absent.
func LoadSpaceConfig(paths *StatePaths, spaceID string) (*SpaceConfig, error) {
	data, err := os.ReadFile(filepath.Join(paths.SpacesDir, spaceID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read space config: %w", err)
	}
	var cfg SpaceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse space config: %w", err)
	}
	return &cfg, nil
}

// ListSpaceConfigs loads every space config under spaces/. Unparseable
// files are skipped.
func ListSpaceConfigs(paths *StatePaths) ([]SpaceConfig, error) {
	entries, err := os.ReadDir(paths.SpacesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spaces dir: %w", err)
	}
	var out []SpaceConfig
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(paths.SpacesDir, entry.Name()))
		if err != nil {
			continue
		}
		var cfg SpaceConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}
