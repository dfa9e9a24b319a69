package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the engine tuning knobs. Precedence: env > settings
// file > defaults.
type Settings struct {
	BatchSize          int           `yaml:"batch_size"`
	BatchMaxBytes      uint64        `yaml:"batch_max_bytes"`
	MaxInflightBatches int           `yaml:"max_inflight_batches"`
	UploadConcurrency  int           `yaml:"upload_concurrency"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	RunTimeout         time.Duration `yaml:"run_timeout"`

	PackEnabled  *bool  `yaml:"pack_enabled"` // nil: decided per run (cold pushes pack)
	PackMaxFile  uint64 `yaml:"pack_max_file"`
	PackMaxBytes uint64 `yaml:"pack_max_bytes"`

	ChunkThreads int `yaml:"chunk_threads"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		BatchSize:          400,
		BatchMaxBytes:      512 * 1024 * 1024,
		MaxInflightBatches: 4,
		UploadConcurrency:  32,
		BatchTimeout:       60 * time.Second,
		RunTimeout:         180 * time.Second,
		PackMaxFile:        512 * 1024,
		PackMaxBytes:       64 * 1024 * 1024,
	}
}

// LoadSettings merges the optional YAML settings file and the NEXUS_*
// environment overrides onto the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return s, fmt.Errorf("read settings: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &s); err != nil {
				return s, fmt.Errorf("parse settings: %w", err)
			}
		}
	}

	s.applyEnv()
	return s, nil
}

func (s *Settings) applyEnv() {
	if v, ok := envInt("NEXUS_BATCH_SIZE"); ok {
		s.BatchSize = v
	}
	if v, ok := envSize("NEXUS_BATCH_MAX_BYTES"); ok {
		s.BatchMaxBytes = v
	}
	if v, ok := envInt("NEXUS_MAX_INFLIGHT_BATCHES"); ok {
		s.MaxInflightBatches = v
	}
	if v, ok := envInt("NEXUS_UPLOAD_CONCURRENCY"); ok {
		s.UploadConcurrency = v
	}
	if v, ok := envInt("NEXUS_UPLOAD_BATCH_TIMEOUT_MS"); ok {
		s.BatchTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("NEXUS_RUN_TIMEOUT_MS"); ok {
		s.RunTimeout = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv("NEXUS_PACK_ENABLE"); v != "" {
		enabled := v != "0"
		s.PackEnabled = &enabled
	}
	if v, ok := envSize("NEXUS_PACK_MAX_FILE"); ok {
		s.PackMaxFile = v
	}
	if v, ok := envSize("NEXUS_PACK_MAX_BYTES"); ok {
		s.PackMaxBytes = v
	}
	if v, ok := envInt("NEXUS_CHUNK_THREADS"); ok {
		s.ChunkThreads = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSize(key string) (uint64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	return ParseSize(v, 0), true
}

// ParseSize parses human sizes like "512k", "64mb", "1.5g". Bare
// numbers are bytes. Unparseable input yields the fallback.
func ParseSize(raw string, fallback uint64) uint64 {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return fallback
	}
	var number, unit strings.Builder
	for _, ch := range trimmed {
		switch {
		case ch >= '0' && ch <= '9', ch == '.':
			number.WriteRune(ch)
		case ch == ' ', ch == '\t':
		default:
			unit.WriteRune(ch)
		}
	}
	amount, err := strconv.ParseFloat(number.String(), 64)
	if err != nil {
		return fallback
	}
	var multiplier float64
	switch unit.String() {
	case "g", "gb":
		multiplier = 1024 * 1024 * 1024
	case "m", "mb":
		multiplier = 1024 * 1024
	case "k", "kb":
		multiplier = 1024
	case "", "b":
		multiplier = 1
	default:
		multiplier = 1
	}
	result := amount * multiplier
	if result < 1 {
		return 1
	}
	return uint64(result)
}
