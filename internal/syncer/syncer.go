// Package syncer drives push and pull: it owns the phase machine that
// connects the scanner, chunker, upload pipeline and commit builder,
// and the pull engine that materializes remote commits locally.
package syncer

import (
	"fmt"
	"net/http"
	"time"

	"github.com/napageneral/nexus-cloud/internal/chunker"
	"github.com/napageneral/nexus-cloud/internal/config"
	"github.com/napageneral/nexus-cloud/internal/cryptobox"
	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/index/sqlite"
	"github.com/napageneral/nexus-cloud/internal/observability"
	"github.com/napageneral/nexus-cloud/internal/transport"
)

// Config wires one workspace to one remote.
type Config struct {
	WorkspacePath string
	IndexPath     string
	// SpaceID scopes the workspace row; may be empty for the default
	// workspace.
	SpaceID  string
	CloudURL string
	Keys     cryptobox.KeyBundle

	// Tokens supplies the cloud bearer token (usually a
	// transport.CloudTokenSource).
	Tokens transport.TokenProvider

	Settings config.Settings

	// WarmChunks / ColdChunks override the chunking configs; zero
	// values select the defaults.
	WarmChunks chunker.Config
	ColdChunks chunker.Config

	HTTPClient *http.Client
	Logger     *observability.Logger
	Metrics    *observability.MetricsCollector
}

// Syncer is the per-workspace sync orchestrator.
type Syncer struct {
	cfg     Config
	store   index.Store
	api     *transport.Client
	log     *observability.Logger
	metrics *observability.MetricsCollector
}

// New opens the local index and builds the cloud client.
func New(cfg Config) (*Syncer, error) {
	if err := cfg.Keys.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Nop()
	}
	if cfg.WarmChunks == (chunker.Config{}) {
		cfg.WarmChunks = chunker.WarmConfig()
	}
	if cfg.ColdChunks == (chunker.Config{}) {
		cfg.ColdChunks = chunker.ColdConfig()
	}
	if cfg.Settings.RunTimeout == 0 {
		cfg.Settings = config.DefaultSettings()
	}

	store, err := sqlite.Open(cfg.IndexPath, cfg.WorkspacePath, cfg.SpaceID)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Syncer{
		cfg:     cfg,
		store:   store,
		api:     transport.NewClient(cfg.CloudURL, cfg.Tokens, cfg.HTTPClient),
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Close releases the index.
func (s *Syncer) Close() error {
	return s.store.Close()
}

// Store exposes the local index, mainly for status commands and tests.
func (s *Syncer) Store() index.Store { return s.store }

// recordRun updates the run metrics, tolerating a nil collector.
func (s *Syncer) recordRun(direction string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.SyncRunsTotal.WithLabelValues(direction, outcome).Inc()
	s.metrics.SyncRunDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}
