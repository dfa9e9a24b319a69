// Command nexus-cloud is the CLI for the encrypted sync engine:
// push, pull, status, scan and reset against a configured cloud remote.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/napageneral/nexus-cloud/internal/config"
	"github.com/napageneral/nexus-cloud/internal/cryptobox"
	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/lock"
	"github.com/napageneral/nexus-cloud/internal/observability"
	"github.com/napageneral/nexus-cloud/internal/scanner"
	"github.com/napageneral/nexus-cloud/internal/syncer"
	"github.com/napageneral/nexus-cloud/internal/transport"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nexus-cloud: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:         envDefault("NEXUS_LOG_LEVEL", "info"),
		Format:        envDefault("NEXUS_LOG_FORMAT", "text"),
		SentryEnabled: os.Getenv("SENTRY_DSN") != "",
	})
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: "nexus-cloud@" + version}); err != nil {
			logger.Warn("sentry init failed", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	var metrics *observability.MetricsCollector
	if addr := os.Getenv("NEXUS_METRICS_ADDR"); addr != "" {
		metrics = observability.NewMetricsCollector("nexus_cloud")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	switch os.Args[1] {
	case "push":
		return cmdPush(ctx, os.Args[2:], logger, metrics)
	case "pull":
		return cmdPull(ctx, os.Args[2:], logger, metrics)
	case "status":
		return cmdStatus(logger, metrics)
	case "scan":
		return cmdScan(ctx, logger, metrics)
	case "reset":
		return cmdReset(ctx, os.Args[2:], logger, metrics)
	case "version":
		fmt.Println(version)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: nexus-cloud <command> [flags]

commands:
  push [-m message]   scan, upload and commit local changes
  pull [--force]      materialize the remote head locally
  status              show index state for the workspace
  scan                run a scan without uploading
  reset --force       delete all remote objects for this workspace
  version             print the version`)
}

// env holds everything a command needs, assembled from state files and
// environment.
type env struct {
	paths  *config.StatePaths
	app    config.AppConfig
	syncer *syncer.Syncer
	lock   *lock.Lock
}

func (e *env) close() {
	if e.syncer != nil {
		e.syncer.Close()
	}
	if e.lock != nil {
		e.lock.Release()
	}
}

func buildEnv(takeLock bool, logger *observability.Logger, metrics *observability.MetricsCollector) (*env, error) {
	paths, err := config.NewStatePaths()
	if err != nil {
		return nil, err
	}
	app, ok, err := config.LoadAppConfig(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	if !ok || !app.Initialized {
		return nil, fmt.Errorf("not initialized; run the setup flow first (state root %s)", paths.Root)
	}

	e := &env{paths: paths, app: app}
	if takeLock {
		held, err := lock.Acquire(paths.LockPath)
		if err != nil {
			return nil, err
		}
		e.lock = held
	}

	keys, err := loadKeyBundle(paths.KeysPath)
	if err != nil {
		e.close()
		return nil, err
	}

	tokens, err := buildTokenProvider()
	if err != nil {
		e.close()
		return nil, err
	}

	settings, err := config.LoadSettings(filepath.Join(paths.Root, "settings.yaml"))
	if err != nil {
		e.close()
		return nil, err
	}

	s, err := syncer.New(syncer.Config{
		WorkspacePath: app.WorkspacePath,
		IndexPath:     paths.IndexPath,
		CloudURL:      app.CloudURL,
		Keys:          keys,
		Tokens:        tokens,
		Settings:      settings,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		e.close()
		return nil, err
	}
	e.syncer = s
	return e, nil
}

// loadKeyBundle reads the decrypted workspace key bundle. Producing it
// (password prompt, key derivation) belongs to the key-storage
// collaborator; NEXUS_KEYS_FILE points at its output.
func loadKeyBundle(defaultPath string) (cryptobox.KeyBundle, error) {
	path := envDefault("NEXUS_KEYS_FILE", defaultPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return cryptobox.KeyBundle{}, fmt.Errorf("read key bundle %s: %w", path, err)
	}
	var keys cryptobox.KeyBundle
	if err := json.Unmarshal(data, &keys); err != nil {
		return cryptobox.KeyBundle{}, fmt.Errorf("parse key bundle: %w", err)
	}
	if err := keys.Validate(); err != nil {
		return cryptobox.KeyBundle{}, err
	}
	return keys, nil
}

func buildTokenProvider() (transport.TokenProvider, error) {
	if token := os.Getenv("NEXUS_CLOUD_TOKEN"); token != "" {
		return transport.StaticToken(token), nil
	}
	websiteURL := os.Getenv("NEXUS_WEBSITE_URL")
	apiToken := os.Getenv("NEXUS_API_TOKEN")
	if websiteURL == "" || apiToken == "" {
		return nil, fmt.Errorf("set NEXUS_CLOUD_TOKEN, or NEXUS_WEBSITE_URL and NEXUS_API_TOKEN")
	}
	website := transport.NewWebsiteClient(websiteURL, apiToken, nil)
	return transport.NewCloudTokenSource(website, os.Getenv("NEXUS_WORKSPACE_ID"), "write"), nil
}

func cmdPush(ctx context.Context, args []string, logger *observability.Logger, metrics *observability.MetricsCollector) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	message := fs.String("m", "", "commit message")
	fs.Parse(args)

	e, err := buildEnv(true, logger, metrics)
	if err != nil {
		return err
	}
	defer e.close()

	result, err := e.syncer.Push(ctx, *message, renderProgress())
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	if result.NothingToPush {
		fmt.Println("(nothing to push)")
		return nil
	}
	fmt.Printf("Pushed %s (%d chunks, %s uploaded, %d deduped)\n",
		result.CommitHash,
		result.Stats.TotalChunks,
		humanize.IBytes(result.Stats.UploadedBytes),
		result.Stats.SkippedChunks)
	for _, msg := range result.Stats.Errors {
		fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
	}
	return nil
}

func cmdPull(ctx context.Context, args []string, logger *observability.Logger, metrics *observability.MetricsCollector) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	force := fs.Bool("force", false, "clear the local index and fetch everything")
	fs.Parse(args)

	e, err := buildEnv(true, logger, metrics)
	if err != nil {
		return err
	}
	defer e.close()

	result, err := e.syncer.Pull(ctx, *force, renderProgress())
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	if result.CommitHash == "" {
		fmt.Println("(no commits)")
		return nil
	}
	fmt.Printf("Pulled %s (%d files updated)\n", result.CommitHash, result.FilesUpdated)
	for _, path := range result.Conflicts {
		fmt.Fprintf(os.Stderr, "conflict: %s\n", path)
	}
	return nil
}

func cmdStatus(logger *observability.Logger, metrics *observability.MetricsCollector) error {
	e, err := buildEnv(false, logger, metrics)
	if err != nil {
		return err
	}
	defer e.close()

	store := e.syncer.Store()
	head, err := store.HeadCommit()
	if err != nil {
		return err
	}
	files, err := store.AllFiles()
	if err != nil {
		return err
	}

	counts := map[index.FileStatus]int{}
	var totalBytes uint64
	for _, f := range files {
		counts[f.Status]++
		if f.Status != index.StatusDeleted {
			totalBytes += f.Size
		}
	}

	fmt.Printf("workspace: %s\n", e.app.WorkspacePath)
	if head == "" {
		fmt.Println("head: (none)")
	} else {
		fmt.Printf("head: %s\n", head)
	}
	fmt.Printf("files: %d (%s)\n", len(files)-counts[index.StatusDeleted], humanize.IBytes(totalBytes))
	for _, status := range []index.FileStatus{index.StatusSynced, index.StatusNew, index.StatusModified, index.StatusDeleted} {
		if counts[status] > 0 {
			fmt.Printf("  %s: %d\n", status, counts[status])
		}
	}
	return nil
}

func cmdScan(ctx context.Context, logger *observability.Logger, metrics *observability.MetricsCollector) error {
	e, err := buildEnv(true, logger, metrics)
	if err != nil {
		return err
	}
	defer e.close()

	sc, err := scanner.New(e.app.WorkspacePath, e.syncer.Store(), logger)
	if err != nil {
		return err
	}
	result, err := sc.Scan(ctx, nil)
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d files (%s) in %s: %d added, %d modified, %d deleted\n",
		result.TotalFiles, humanize.IBytes(result.TotalBytes), result.Duration.Round(time.Millisecond),
		len(result.Added), len(result.Modified), len(result.Deleted))
	for _, msg := range result.Errors {
		fmt.Fprintf(os.Stderr, "warning: %s\n", msg)
	}
	return nil
}

func cmdReset(ctx context.Context, args []string, logger *observability.Logger, metrics *observability.MetricsCollector) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	force := fs.Bool("force", false, "required; deletes every remote object")
	fs.Parse(args)
	if !*force {
		return fmt.Errorf("refusing to reset without --force")
	}

	e, err := buildEnv(true, logger, metrics)
	if err != nil {
		return err
	}
	defer e.close()

	tokens, err := buildTokenProvider()
	if err != nil {
		return err
	}
	api := transport.NewClient(e.app.CloudURL, tokens, nil)

	deleted := 0
	cursor := ""
	for {
		resp, err := api.WorkspaceReset(ctx, cursor, 1000)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("workspace reset failed")
		}
		deleted += resp.R2.Deleted
		if resp.R2.NextCursor == "" {
			break
		}
		cursor = resp.R2.NextCursor
	}
	if err := e.syncer.Store().ClearWorkspace(); err != nil {
		return err
	}
	fmt.Printf("Workspace reset (deleted %d objects)\n", deleted)
	return nil
}

// renderProgress writes a single-line progress ticker to stderr.
func renderProgress() syncer.ProgressFunc {
	var lastPhase syncer.Phase
	return func(p syncer.Progress) {
		if p.Phase != lastPhase {
			fmt.Fprintf(os.Stderr, "\n%s", p.Phase)
			lastPhase = p.Phase
		}
		switch p.Phase {
		case syncer.PhaseScanning:
			fmt.Fprintf(os.Stderr, "\r%s %d files", p.Phase, p.TotalFiles)
		case syncer.PhaseChunking, syncer.PhaseUploading:
			fmt.Fprintf(os.Stderr, "\r%s %d/%d files, %d chunks, %s",
				p.Phase, p.ProcessedFiles, p.TotalFiles, p.TotalChunks, humanize.IBytes(p.UploadedBytes))
		case syncer.PhaseDownloading:
			fmt.Fprintf(os.Stderr, "\r%s %d/%d files", p.Phase, p.ProcessedFiles, p.TotalFiles)
		}
	}
}

func envDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
