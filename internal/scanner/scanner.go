// Package scanner walks a workspace, applies the ignore rules and
// classifies files against the local index so a push only touches what
// actually changed.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/observability"
)

// Phase is the scanner's coarse progress state.
type Phase string

const (
	PhaseWalking Phase = "walking"
	PhaseHashing Phase = "hashing"
	PhaseDone    Phase = "done"
)

// Progress is a snapshot reported through the progress callback.
type Progress struct {
	Phase       Phase
	FilesFound  int
	FilesHashed int
	BytesHashed uint64
	CurrentFile string
	Errors      []string
}

// ProgressFunc receives progress snapshots. May be nil.
type ProgressFunc func(Progress)

// Result summarizes one scan.
type Result struct {
	Added      []string
	Modified   []string
	Deleted    []string
	TotalFiles int
	TotalBytes uint64
	Duration   time.Duration
	Errors     []string
}

type fileEntry struct {
	relPath  string
	fullPath string
	size     uint64
	inode    uint64
	mtimeNs  int64
}

// Scanner walks one workspace against one index.
type Scanner struct {
	root     string
	store    index.Store
	matcher  gitignore.Matcher
	gitRoots []string
	workers  int
	log      *observability.Logger
}

// New builds a scanner for the workspace rooted at root. The ignore
// rules (defaults plus .nexusignore) and nested git repositories are
// resolved once, up front.
func New(root string, store index.Store, log *observability.Logger) (*Scanner, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	matcher, err := buildMatcher(abs)
	if err != nil {
		return nil, err
	}
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = observability.Nop()
	}
	return &Scanner{
		root:     abs,
		store:    store,
		matcher:  matcher,
		gitRoots: findGitRoots(abs, matcher),
		workers:  workers,
		log:      log,
	}, nil
}

// Root returns the canonicalized workspace root.
func (s *Scanner) Root() string { return s.root }

// HasExistingIndex reports whether this workspace has both indexed
// files and a head commit, i.e. whether an incremental scan is
// meaningful.
func (s *Scanner) HasExistingIndex() (bool, error) {
	files, err := s.store.AllFiles()
	if err != nil {
		return false, err
	}
	if len(files) == 0 {
		return false, nil
	}
	head, err := s.store.HeadCommit()
	if err != nil {
		return false, err
	}
	return head != "", nil
}

// Scan runs a cold or incremental scan depending on the index state.
func (s *Scanner) Scan(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	existing, err := s.HasExistingIndex()
	if err != nil {
		return nil, err
	}
	if existing {
		return s.IncrementalScan(ctx, onProgress)
	}
	return s.ColdScan(ctx, onProgress)
}

// ColdScan inserts every discovered file as New with a quick-hash.
// Nothing is classified as modified or deleted.
func (s *Scanner) ColdScan(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	progress := Progress{Phase: PhaseWalking}
	emit := func() {
		if onProgress != nil {
			onProgress(progress)
		}
	}

	entries, walkErrs, err := s.walkFiles(ctx)
	if err != nil {
		return nil, err
	}
	progress.FilesFound = len(entries)
	progress.Errors = walkErrs
	progress.Phase = PhaseHashing
	emit()

	hashes, hashErrs := s.hashAll(ctx, entries, &progress)

	result := &Result{
		TotalFiles: len(entries),
		Errors:     append(walkErrs, hashErrs...),
	}
	for _, e := range entries {
		result.TotalBytes += e.size
	}

	for i, e := range entries {
		if hashes[i] == "" {
			continue
		}
		rec := &index.FileRecord{
			Path:       e.relPath,
			Inode:      e.inode,
			Size:       e.size,
			MtimeNs:    e.mtimeNs,
			QuickHash:  hashes[i],
			ChunkCount: estimateChunkCount(e.size),
			Status:     index.StatusNew,
		}
		if err := s.store.UpsertFile(rec); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", e.relPath, err)
		}
		result.Added = append(result.Added, e.relPath)
	}

	result.Duration = time.Since(start)
	progress.Phase = PhaseDone
	progress.Errors = result.Errors
	emit()
	s.log.Debug("cold scan complete", "files", result.TotalFiles, "bytes", result.TotalBytes, "duration", result.Duration)
	return result, nil
}

// IncrementalScan classifies discovered files against the stored
// records: unchanged synced files are kept, touched files are
// re-fingerprinted, changed files are marked Modified (or New when
// unseen) with their content id cleared, and indexed paths missing
// from the walk are marked Deleted.
func (s *Scanner) IncrementalScan(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	progress := Progress{Phase: PhaseWalking}
	emit := func() {
		if onProgress != nil {
			onProgress(progress)
		}
	}

	entries, walkErrs, err := s.walkFiles(ctx)
	if err != nil {
		return nil, err
	}

	all, err := s.store.AllFiles()
	if err != nil {
		return nil, err
	}
	existing := make(map[string]index.FileRecord, len(all))
	for _, rec := range all {
		existing[rec.Path] = rec
	}

	current := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		current[e.relPath] = struct{}{}
	}

	result := &Result{TotalFiles: len(entries)}
	for _, e := range entries {
		result.TotalBytes += e.size
	}

	// Deletion pass first: indexed paths that vanished from the walk.
	for path, rec := range existing {
		if _, ok := current[path]; ok {
			continue
		}
		if rec.Status == index.StatusDeleted {
			continue
		}
		rec.Status = index.StatusDeleted
		if err := s.store.UpsertFile(&rec); err != nil {
			return nil, fmt.Errorf("mark deleted %s: %w", path, err)
		}
		result.Deleted = append(result.Deleted, path)
	}

	progress.FilesFound = len(entries)
	progress.Errors = walkErrs
	progress.Phase = PhaseHashing
	emit()

	type classified struct {
		entry     fileEntry
		changed   bool
		quickHash string
		contentID string
		err       string
	}
	results := make([]classified, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range entries {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := entries[i]
			prev, hasPrev := existing[e.relPath]
			unchanged := hasPrev &&
				prev.Status == index.StatusSynced &&
				prev.Size == e.size &&
				prev.MtimeNs == e.mtimeNs

			c := classified{entry: e}
			if unchanged {
				c.quickHash = prev.QuickHash
				c.contentID = prev.ContentID
			} else {
				hash, err := QuickHash(e.fullPath, e.size)
				if err != nil {
					c.err = err.Error()
					c.changed = true
				} else {
					c.quickHash = hash
					switch {
					case !hasPrev:
						c.changed = true
					case prev.Status != index.StatusSynced:
						c.changed = true
					case prev.QuickHash == hash:
						// mtime-only touch
						c.contentID = prev.ContentID
					default:
						c.changed = true
					}
				}
			}
			results[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Errors = walkErrs
	for _, c := range results {
		if c.err != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", c.entry.relPath, c.err))
			continue
		}
		if c.quickHash == "" {
			continue
		}
		prev, hasPrev := existing[c.entry.relPath]

		if !hasPrev {
			rec := &index.FileRecord{
				Path:       c.entry.relPath,
				Inode:      c.entry.inode,
				Size:       c.entry.size,
				MtimeNs:    c.entry.mtimeNs,
				QuickHash:  c.quickHash,
				ChunkCount: estimateChunkCount(c.entry.size),
				Status:     index.StatusNew,
			}
			if err := s.store.UpsertFile(rec); err != nil {
				return nil, fmt.Errorf("upsert %s: %w", c.entry.relPath, err)
			}
			result.Added = append(result.Added, c.entry.relPath)
			continue
		}

		if c.changed {
			rec := &index.FileRecord{
				Path:       c.entry.relPath,
				Inode:      c.entry.inode,
				Size:       c.entry.size,
				MtimeNs:    c.entry.mtimeNs,
				QuickHash:  c.quickHash,
				ChunkCount: estimateChunkCount(c.entry.size),
				Status:     index.StatusModified,
			}
			if err := s.store.UpsertFile(rec); err != nil {
				return nil, fmt.Errorf("upsert %s: %w", c.entry.relPath, err)
			}
			result.Modified = append(result.Modified, c.entry.relPath)
			continue
		}

		rec := &index.FileRecord{
			Path:       c.entry.relPath,
			Inode:      c.entry.inode,
			Size:       c.entry.size,
			MtimeNs:    c.entry.mtimeNs,
			QuickHash:  c.quickHash,
			ContentID:  c.contentID,
			ChunkCount: prev.ChunkCount,
			Status:     index.StatusSynced,
		}
		if err := s.store.UpsertFile(rec); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", c.entry.relPath, err)
		}
	}

	result.Duration = time.Since(start)
	progress.Phase = PhaseDone
	progress.FilesHashed = len(entries)
	progress.BytesHashed = result.TotalBytes
	progress.Errors = result.Errors
	emit()
	s.log.Debug("incremental scan complete",
		"added", len(result.Added), "modified", len(result.Modified),
		"deleted", len(result.Deleted), "duration", result.Duration)
	return result, nil
}

// hashAll fans quick-hashing out over the worker pool and returns one
// hash per entry ("" on error) plus the collected error strings.
func (s *Scanner) hashAll(ctx context.Context, entries []fileEntry, progress *Progress) ([]string, []string) {
	hashes := make([]string, len(entries))
	errs := make([]string, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range entries {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash, err := QuickHash(entries[i].fullPath, entries[i].size)
			if err != nil {
				errs[i] = fmt.Sprintf("%s: %v", entries[i].relPath, err)
				return nil
			}
			hashes[i] = hash
			return nil
		})
	}
	_ = g.Wait()

	var collected []string
	hashed := 0
	var bytes uint64
	for i, e := range errs {
		if e != "" {
			collected = append(collected, e)
		} else {
			hashed++
			bytes += entries[i].size
		}
	}
	progress.FilesHashed = hashed
	progress.BytesHashed = bytes
	return hashes, collected
}

// walkFiles traverses the workspace, applying ignore rules and
// skipping nested git repositories. Per-entry errors are collected,
// not fatal.
func (s *Scanner) walkFiles(ctx context.Context) ([]fileEntry, []string, error) {
	var entries []fileEntry
	var errs []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			errs = append(errs, err.Error())
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			errs = append(errs, err.Error())
			return nil
		}

		if d.IsDir() {
			if ignored(s.matcher, rel, true) {
				return filepath.SkipDir
			}
			if underGitRoot(s.gitRoots, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ignored(s.matcher, rel, false) {
			return nil
		}
		if underGitRoot(s.gitRoots, path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", rel, err))
			return nil
		}
		entries = append(entries, fileEntry{
			relPath:  filepath.ToSlash(rel),
			fullPath: path,
			size:     uint64(info.Size()),
			inode:    inodeOf(info),
			mtimeNs:  mtimeNsOf(info),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entries, errs, nil
}

// estimateChunkCount seeds ChunkCount before a file is actually
// chunked: one chunk up to 256 KiB, then roughly one per 2 MiB.
func estimateChunkCount(size uint64) uint32 {
	if size <= 256*1024 {
		return 1
	}
	const avg = 2 * 1024 * 1024
	return uint32((size + avg - 1) / avg)
}
