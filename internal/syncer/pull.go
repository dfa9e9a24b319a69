package syncer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/napageneral/nexus-cloud/internal/cryptobox"
	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/transport"
)

// remoteEntry is a tree entry as decoded from a remote tree blob.
type remoteEntry struct {
	EncryptedName string      `json:"encryptedName"`
	Hash          string      `json:"hash"`
	Chunks        []TreeChunk `json:"chunks"`
}

// Pull fetches the remote main ref and materializes it into the
// workspace, preserving locally-modified files via conflict handling.
// With force, the workspace rows are cleared first so everything is
// fetched from scratch.
func (s *Syncer) Pull(ctx context.Context, force bool, onProgress ProgressFunc) (*PullResult, error) {
	start := time.Now()
	if s.cfg.Settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Settings.RunTimeout)
		defer cancel()
	}
	result, err := s.pull(ctx, force, onProgress)
	s.recordRun("pull", err, start)
	return result, err
}

func (s *Syncer) pull(ctx context.Context, force bool, onProgress ProgressFunc) (*PullResult, error) {
	emitter := newProgressEmitter(onProgress)
	progress := Progress{Phase: PhaseDownloading}
	emitter.force(progress)

	if force {
		if err := s.store.ClearWorkspace(); err != nil {
			return nil, fmt.Errorf("clear workspace: %w", err)
		}
	}

	ref, err := s.api.GetRef(ctx, "main")
	if err != nil {
		if errors.Is(err, transport.ErrRefNotFound) {
			return &PullResult{}, nil
		}
		return nil, err
	}

	if err := s.store.SetState(index.StateRemoteHead, ref.Hash); err != nil {
		return nil, err
	}

	head, err := s.store.HeadCommit()
	if err != nil {
		return nil, err
	}
	if ref.Hash == head {
		return &PullResult{CommitHash: head}, nil
	}

	commitData, err := s.api.GetCommit(ctx, ref.Hash)
	if err != nil {
		return nil, err
	}
	var commit struct {
		Tree string `json:"tree"`
	}
	if err := json.Unmarshal(commitData, &commit); err != nil {
		return nil, fmt.Errorf("parse commit %s: %w", ref.Hash, err)
	}
	if commit.Tree == "" {
		return nil, fmt.Errorf("commit %s carries no tree hash", ref.Hash)
	}

	treeBox, err := s.api.GetBlob(ctx, commit.Tree)
	if err != nil {
		return nil, err
	}
	treeJSON, err := cryptobox.Open(s.cfg.Keys.ContentKey, treeBox)
	if err != nil {
		// Key mismatch or corruption; nothing downstream can succeed.
		return nil, fmt.Errorf("decrypt tree %s: %w", commit.Tree, err)
	}
	var entries []remoteEntry
	if err := json.Unmarshal(treeJSON, &entries); err != nil {
		return nil, fmt.Errorf("parse tree %s: %w", commit.Tree, err)
	}

	all, err := s.store.AllFiles()
	if err != nil {
		return nil, err
	}
	existing := make(map[string]index.FileRecord, len(all))
	for _, rec := range all {
		existing[rec.Path] = rec
	}

	result := &PullResult{CommitHash: ref.Hash}
	seen := make(map[string]struct{}, len(entries))
	// Plaintext cache keyed by chunk id, so packed chunks shared by
	// many entries are downloaded and decrypted once.
	cache := make(map[string][]byte)

	progress.TotalFiles = len(entries)
	emitter.emit(progress)

	for _, entry := range entries {
		box, err := base64.StdEncoding.DecodeString(entry.EncryptedName)
		if err != nil {
			return nil, fmt.Errorf("decode entry name: %w", err)
		}
		meta, err := cryptobox.OpenMetadata(s.cfg.Keys.MetadataKey, box)
		if err != nil {
			return nil, fmt.Errorf("decrypt entry name: %w", err)
		}
		relPath := meta.Filename
		seen[relPath] = struct{}{}

		progress.ProcessedFiles++
		progress.CurrentFile = relPath
		emitter.emit(progress)

		record, hasRecord := existing[relPath]
		if hasRecord && record.ContentID == entry.Hash {
			continue
		}

		fullPath := filepath.Join(s.cfg.WorkspacePath, filepath.FromSlash(relPath))
		localModified, err := s.isLocallyModified(fullPath, record, hasRecord)
		if err != nil {
			return nil, err
		}

		if len(entry.Chunks) == 0 {
			if meta.Size != 0 {
				return nil, fmt.Errorf("entry %s has no chunks but size %d", relPath, meta.Size)
			}
			if err := writeWorkspaceFile(fullPath, nil); err != nil {
				return nil, err
			}
			if err := s.store.ReplaceFileChunks(&index.FileRecord{
				Path:      relPath,
				Size:      0,
				MtimeNs:   meta.Mtime * int64(time.Millisecond),
				ContentID: entry.Hash,
				Status:    index.StatusSynced,
			}, nil); err != nil {
				return nil, err
			}
			result.FilesUpdated++
			continue
		}

		if err := s.fetchChunks(ctx, entry.Chunks, cache); err != nil {
			return nil, err
		}

		content, err := reassemble(entry.Chunks, meta.Size, cache)
		if err != nil {
			return nil, fmt.Errorf("reassemble %s: %w", relPath, err)
		}

		// A file whose bytes already equal the remote version is not a
		// conflict, whatever the index thinks (forced pulls clear it).
		if localModified {
			if local, err := os.ReadFile(fullPath); err == nil && bytes.Equal(local, content) {
				localModified = false
			}
		}

		if localModified {
			kind, err := resolveConflict(fullPath, relPath, content)
			if err != nil {
				return nil, err
			}
			result.Conflicts = append(result.Conflicts, relPath)
			if s.metrics != nil {
				s.metrics.ConflictsTotal.Inc()
			}
			s.log.Warn("conflict resolved", "path", relPath, "strategy", kind)
		} else {
			if err := writeWorkspaceFile(fullPath, content); err != nil {
				return nil, err
			}
		}
		result.FilesUpdated++

		chunkRecords := make([]index.ChunkRecord, len(entry.Chunks))
		for i, c := range entry.Chunks {
			var offset uint64
			if c.Offset != nil {
				offset = *c.Offset
			}
			chunkRecords[i] = index.ChunkRecord{
				ChunkID:    c.ID,
				FilePath:   relPath,
				ChunkIndex: uint32(i),
				Offset:     offset,
				Length:     c.Size,
				PackOffset: c.PackOffset,
				Uploaded:   true,
			}
		}
		if err := s.store.ReplaceFileChunks(&index.FileRecord{
			Path:       relPath,
			Size:       meta.Size,
			MtimeNs:    meta.Mtime * int64(time.Millisecond),
			ContentID:  entry.Hash,
			ChunkCount: uint32(len(entry.Chunks)),
			Status:     index.StatusSynced,
		}, chunkRecords); err != nil {
			return nil, err
		}
	}

	// Deletion pass: locally-recorded paths missing from the tree.
	for path, record := range existing {
		if _, ok := seen[path]; ok {
			continue
		}
		fullPath := filepath.Join(s.cfg.WorkspacePath, filepath.FromSlash(path))
		if _, err := os.Stat(fullPath); err == nil {
			modified, err := s.isLocallyModified(fullPath, record, true)
			if err != nil {
				return nil, err
			}
			if !modified {
				if err := os.Remove(fullPath); err != nil {
					return nil, fmt.Errorf("remove %s: %w", path, err)
				}
				result.FilesUpdated++
			}
		}
		record.Status = index.StatusDeleted
		if err := s.store.UpsertFile(&record); err != nil {
			return nil, err
		}
	}

	if err := s.store.SetHeadCommit(ref.Hash); err != nil {
		return nil, err
	}

	progress.Phase = PhaseDone
	emitter.force(progress)
	return result, nil
}

// isLocallyModified reports whether the on-disk bytes differ from the
// recorded content id. A file with no recorded id counts as modified.
func (s *Syncer) isLocallyModified(fullPath string, record index.FileRecord, hasRecord bool) (bool, error) {
	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !hasRecord || record.ContentID == "" {
		return true, nil
	}
	current, err := cryptobox.ContentIDFile(s.cfg.Keys.ContentKey, fullPath)
	if err != nil {
		return false, err
	}
	return current != record.ContentID, nil
}

// fetchChunks downloads (and decrypts into the cache) every chunk id
// not already cached, in parallel under the upload concurrency bound.
func (s *Syncer) fetchChunks(ctx context.Context, chunks []TreeChunk, cache map[string][]byte) error {
	var missing []string
	for _, c := range chunks {
		if _, ok := cache[c.ID]; !ok {
			missing = append(missing, c.ID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	urls, err := s.api.DownloadPrepare(ctx, missing)
	if err != nil {
		return fmt.Errorf("prepare download: %w", err)
	}

	concurrency := s.cfg.Settings.UploadConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range missing {
		id := id
		url, ok := urls[id]
		if !ok {
			return fmt.Errorf("server returned no download url for chunk %s", id)
		}
		g.Go(func() error {
			box, err := s.api.GetPresigned(gctx, url)
			if err != nil {
				return fmt.Errorf("download chunk %s: %w", id, err)
			}
			plain, err := cryptobox.Open(s.cfg.Keys.ContentKey, box)
			if err != nil {
				return fmt.Errorf("decrypt chunk %s: %w", id, err)
			}
			mu.Lock()
			cache[id] = plain
			mu.Unlock()
			if s.metrics != nil {
				s.metrics.ChunksDownloadedTotal.Inc()
				s.metrics.BytesDownloadedTotal.Add(float64(len(box)))
			}
			return nil
		})
	}
	return g.Wait()
}

// reassemble rebuilds a file's plaintext from cached chunks. When every
// chunk carries an offset the content is placed into a sized buffer
// (slicing packed chunks by pack offset); otherwise chunks concatenate
// in order.
func reassemble(chunks []TreeChunk, size uint64, cache map[string][]byte) ([]byte, error) {
	useOffsets := true
	for _, c := range chunks {
		if c.Offset == nil {
			useOffsets = false
			break
		}
	}

	if !useOffsets {
		var out []byte
		for _, c := range chunks {
			plain, ok := cache[c.ID]
			if !ok {
				return nil, fmt.Errorf("chunk %s missing from cache", c.ID)
			}
			out = append(out, plain...)
		}
		return out, nil
	}

	out := make([]byte, size)
	for _, c := range chunks {
		plain, ok := cache[c.ID]
		if !ok {
			return nil, fmt.Errorf("chunk %s missing from cache", c.ID)
		}
		length := c.Size
		var piece []byte
		switch {
		case c.PackOffset != nil:
			start := *c.PackOffset
			if start+length > uint64(len(plain)) {
				return nil, fmt.Errorf("chunk %s pack slice out of range", c.ID)
			}
			piece = plain[start : start+length]
		case uint64(len(plain)) == length:
			piece = plain
		default:
			if length > uint64(len(plain)) {
				return nil, fmt.Errorf("chunk %s shorter than expected", c.ID)
			}
			piece = plain[:length]
		}
		offset := *c.Offset
		if offset+length > uint64(len(out)) {
			return nil, fmt.Errorf("chunk %s exceeds file size", c.ID)
		}
		copy(out[offset:offset+length], piece)
	}
	return out, nil
}

// writeWorkspaceFile writes content, creating parent directories.
func writeWorkspaceFile(fullPath string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fullPath, err)
	}
	return nil
}
