package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/napageneral/nexus-cloud/internal/chunker"
	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/scanner"
	"github.com/napageneral/nexus-cloud/internal/uploader"
)

// Push scans the workspace, chunks and uploads what changed, and
// publishes a commit. Per-file and per-batch failures are recorded in
// the progress errors; only a failed commit fails the run.
func (s *Syncer) Push(ctx context.Context, message string, onProgress ProgressFunc) (*PushResult, error) {
	start := time.Now()
	if s.cfg.Settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Settings.RunTimeout)
		defer cancel()
	}
	result, err := s.push(ctx, start, message, onProgress)
	s.recordRun("push", err, start)
	return result, err
}

func (s *Syncer) push(ctx context.Context, start time.Time, message string, onProgress ProgressFunc) (*PushResult, error) {
	if message == "" {
		message = "sync"
	}

	emitter := newProgressEmitter(onProgress)
	var mu sync.Mutex
	progress := Progress{Phase: PhaseScanning}
	emitter.force(progress)

	phaseStart := time.Now()

	scan, err := scanner.New(s.cfg.WorkspacePath, s.store, s.log)
	if err != nil {
		return nil, err
	}
	isCold, err := scan.HasExistingIndex()
	if err != nil {
		return nil, err
	}
	isCold = !isCold

	scanResult, err := scan.Scan(ctx, func(p scanner.Progress) {
		mu.Lock()
		progress.TotalFiles = p.FilesFound
		progress.ProcessedFiles = p.FilesHashed
		progress.CurrentFile = p.CurrentFile
		if len(p.Errors) > 0 {
			progress.Errors = p.Errors
		}
		snapshot := progress
		mu.Unlock()
		emitter.emit(snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ScannedFilesTotal.Add(float64(scanResult.TotalFiles))
		s.metrics.ScannedBytesTotal.Add(float64(scanResult.TotalBytes))
		s.metrics.ScanDuration.Observe(scanResult.Duration.Seconds())
	}
	if err := s.store.SetState(index.StateLastFullScan, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		return nil, err
	}

	changed := append(append([]string{}, scanResult.Added...), scanResult.Modified...)
	changedSet := make(map[string]struct{}, len(changed))
	for _, path := range changed {
		changedSet[path] = struct{}{}
	}

	// Backfill: synced files whose chunks were never recorded (e.g. an
	// interrupted earlier run) get re-chunked.
	var backfill []string
	allFiles, err := s.store.AllFiles()
	if err != nil {
		return nil, err
	}
	for _, file := range allFiles {
		if file.Status == index.StatusDeleted {
			continue
		}
		if _, ok := changedSet[file.Path]; ok {
			continue
		}
		stored, err := s.store.GetChunks(file.Path)
		if err != nil {
			return nil, err
		}
		if len(stored) == 0 && file.Size > 0 {
			backfill = append(backfill, file.Path)
		}
	}

	progress.Timings.ScanMs = time.Since(phaseStart).Milliseconds()

	if len(changed) == 0 && len(scanResult.Deleted) == 0 && len(backfill) == 0 {
		head, err := s.store.HeadCommit()
		if err != nil {
			return nil, err
		}
		if head != "" {
			mu.Lock()
			progress.Phase = PhaseDone
			progress.Timings.TotalMs = time.Since(start).Milliseconds()
			snapshot := progress
			mu.Unlock()
			emitter.force(snapshot)
			return &PushResult{CommitHash: head, NothingToPush: true, Stats: snapshot}, nil
		}

		// Nothing changed but there is no commit yet: publish the
		// initial (possibly empty) tree.
		mu.Lock()
		progress.Phase = PhaseCommitting
		snapshot := progress
		mu.Unlock()
		emitter.force(snapshot)
		phaseStart = time.Now()
		hash, err := s.createCommit(ctx, message, nil)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		progress.Timings.CommitMs = time.Since(phaseStart).Milliseconds()
		progress.Timings.TotalMs = time.Since(start).Milliseconds()
		progress.Phase = PhaseDone
		snapshot = progress
		mu.Unlock()
		emitter.force(snapshot)
		return &PushResult{CommitHash: hash, Stats: snapshot}, nil
	}

	mu.Lock()
	progress.Phase = PhaseChunking
	snapshot := progress
	mu.Unlock()
	emitter.force(snapshot)
	phaseStart = time.Now()

	// Split the worklist into pack candidates and chunker jobs.
	packEnabled := isCold
	if s.cfg.Settings.PackEnabled != nil {
		packEnabled = *s.cfg.Settings.PackEnabled
	}
	packMaxFile := s.cfg.Settings.PackMaxFile
	packMaxBytes := s.cfg.Settings.PackMaxBytes

	type packCandidate struct {
		rel     string
		full    string
		size    uint64
		inode   uint64
		mtimeNs int64
	}
	var candidates []packCandidate
	var jobs []chunker.Job

	for _, rel := range append(changed, backfill...) {
		full := filepath.Join(s.cfg.WorkspacePath, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			mu.Lock()
			progress.Errors = append(progress.Errors, fmt.Sprintf("%s: %v", rel, err))
			mu.Unlock()
			continue
		}
		if err := s.store.DeleteChunks(rel); err != nil {
			return nil, err
		}
		size := uint64(info.Size())
		if packEnabled && size > 0 && size < packMaxFile {
			candidates = append(candidates, packCandidate{
				rel: rel, full: full, size: size,
				inode: inodeOf(info), mtimeNs: info.ModTime().UnixNano(),
			})
		} else {
			jobs = append(jobs, chunker.Job{Path: rel, FullPath: full, Size: size})
		}
	}

	chunkCfg := s.cfg.WarmChunks
	if isCold {
		chunkCfg = s.cfg.ColdChunks
	}

	pipeline := uploader.New(s.api, s.store, uploader.Config{
		BatchSize:          s.cfg.Settings.BatchSize,
		BatchMaxBytes:      int(s.cfg.Settings.BatchMaxBytes),
		MaxInflightBatches: s.cfg.Settings.MaxInflightBatches,
		Concurrency:        s.cfg.Settings.UploadConcurrency,
		BatchTimeout:       s.cfg.Settings.BatchTimeout,
	}, s.log, s.metrics, func(delta uploader.Stats) {
		mu.Lock()
		if progress.Phase == PhaseChunking {
			progress.Phase = PhaseUploading
		}
		progress.UploadedChunks += delta.UploadedChunks
		progress.SkippedChunks += delta.SkippedChunks
		progress.UploadedBytes += delta.UploadedBytes
		progress.Errors = append(progress.Errors, delta.Errors...)
		snapshot := progress
		mu.Unlock()
		emitter.emit(snapshot)
	})

	manifest := make(map[string][]TreeChunk)
	chunkIndexes := make(map[string]uint32)

	// Packed files first: read, aggregate, seal, feed the pipeline.
	packer := chunker.NewPacker(packMaxBytes, s.cfg.Keys)
	handlePack := func(result *chunker.PackResult) error {
		if result == nil {
			return nil
		}
		if s.metrics != nil {
			s.metrics.PackedFilesTotal.Add(float64(len(result.Files)))
		}
		for _, pf := range result.Files {
			if err := s.recordPackedFile(result.Payload, pf); err != nil {
				return err
			}
			packOffset := pf.PackOffset
			offset := uint64(0)
			manifest[pf.Path] = append(manifest[pf.Path], TreeChunk{
				ID: result.Payload.ID, Size: pf.Size,
				Offset: &offset, PackOffset: &packOffset,
			})
		}
		mu.Lock()
		progress.TotalChunks++
		progress.TotalBytes += uint64(len(result.Payload.Data))
		snapshot := progress
		mu.Unlock()
		emitter.emit(snapshot)
		return pipeline.Add(ctx, result.Payload)
	}

	for _, c := range candidates {
		data, err := os.ReadFile(c.full)
		if err != nil {
			mu.Lock()
			progress.Errors = append(progress.Errors, fmt.Sprintf("%s: %v", c.rel, err))
			mu.Unlock()
			continue
		}
		full, err := packer.Add(c.rel, data, c.inode, c.mtimeNs)
		if err != nil {
			return nil, err
		}
		if err := handlePack(full); err != nil {
			return nil, err
		}
		mu.Lock()
		progress.ProcessedFiles++
		progress.CurrentFile = c.rel
		snapshot := progress
		mu.Unlock()
		emitter.emit(snapshot)
	}
	flushed, err := packer.Flush()
	if err != nil {
		return nil, err
	}
	if err := handlePack(flushed); err != nil {
		return nil, err
	}

	// Content-defined chunking for everything else.
	pool := chunker.NewPool(s.cfg.Settings.ChunkThreads, chunkCfg, s.cfg.Keys)
	events := pool.Run(ctx, jobs)
	for event := range events {
		switch e := event.(type) {
		case chunker.ChunkEvent:
			p := e.Payload
			idx := chunkIndexes[p.Path]
			chunkIndexes[p.Path] = idx + 1
			offset := p.Offset
			manifest[p.Path] = append(manifest[p.Path], TreeChunk{
				ID: p.ID, Size: p.Size, Offset: &offset,
			})
			if err := s.store.UpsertChunk(&index.ChunkRecord{
				ChunkID:    p.ID,
				FilePath:   p.Path,
				ChunkIndex: idx,
				Offset:     p.Offset,
				Length:     p.Size,
			}); err != nil {
				return nil, err
			}
			if s.metrics != nil {
				s.metrics.ChunksProducedTotal.Inc()
			}
			mu.Lock()
			progress.TotalChunks++
			progress.TotalBytes += uint64(len(p.Data))
			progress.CurrentFile = p.Path
			snapshot := progress
			mu.Unlock()
			emitter.emit(snapshot)
			if err := pipeline.Add(ctx, p); err != nil {
				return nil, err
			}
		case chunker.DoneEvent:
			if err := s.recordChunkedFile(e); err != nil {
				return nil, err
			}
			mu.Lock()
			progress.ProcessedFiles++
			snapshot := progress
			mu.Unlock()
			emitter.emit(snapshot)
		case chunker.ErrorEvent:
			mu.Lock()
			progress.Errors = append(progress.Errors, fmt.Sprintf("%s: %v", e.Path, e.Err))
			snapshot := progress
			mu.Unlock()
			emitter.emit(snapshot)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mu.Lock()
	progress.Timings.ChunkMs = time.Since(phaseStart).Milliseconds()
	mu.Unlock()

	uploadStart := time.Now()
	if _, err := pipeline.Drain(ctx); err != nil {
		return nil, fmt.Errorf("drain uploads: %w", err)
	}

	mu.Lock()
	progress.Timings.UploadMs = time.Since(uploadStart).Milliseconds()
	progress.Phase = PhaseCommitting
	snapshot = progress
	mu.Unlock()
	emitter.force(snapshot)
	phaseStart = time.Now()

	hash, err := s.createCommit(ctx, message, manifest)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	progress.Timings.CommitMs = time.Since(phaseStart).Milliseconds()
	progress.Timings.TotalMs = time.Since(start).Milliseconds()
	progress.Phase = PhaseDone
	snapshot = progress
	mu.Unlock()
	emitter.force(snapshot)

	return &PushResult{CommitHash: hash, Stats: snapshot}, nil
}

// recordPackedFile writes the file and chunk rows for one member of a
// packed chunk.
func (s *Syncer) recordPackedFile(payload chunker.Payload, pf chunker.PackedFile) error {
	rec, err := s.store.GetFile(pf.Path)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &index.FileRecord{Path: pf.Path, Status: index.StatusNew}
	}
	rec.ContentID = pf.ContentID
	rec.ChunkCount = 1
	rec.Inode = pf.Inode
	rec.Size = pf.Size
	rec.MtimeNs = pf.MtimeNs
	if err := s.store.UpsertFile(rec); err != nil {
		return err
	}
	packOffset := pf.PackOffset
	return s.store.UpsertChunk(&index.ChunkRecord{
		ChunkID:    payload.ID,
		FilePath:   pf.Path,
		ChunkIndex: 0,
		Offset:     0,
		Length:     pf.Size,
		PackOffset: &packOffset,
	})
}

// recordChunkedFile finalizes a file's record once its chunk stream
// completes.
func (s *Syncer) recordChunkedFile(done chunker.DoneEvent) error {
	full := filepath.Join(s.cfg.WorkspacePath, filepath.FromSlash(done.Path))
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", done.Path, err)
	}
	rec, err := s.store.GetFile(done.Path)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &index.FileRecord{Path: done.Path, Status: index.StatusModified}
	}
	rec.ContentID = done.ContentID
	rec.ChunkCount = done.TotalChunks
	rec.Inode = inodeOf(info)
	rec.Size = uint64(info.Size())
	rec.MtimeNs = info.ModTime().UnixNano()
	return s.store.UpsertFile(rec)
}
