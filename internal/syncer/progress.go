package syncer

import (
	"sync"
	"time"
)

// Phase is the orchestrator's phase machine state.
type Phase string

const (
	PhaseScanning    Phase = "scanning"
	PhaseChunking    Phase = "chunking"
	PhaseUploading   Phase = "uploading"
	PhaseCommitting  Phase = "committing"
	PhaseDownloading Phase = "downloading"
	PhaseDone        Phase = "done"
)

// Timings are per-phase elapsed milliseconds.
type Timings struct {
	ScanMs   int64 `json:"scan_ms"`
	ChunkMs  int64 `json:"chunk_ms"`
	UploadMs int64 `json:"upload_ms"`
	CommitMs int64 `json:"commit_ms"`
	TotalMs  int64 `json:"total_ms"`
}

// Progress is a push/pull progress snapshot.
type Progress struct {
	Phase          Phase
	TotalFiles     int
	ProcessedFiles int
	TotalChunks    int
	UploadedChunks int
	SkippedChunks  int
	TotalBytes     uint64
	UploadedBytes  uint64
	CurrentFile    string
	Errors         []string
	Timings        Timings
}

// ProgressFunc receives snapshots. May be nil.
type ProgressFunc func(Progress)

// maxProgressRate throttles intermediate snapshots to 2 Hz. Phase
// changes always go through.
const maxProgressRate = 500 * time.Millisecond

// progressEmitter rate-limits the progress callback.
type progressEmitter struct {
	fn ProgressFunc

	mu        sync.Mutex
	lastEmit  time.Time
	lastPhase Phase
}

func newProgressEmitter(fn ProgressFunc) *progressEmitter {
	return &progressEmitter{fn: fn}
}

// emit forwards the snapshot when the phase changed or the rate limit
// allows it.
func (e *progressEmitter) emit(p Progress) {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	now := time.Now()
	phaseChanged := p.Phase != e.lastPhase
	if !phaseChanged && now.Sub(e.lastEmit) < maxProgressRate {
		e.mu.Unlock()
		return
	}
	e.lastEmit = now
	e.lastPhase = p.Phase
	e.mu.Unlock()
	e.fn(p)
}

// force forwards the snapshot unconditionally.
func (e *progressEmitter) force(p Progress) {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	e.lastEmit = time.Now()
	e.lastPhase = p.Phase
	e.mu.Unlock()
	e.fn(p)
}

// PushResult is the outcome of one push.
type PushResult struct {
	CommitHash    string
	NothingToPush bool
	Stats         Progress
}

// PullResult is the outcome of one pull.
type PullResult struct {
	CommitHash   string
	FilesUpdated int
	Conflicts    []string
}
