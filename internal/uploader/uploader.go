// Package uploader pushes encrypted chunks to the object store:
// dedup probe (prepare), presigned PUTs under bounded concurrency, and
// a register call that commits the batch in the server's object index.
package uploader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/napageneral/nexus-cloud/internal/chunker"
	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/observability"
	"github.com/napageneral/nexus-cloud/internal/transport"
)

// Config tunes batching and concurrency.
type Config struct {
	// BatchSize flushes a batch after this many chunks.
	BatchSize int
	// BatchMaxBytes flushes a batch after this many ciphertext bytes.
	BatchMaxBytes int
	// MaxInflightBatches bounds concurrent batches.
	MaxInflightBatches int
	// Concurrency bounds parallel PUTs within a batch.
	Concurrency int
	// BatchTimeout bounds one batch end to end; 0 disables it.
	BatchTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:          400,
		BatchMaxBytes:      512 * 1024 * 1024,
		MaxInflightBatches: 4,
		Concurrency:        32,
		BatchTimeout:       60 * time.Second,
	}
}

// Stats accumulates the outcome of the flushed batches.
type Stats struct {
	UploadedChunks int
	SkippedChunks  int
	UploadedBytes  uint64
	Errors         []string
}

// Pipeline accumulates chunk payloads and uploads them in batches.
// Batch failures are recorded, not fatal; unregistered chunks stay
// unmarked in the index and re-upload on the next run.
type Pipeline struct {
	api     *transport.Client
	store   index.Store
	cfg     Config
	log     *observability.Logger
	metrics *observability.MetricsCollector

	// onBatch, when set, receives the delta of every finished batch.
	onBatch func(Stats)

	pending      []chunker.Payload
	pendingBytes int

	slots chan struct{}
	wg    sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New builds a pipeline. metrics and onBatch may be nil.
func New(api *transport.Client, store index.Store, cfg Config, log *observability.Logger, metrics *observability.MetricsCollector, onBatch func(Stats)) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.BatchMaxBytes <= 0 {
		cfg.BatchMaxBytes = DefaultConfig().BatchMaxBytes
	}
	if cfg.MaxInflightBatches <= 0 {
		cfg.MaxInflightBatches = DefaultConfig().MaxInflightBatches
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if log == nil {
		log = observability.Nop()
	}
	return &Pipeline{
		api:     api,
		store:   store,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		onBatch: onBatch,
		slots:   make(chan struct{}, cfg.MaxInflightBatches),
	}
}

// Add buffers one payload, flushing a batch when either threshold is
// crossed. Blocks when the in-flight batch limit is reached.
func (p *Pipeline) Add(ctx context.Context, payload chunker.Payload) error {
	p.pending = append(p.pending, payload)
	p.pendingBytes += len(payload.Data)

	if len(p.pending) >= p.cfg.BatchSize || p.pendingBytes >= p.cfg.BatchMaxBytes {
		return p.flush(ctx)
	}
	return nil
}

// Drain flushes the remainder and waits for every in-flight batch,
// returning the accumulated stats.
func (p *Pipeline) Drain(ctx context.Context) (Stats, error) {
	if err := p.flush(ctx); err != nil {
		return p.snapshot(), err
	}
	p.wg.Wait()
	return p.snapshot(), nil
}

func (p *Pipeline) snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// flush dispatches the pending buffer as one batch.
func (p *Pipeline) flush(ctx context.Context) error {
	if len(p.pending) == 0 {
		return nil
	}
	batch := p.pending
	p.pending = nil
	p.pendingBytes = 0

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		start := time.Now()
		stats, err := p.uploadBatch(ctx, batch)

		p.mu.Lock()
		if err != nil {
			p.stats.Errors = append(p.stats.Errors, err.Error())
		}
		p.stats.UploadedChunks += stats.UploadedChunks
		p.stats.SkippedChunks += stats.SkippedChunks
		p.stats.UploadedBytes += stats.UploadedBytes
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.ChunksUploadedTotal.Add(float64(stats.UploadedChunks))
			p.metrics.ChunksSkippedTotal.Add(float64(stats.SkippedChunks))
			p.metrics.BytesUploadedTotal.Add(float64(stats.UploadedBytes))
			p.metrics.BatchDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				p.metrics.BatchErrorsTotal.Inc()
			}
		}
		p.log.LogBatch(ctx, stats.UploadedChunks, stats.SkippedChunks, stats.UploadedBytes, time.Since(start))
		if p.onBatch != nil {
			delta := stats
			if err != nil {
				delta.Errors = []string{err.Error()}
			}
			p.onBatch(delta)
		}
	}()
	return nil
}

// uploadBatch runs prepare → parallel PUTs → register for one batch.
func (p *Pipeline) uploadBatch(ctx context.Context, batch []chunker.Payload) (Stats, error) {
	if p.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.BatchTimeout)
		defer cancel()
	}

	infos := make([]transport.ChunkInfo, len(batch))
	for i, c := range batch {
		infos[i] = transport.ChunkInfo{ID: c.ID, Size: uint64(len(c.Data))}
	}
	prepare, err := p.api.UploadPrepare(ctx, infos)
	if err != nil {
		return Stats{}, fmt.Errorf("prepare batch: %w", err)
	}

	needed := make(map[string]string, len(prepare.Needed))
	for _, n := range prepare.Needed {
		needed[n.ID] = n.URL
	}

	var stats Stats
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var putWG sync.WaitGroup
	var putMu sync.Mutex
	var putErr error

	seen := make(map[string]bool, len(batch))
	for i := range batch {
		c := &batch[i]
		url, want := needed[c.ID]
		if !want || seen[c.ID] {
			stats.SkippedChunks++
			continue
		}
		seen[c.ID] = true

		if err := sem.Acquire(ctx, 1); err != nil {
			putMu.Lock()
			putErr = err
			putMu.Unlock()
			break
		}
		putWG.Add(1)
		go func() {
			defer sem.Release(1)
			defer putWG.Done()
			if err := p.api.PutPresigned(ctx, url, c.Data); err != nil {
				putMu.Lock()
				if putErr == nil {
					putErr = fmt.Errorf("put %s: %w", c.ID, err)
				}
				putMu.Unlock()
				return
			}
			putMu.Lock()
			stats.UploadedChunks++
			stats.UploadedBytes += uint64(len(c.Data))
			putMu.Unlock()
		}()
	}
	putWG.Wait()
	if putErr != nil {
		return stats, putErr
	}

	var uploadedIDs []string
	for id := range seen {
		uploadedIDs = append(uploadedIDs, id)
	}
	if len(uploadedIDs) > 0 {
		if err := p.api.RegisterChunks(ctx, uploadedIDs, stats.UploadedBytes); err != nil {
			// Unregistered chunks stay unmarked; the next run re-prepares
			// them and the server dedups whatever actually landed.
			return stats, fmt.Errorf("register batch: %w", err)
		}
		for _, id := range uploadedIDs {
			if err := p.store.MarkChunkUploaded(id); err != nil {
				return stats, fmt.Errorf("mark uploaded %s: %w", id, err)
			}
		}
	}

	// Dedup hits are settled: mark them uploaded as well.
	for i := range batch {
		c := &batch[i]
		if _, want := needed[c.ID]; !want {
			if err := p.store.MarkChunkUploaded(c.ID); err != nil {
				return stats, fmt.Errorf("mark uploaded %s: %w", c.ID, err)
			}
		}
	}

	return stats, nil
}
