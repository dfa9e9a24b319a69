// Package chunker splits plaintext files into content-defined chunks,
// encrypts them and emits an event stream the upload pipeline consumes.
// Small files can be packed together into aggregate chunks.
package chunker

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	restic "github.com/restic/chunker"

	"github.com/napageneral/nexus-cloud/internal/cryptobox"
)

// pol is the irreducible polynomial driving the rolling hash. Fixed so
// that chunk boundaries, and therefore chunk ids, are stable across
// runs and machines sharing a workspace.
const pol = restic.Pol(0x3DA3358B4DC173)

// EventBuffer is the capacity of the event channel. When the consumer
// stalls, producers block on send and slow down naturally.
const EventBuffer = 512

// Config sets the content-defined boundary knobs.
type Config struct {
	// MinSize is the minimum chunk size; no cut before this many bytes.
	MinSize uint
	// MaxSize forces a cut.
	MaxSize uint
	// AverageBits is the width of the boundary mask; the expected chunk
	// size is 1<<AverageBits bytes.
	AverageBits int
}

// WarmConfig is used for incremental pushes: min 256 KiB, average
// 8 MiB, max 32 MiB.
func WarmConfig() Config {
	return Config{MinSize: 256 * 1024, MaxSize: 32 * 1024 * 1024, AverageBits: 23}
}

// ColdConfig is used for the first push of a workspace: average 64 MiB,
// max 128 MiB, fewer chunks per large file.
func ColdConfig() Config {
	return Config{MinSize: 8 * 1024 * 1024, MaxSize: 128 * 1024 * 1024, AverageBits: 26}
}

// Job names one file to chunk.
type Job struct {
	Path     string // workspace-relative, forward slashes
	FullPath string
	Size     uint64
}

// Payload is one encrypted chunk ready for upload.
type Payload struct {
	// ID is the encrypted-chunk identifier derived from the ciphertext.
	ID string
	// Data is the wire ciphertext: nonce || sealed bytes.
	Data []byte
	// Size is the plaintext length.
	Size uint64
	// Offset is the plaintext offset inside the originating file.
	Offset uint64
	// Path is the originating file.
	Path string
}

// Event is one element of the chunker's output stream.
type Event interface{ event() }

// ChunkEvent carries one produced chunk.
type ChunkEvent struct{ Payload Payload }

// DoneEvent closes one file: total chunk count and the file's content id.
type DoneEvent struct {
	Path        string
	TotalChunks uint32
	ContentID   string
}

// ErrorEvent reports a file that could not be chunked.
type ErrorEvent struct {
	Path string
	Err  error
}

func (ChunkEvent) event() {}
func (DoneEvent) event()  {}
func (ErrorEvent) event() {}

// Pool chunks files on a sized worker pool and publishes events into a
// bounded channel.
type Pool struct {
	workers int
	cfg     Config
	keys    cryptobox.KeyBundle
}

// NewPool sizes the worker pool; workers <= 0 selects max(1, NumCPU-1).
func NewPool(workers int, cfg Config, keys cryptobox.KeyBundle) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU() - 1
		if workers < 1 {
			workers = 1
		}
	}
	return &Pool{workers: workers, cfg: cfg, keys: keys}
}

// Run chunks every job and returns the event channel. The channel is
// closed once all jobs finish or ctx is cancelled. Within one file,
// chunk events arrive in plaintext order, followed by its Done event.
func (p *Pool) Run(ctx context.Context, jobs []Job) <-chan Event {
	events := make(chan Event, EventBuffer)
	work := make(chan Job)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range work {
				if err := p.chunkFile(ctx, job, events); err != nil {
					select {
					case events <- ErrorEvent{Path: job.Path, Err: err}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	go func() {
		defer close(events)
	feed:
		for _, job := range jobs {
			select {
			case work <- job:
			case <-ctx.Done():
				break feed
			}
		}
		close(work)
		wg.Wait()
	}()

	return events
}

// chunkFile streams one file through the content-defined chunker,
// encrypting each chunk and accumulating the plaintext HMAC.
func (p *Pool) chunkFile(ctx context.Context, job Job, events chan<- Event) error {
	f, err := os.Open(job.FullPath)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	contentID, emitted, err := p.chunkStream(ctx, job.Path, f, events)
	if err != nil {
		return err
	}

	select {
	case events <- DoneEvent{Path: job.Path, TotalChunks: emitted, ContentID: contentID}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *Pool) chunkStream(ctx context.Context, path string, r io.Reader, events chan<- Event) (string, uint32, error) {
	mac := cryptobox.NewContentMAC(p.keys.ContentKey)
	cdc := restic.NewWithBoundaries(io.TeeReader(r, mac), pol, p.cfg.MinSize, p.cfg.MaxSize)
	cdc.SetAverageBits(p.cfg.AverageBits)

	buf := make([]byte, p.cfg.MaxSize)
	var offset uint64
	var emitted uint32

	for {
		chunk, err := cdc.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", emitted, fmt.Errorf("chunk: %w", err)
		}

		id, box, err := cryptobox.SealChunk(p.keys.ContentKey, p.keys.Salt, chunk.Data)
		if err != nil {
			return "", emitted, fmt.Errorf("encrypt chunk: %w", err)
		}
		payload := Payload{
			ID:     id,
			Data:   box,
			Size:   uint64(chunk.Length),
			Offset: offset,
			Path:   path,
		}
		select {
		case events <- ChunkEvent{Payload: payload}:
		case <-ctx.Done():
			return "", emitted, ctx.Err()
		}
		offset += uint64(chunk.Length)
		emitted++
	}

	return mac.ContentID(), emitted, nil
}
