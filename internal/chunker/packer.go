package chunker

import (
	"fmt"

	"github.com/napageneral/nexus-cloud/internal/cryptobox"
)

// Packing defaults.
const (
	// DefaultPackMaxFile is the size below which a file is a packing
	// candidate.
	DefaultPackMaxFile = 512 * 1024
	// DefaultPackMaxBytes caps one packed buffer.
	DefaultPackMaxBytes = 64 * 1024 * 1024
)

// PackedFile records where one file's bytes live inside a packed chunk.
type PackedFile struct {
	Path       string
	Size       uint64
	Inode      uint64
	MtimeNs    int64
	ContentID  string
	PackOffset uint64
}

// PackResult is one flushed packed chunk with its member files.
type PackResult struct {
	Payload Payload
	Files   []PackedFile
}

// Packer concatenates small files into aggregate buffers and seals each
// buffer as a single chunk. All member files share chunk index 0 with
// distinct pack offsets.
type Packer struct {
	maxBytes uint64
	keys     cryptobox.KeyBundle
	buf      []byte
	files    []PackedFile
}

// NewPacker creates a packer flushing at maxBytes per buffer.
func NewPacker(maxBytes uint64, keys cryptobox.KeyBundle) *Packer {
	if maxBytes == 0 {
		maxBytes = DefaultPackMaxBytes
	}
	return &Packer{maxBytes: maxBytes, keys: keys}
}

// Add appends one file's plaintext to the current buffer. When the
// buffer reaches its cap, the filled pack is returned (nil otherwise).
func (p *Packer) Add(path string, data []byte, inode uint64, mtimeNs int64) (*PackResult, error) {
	p.files = append(p.files, PackedFile{
		Path:       path,
		Size:       uint64(len(data)),
		Inode:      inode,
		MtimeNs:    mtimeNs,
		ContentID:  cryptobox.ContentID(p.keys.ContentKey, data),
		PackOffset: uint64(len(p.buf)),
	})
	p.buf = append(p.buf, data...)

	if uint64(len(p.buf)) >= p.maxBytes {
		return p.Flush()
	}
	return nil, nil
}

// Flush seals the current buffer, if any, and resets the packer.
func (p *Packer) Flush() (*PackResult, error) {
	if len(p.files) == 0 {
		return nil, nil
	}
	id, box, err := cryptobox.SealChunk(p.keys.ContentKey, p.keys.Salt, p.buf)
	if err != nil {
		return nil, fmt.Errorf("seal packed chunk: %w", err)
	}
	result := &PackResult{
		Payload: Payload{
			ID:     id,
			Data:   box,
			Size:   uint64(len(p.buf)),
			Offset: 0,
			Path:   p.files[0].Path,
		},
		Files: p.files,
	}
	p.buf = nil
	p.files = nil
	return result, nil
}
