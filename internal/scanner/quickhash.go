package scanner

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// quickHashSample is how many bytes are sampled from each end of a file.
const quickHashSample = 64 * 1024

// QuickHash computes the cheap change-detection fingerprint: BLAKE3
// over the first 64 KiB, the last 64 KiB (only when the file is larger
// than 64 KiB) and the 8-byte little-endian size, truncated to 32 hex
// characters. It is never used for content addressing.
func QuickHash(path string, size uint64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()

	first := size
	if first > quickHashSample {
		first = quickHashSample
	}
	if _, err := io.CopyN(h, f, int64(first)); err != nil && err != io.EOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	if size > quickHashSample {
		last := uint64(quickHashSample)
		if _, err := f.Seek(int64(size-last), io.SeekStart); err != nil {
			return "", fmt.Errorf("seek %s: %w", path, err)
		}
		if _, err := io.CopyN(h, f, int64(last)); err != nil && err != io.EOF {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}

	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], size)
	h.Write(sizeBytes[:])

	return hex.EncodeToString(h.Sum(nil))[:32], nil
}
