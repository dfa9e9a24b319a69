// Package cryptobox implements the encrypted framing used by the sync
// engine: XChaCha20-Poly1305 boxes for chunks, tree blobs and metadata
// entries, and HMAC-SHA-256 content identities.
//
// Wire format for every box: 24-byte nonce || ciphertext (includes the
// 16-byte Poly1305 tag).
package cryptobox

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of content and metadata keys.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the XChaCha20-Poly1305 nonce length carried on the wire.
const NonceSize = chacha20poly1305.NonceSizeX

var (
	// ErrCiphertextShort indicates a box too small to carry a nonce.
	ErrCiphertextShort = errors.New("cryptobox: ciphertext shorter than nonce")
	// ErrDecrypt indicates authentication failure: wrong key or corruption.
	ErrDecrypt = errors.New("cryptobox: decryption failed")
)

// KeyBundle carries the per-workspace secrets produced by the key
// storage collaborator. The engine only consumes it.
type KeyBundle struct {
	ContentKey  []byte `json:"contentKey"`
	MetadataKey []byte `json:"metadataKey"`
	Salt        []byte `json:"salt"`
}

// Validate checks that both keys have the AEAD key length.
func (b KeyBundle) Validate() error {
	if len(b.ContentKey) != KeySize {
		return fmt.Errorf("cryptobox: content key must be %d bytes, got %d", KeySize, len(b.ContentKey))
	}
	if len(b.MetadataKey) != KeySize {
		return fmt.Errorf("cryptobox: metadata key must be %d bytes, got %d", KeySize, len(b.MetadataKey))
	}
	return nil
}

// Seal encrypts plaintext under key with a random nonce.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// SealChunk encrypts a chunk with a nonce derived from the plaintext
// keyed by the workspace salt, so identical plaintexts under the same
// key and salt produce identical ciphertexts and the server can
// deduplicate them. Returns the chunk id (hex SHA-256 of the framed
// ciphertext) and the box.
func SealChunk(key, salt, plaintext []byte) (string, []byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", nil, fmt.Errorf("cryptobox: %w", err)
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:NonceSize]
	box := aead.Seal(nonce, nonce, plaintext, nil)
	sum := sha256.Sum256(box)
	return hex.EncodeToString(sum[:]), box, nil
}

// Open decrypts a nonce-prefixed box.
func Open(key, box []byte) ([]byte, error) {
	if len(box) < NonceSize {
		return nil, ErrCiphertextShort
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: %w", err)
	}
	plaintext, err := aead.Open(nil, box[:NonceSize], box[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// FileMetadata is the plaintext of an encrypted tree-entry name.
type FileMetadata struct {
	Filename string `json:"filename"`
	Size     uint64 `json:"size"`
	Mode     uint32 `json:"mode"`
	Mtime    int64  `json:"mtime"`
}

// SealMetadata encrypts a metadata record under the metadata key.
func SealMetadata(key []byte, meta FileMetadata) ([]byte, error) {
	plain, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: marshal metadata: %w", err)
	}
	return Seal(key, plain)
}

// OpenMetadata decrypts and decodes a metadata record.
func OpenMetadata(key, box []byte) (FileMetadata, error) {
	var meta FileMetadata
	plain, err := Open(key, box)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(plain, &meta); err != nil {
		return meta, fmt.Errorf("cryptobox: unmarshal metadata: %w", err)
	}
	return meta, nil
}

// ContentMAC accumulates a content id over streamed plaintext.
type ContentMAC struct {
	mac hash.Hash
}

// NewContentMAC starts a streaming content-id computation.
func NewContentMAC(key []byte) *ContentMAC {
	return &ContentMAC{mac: hmac.New(sha256.New, key)}
}

// Write feeds plaintext into the MAC. Never returns an error.
func (c *ContentMAC) Write(p []byte) (int, error) {
	return c.mac.Write(p)
}

// ContentID finalizes and returns the hex digest.
func (c *ContentMAC) ContentID() string {
	return hex.EncodeToString(c.mac.Sum(nil))
}

// ContentID returns the hex HMAC-SHA-256 of data under the content key.
// This is the stable identity of file content referenced by commits.
func ContentID(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// ContentIDReader streams r through the HMAC.
func ContentIDReader(key []byte, r io.Reader) (string, error) {
	mac := hmac.New(sha256.New, key)
	if _, err := io.Copy(mac, r); err != nil {
		return "", fmt.Errorf("cryptobox: hash stream: %w", err)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ContentIDFile computes the content id of a file on disk.
func ContentIDFile(key []byte, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cryptobox: open %s: %w", path, err)
	}
	defer f.Close()
	return ContentIDReader(key, f)
}
