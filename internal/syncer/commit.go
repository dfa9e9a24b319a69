package syncer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/napageneral/nexus-cloud/internal/cryptobox"
	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/transport"
)

// TreeChunk is one chunk reference inside a tree entry.
type TreeChunk struct {
	ID         string  `json:"id"`
	Size       uint64  `json:"size"`
	Offset     *uint64 `json:"offset,omitempty"`
	PackOffset *uint64 `json:"packOffset,omitempty"`
}

// treeEntry is one file in the encrypted tree manifest.
type treeEntry struct {
	EncryptedName string      `json:"encryptedName"`
	Hash          string      `json:"hash"`
	Type          string      `json:"type"`
	Mode          uint32      `json:"mode"`
	Chunks        []TreeChunk `json:"chunks"`
}

// createCommit builds the tree from the index (preferring the fresh
// manifest), encrypts it and publishes the commit. The index head
// advances only after the server acknowledges.
func (s *Syncer) createCommit(ctx context.Context, message string, manifest map[string][]TreeChunk) (string, error) {
	files, err := s.store.AllFiles()
	if err != nil {
		return "", err
	}

	var tree []treeEntry
	var demoted []index.FileRecord
	for _, file := range files {
		if file.Status == index.StatusDeleted || file.ContentID == "" {
			continue
		}

		full := filepath.Join(s.cfg.WorkspacePath, filepath.FromSlash(file.Path))
		info, err := os.Stat(full)
		if err != nil {
			// Vanished since chunking: leave it out of this commit.
			file.Status = index.StatusDeleted
			if upErr := s.store.UpsertFile(&file); upErr != nil {
				return "", upErr
			}
			continue
		}

		// Drift guard: the file changed after it was chunked. Skip the
		// entry and let the next push pick it up; never a torn entry.
		if uint64(info.Size()) != file.Size || info.ModTime().UnixNano() != file.MtimeNs {
			file.Inode = inodeOf(info)
			file.Size = uint64(info.Size())
			file.MtimeNs = info.ModTime().UnixNano()
			file.ContentID = ""
			file.Status = index.StatusModified
			if err := s.store.UpsertFile(&file); err != nil {
				return "", err
			}
			demoted = append(demoted, file)
			continue
		}

		encryptedName, err := cryptobox.SealMetadata(s.cfg.Keys.MetadataKey, cryptobox.FileMetadata{
			Filename: file.Path,
			Size:     file.Size,
			Mode:     fileMode(info),
			Mtime:    info.ModTime().UnixMilli(),
		})
		if err != nil {
			return "", fmt.Errorf("encrypt name for %s: %w", file.Path, err)
		}

		chunks, ok := manifest[file.Path]
		if !ok {
			stored, err := s.store.GetChunks(file.Path)
			if err != nil {
				return "", err
			}
			for _, c := range stored {
				offset := c.Offset
				chunks = append(chunks, TreeChunk{
					ID: c.ChunkID, Size: c.Length,
					Offset: &offset, PackOffset: c.PackOffset,
				})
			}
		}
		if len(chunks) == 0 && file.Size > 0 {
			// No chunk data anywhere; demote and let the next push
			// re-chunk it.
			file.ContentID = ""
			file.Status = index.StatusModified
			if err := s.store.UpsertFile(&file); err != nil {
				return "", err
			}
			demoted = append(demoted, file)
			continue
		}
		if chunks == nil {
			chunks = []TreeChunk{}
		}

		tree = append(tree, treeEntry{
			EncryptedName: base64.StdEncoding.EncodeToString(encryptedName),
			Hash:          file.ContentID,
			Type:          "blob",
			Mode:          fileMode(info),
			Chunks:        chunks,
		})
	}

	if tree == nil {
		tree = []treeEntry{}
	}
	treeJSON, err := json.Marshal(tree)
	if err != nil {
		return "", fmt.Errorf("marshal tree: %w", err)
	}
	encryptedTree, err := cryptobox.Seal(s.cfg.Keys.ContentKey, treeJSON)
	if err != nil {
		return "", fmt.Errorf("encrypt tree: %w", err)
	}

	head, err := s.store.HeadCommit()
	if err != nil {
		return "", err
	}
	parents := []string{}
	if head != "" {
		parents = []string{head}
	}

	sessionID := uuid.NewString()
	if err := s.store.SetState(index.StateUploadSession, sessionID); err != nil {
		return "", err
	}

	hash, err := s.api.UploadComplete(ctx, sessionID, encryptedTree, transport.CommitRequest{
		Message: message,
		Parents: parents,
	})
	if err != nil {
		return "", fmt.Errorf("publish commit: %w", err)
	}

	if err := s.store.SetHeadCommit(hash); err != nil {
		return "", err
	}
	if err := s.store.MarkAllSynced(); err != nil {
		return "", err
	}
	// MarkAllSynced also promoted the records demoted above; keep them
	// Modified so the next push picks them up.
	for i := range demoted {
		if err := s.store.UpsertFile(&demoted[i]); err != nil {
			return "", err
		}
	}
	if s.metrics != nil {
		s.metrics.CommitsTotal.Inc()
	}
	s.log.InfoContext(ctx, "commit published", "hash", hash, "entries", len(tree))
	return hash, nil
}
