package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napageneral/nexus-cloud/internal/index"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "index.db"), filepath.Join(dir, "ws"), "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileRecord_CRUD(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetFile("a.txt")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := &index.FileRecord{
		Path:       "a.txt",
		Inode:      42,
		Size:       100,
		MtimeNs:    1234567890,
		QuickHash:  "abcd1234",
		ChunkCount: 1,
		Status:     index.StatusNew,
	}
	require.NoError(t, s.UpsertFile(rec))

	got, err = s.GetFile("a.txt")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *rec, *got)

	rec.Status = index.StatusSynced
	rec.ContentID = "deadbeef"
	require.NoError(t, s.UpsertFile(rec))
	got, err = s.GetFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, index.StatusSynced, got.Status)
	assert.Equal(t, "deadbeef", got.ContentID)
}

func TestDeleteFile_CascadesChunks(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertFile(&index.FileRecord{Path: "a.txt", Status: index.StatusNew}))
	require.NoError(t, s.UpsertChunk(&index.ChunkRecord{
		ChunkID: "c1", FilePath: "a.txt", ChunkIndex: 0, Offset: 0, Length: 50,
	}))
	require.NoError(t, s.UpsertChunk(&index.ChunkRecord{
		ChunkID: "c2", FilePath: "a.txt", ChunkIndex: 1, Offset: 50, Length: 50,
	}))

	require.NoError(t, s.DeleteFile("a.txt"))

	got, err := s.GetFile("a.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
	chunks, err := s.GetChunks("a.txt")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunks_OrderAndPackOffset(t *testing.T) {
	s := openTestStore(t)

	pack := uint64(4096)
	require.NoError(t, s.UpsertChunk(&index.ChunkRecord{
		ChunkID: "c2", FilePath: "f", ChunkIndex: 1, Offset: 100, Length: 10,
	}))
	require.NoError(t, s.UpsertChunk(&index.ChunkRecord{
		ChunkID: "c1", FilePath: "f", ChunkIndex: 0, Offset: 0, Length: 100, PackOffset: &pack,
	}))

	chunks, err := s.GetChunks("f")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, uint32(0), chunks[0].ChunkIndex)
	require.NotNil(t, chunks[0].PackOffset)
	assert.Equal(t, uint64(4096), *chunks[0].PackOffset)
	assert.Nil(t, chunks[1].PackOffset)
}

func TestReplaceFileChunks_Atomic(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertChunk(&index.ChunkRecord{
		ChunkID: "old", FilePath: "f", ChunkIndex: 0, Length: 1,
	}))

	file := &index.FileRecord{Path: "f", Size: 20, ContentID: "cid", ChunkCount: 2, Status: index.StatusSynced}
	chunks := []index.ChunkRecord{
		{ChunkID: "n1", FilePath: "f", ChunkIndex: 0, Offset: 0, Length: 10, Uploaded: true},
		{ChunkID: "n2", FilePath: "f", ChunkIndex: 1, Offset: 10, Length: 10, Uploaded: true},
	}
	require.NoError(t, s.ReplaceFileChunks(file, chunks))

	got, err := s.GetChunks("f")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "n1", got[0].ChunkID)
	assert.Equal(t, "n2", got[1].ChunkID)

	rec, err := s.GetFile("f")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rec.ChunkCount)
}

func TestUnuploadedChunks_MarkUploaded(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertChunk(&index.ChunkRecord{ChunkID: "c1", FilePath: "f", ChunkIndex: 0, Length: 1}))
	require.NoError(t, s.UpsertChunk(&index.ChunkRecord{ChunkID: "c2", FilePath: "g", ChunkIndex: 0, Length: 1}))

	pending, err := s.UnuploadedChunks()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	require.NoError(t, s.MarkChunkUploaded("c1"))
	pending, err = s.UnuploadedChunks()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ChunkID)
}

func TestSyncState(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetState(index.StateHeadCommit)
	require.NoError(t, err)
	assert.False(t, ok)

	head, err := s.HeadCommit()
	require.NoError(t, err)
	assert.Empty(t, head)

	require.NoError(t, s.SetHeadCommit("abc123"))
	head, err = s.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, "abc123", head)

	require.NoError(t, s.SetState(index.StateRemoteHead, "def456"))
	value, ok, err := s.GetState(index.StateRemoteHead)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "def456", value)
}

func TestFilesByStatus_MarkAllSynced(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertFile(&index.FileRecord{Path: "a", Status: index.StatusNew}))
	require.NoError(t, s.UpsertFile(&index.FileRecord{Path: "b", Status: index.StatusModified}))
	require.NoError(t, s.UpsertFile(&index.FileRecord{Path: "c", Status: index.StatusDeleted}))

	newFiles, err := s.FilesByStatus(index.StatusNew)
	require.NoError(t, err)
	assert.Len(t, newFiles, 1)

	require.NoError(t, s.MarkAllSynced())
	synced, err := s.FilesByStatus(index.StatusSynced)
	require.NoError(t, err)
	assert.Len(t, synced, 2)
	deleted, err := s.FilesByStatus(index.StatusDeleted)
	require.NoError(t, err)
	assert.Len(t, deleted, 1)
}

func TestClearWorkspace_ScopedToWorkspace(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")

	s1, err := Open(dbPath, filepath.Join(dir, "ws1"), "")
	require.NoError(t, err)
	defer s1.Close()
	require.NoError(t, s1.UpsertFile(&index.FileRecord{Path: "a", Status: index.StatusSynced}))
	require.NoError(t, s1.SetHeadCommit("h1"))
	s1.Close()

	s2, err := Open(dbPath, filepath.Join(dir, "ws2"), "")
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.UpsertFile(&index.FileRecord{Path: "b", Status: index.StatusSynced}))
	require.NoError(t, s2.ClearWorkspace())

	files, err := s2.AllFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
	s2.Close()

	// The first workspace is untouched.
	s1, err = Open(dbPath, filepath.Join(dir, "ws1"), "")
	require.NoError(t, err)
	files, err = s1.AllFiles()
	require.NoError(t, err)
	assert.Len(t, files, 1)
	head, err := s1.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, "h1", head)
}

func TestMigrateLegacySchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")

	// Build a pre-multi-workspace database by hand: no workspace_key,
	// no pack_offset, no uploaded.
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`
	CREATE TABLE files (
		path TEXT PRIMARY KEY,
		inode INTEGER, size INTEGER, mtime_ns INTEGER,
		quick_hash TEXT, content_id TEXT,
		chunk_count INTEGER DEFAULT 0, status TEXT DEFAULT 'unknown'
	);
	CREATE TABLE chunks (
		file_path TEXT, chunk_index INTEGER, chunk_id TEXT,
		offset INTEGER, length INTEGER,
		PRIMARY KEY (file_path, chunk_index)
	);
	CREATE TABLE sync_state (key TEXT PRIMARY KEY, value TEXT);
	INSERT INTO files (path, size, status, content_id) VALUES ('legacy.txt', 9, 'synced', 'cid');
	INSERT INTO chunks (file_path, chunk_index, chunk_id, offset, length) VALUES ('legacy.txt', 0, 'ck', 0, 9);
	INSERT INTO sync_state (key, value) VALUES ('head_commit', 'legacyhead');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	wsPath := filepath.Join(dir, "ws")
	s, err := Open(dbPath, wsPath, "")
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetFile("legacy.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, index.StatusSynced, rec.Status)
	assert.Equal(t, "cid", rec.ContentID)

	chunks, err := s.GetChunks("legacy.txt")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "ck", chunks[0].ChunkID)
	assert.Nil(t, chunks[0].PackOffset)
	assert.False(t, chunks[0].Uploaded)

	head, err := s.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, "legacyhead", head)
}
