package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/index/sqlite"
)

func newTestScanner(t *testing.T) (*Scanner, index.Store, string) {
	t.Helper()
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	store, err := sqlite.Open(filepath.Join(dir, "index.db"), ws, "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return mustScanner(t, ws, store), store, ws
}

func mustScanner(t *testing.T, ws string, store index.Store) *Scanner {
	t.Helper()
	s, err := New(ws, store, nil)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestColdScan_InsertsNewRecords(t *testing.T) {
	s, store, ws := newTestScanner(t)
	writeFile(t, ws, "a.txt", "hello")
	writeFile(t, ws, "b/bin.dat", "binary stuff")

	result, err := s.ColdScan(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b/bin.dat"}, result.Added)
	assert.Empty(t, result.Modified)
	assert.Empty(t, result.Deleted)

	rec, err := store.GetFile("a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, index.StatusNew, rec.Status)
	assert.Len(t, rec.QuickHash, 32)
	assert.Empty(t, rec.ContentID)
}

func TestScan_DefaultIgnores(t *testing.T) {
	s, _, ws := newTestScanner(t)
	writeFile(t, ws, "keep.txt", "keep")
	writeFile(t, ws, ".env", "SECRET=1")
	writeFile(t, ws, "api.key", "k")
	writeFile(t, ws, "node_modules/pkg/index.js", "js")
	writeFile(t, ws, "__pycache__/mod.pyc", "pyc")
	writeFile(t, ws, ".git/config", "ignore me")
	writeFile(t, ws, "sessions/log.txt", "session")

	result, err := s.ColdScan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, result.Added)
}

func TestScan_NexusignoreLayered(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	writeFile(t, ws, IgnoreFileName, "*.log\nbuild/\n")
	writeFile(t, ws, "app.log", "log")
	writeFile(t, ws, "build/out.bin", "bin")
	writeFile(t, ws, "main.go", "package main")

	store, err := sqlite.Open(filepath.Join(dir, "index.db"), ws, "")
	require.NoError(t, err)
	defer store.Close()

	s := mustScanner(t, ws, store)
	result, err := s.ColdScan(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", IgnoreFileName}, result.Added)
}

func TestScan_NestedGitRepoSkipped(t *testing.T) {
	_, store, ws := newTestScanner(t)
	writeFile(t, ws, "top.txt", "top")
	writeFile(t, ws, "vendor-repo/.git/HEAD", "ref: refs/heads/main")
	writeFile(t, ws, "vendor-repo/src/lib.go", "package lib")
	writeFile(t, ws, "vendor-repo/README.md", "readme")

	// Git roots are discovered at construction time.
	s := mustScanner(t, ws, store)
	result, err := s.ColdScan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"top.txt"}, result.Added)
}

func TestIncrementalScan_Classification(t *testing.T) {
	s, store, ws := newTestScanner(t)
	writeFile(t, ws, "stable.txt", "stable content")
	writeFile(t, ws, "edited.txt", "before")
	writeFile(t, ws, "gone.txt", "going away")

	_, err := s.ColdScan(context.Background(), nil)
	require.NoError(t, err)

	// Simulate a completed push: everything synced with content ids.
	require.NoError(t, store.MarkAllSynced())
	for _, path := range []string{"stable.txt", "edited.txt", "gone.txt"} {
		rec, err := store.GetFile(path)
		require.NoError(t, err)
		rec.ContentID = "cid-" + path
		require.NoError(t, store.UpsertFile(rec))
	}
	require.NoError(t, store.SetHeadCommit("head1"))

	writeFile(t, ws, "edited.txt", "after edit, longer")
	writeFile(t, ws, "fresh.txt", "brand new")
	require.NoError(t, os.Remove(filepath.Join(ws, "gone.txt")))

	// New scanner so the walk reflects the current tree.
	s = mustScanner(t, ws, store)
	result, err := s.IncrementalScan(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"fresh.txt"}, result.Added)
	assert.Equal(t, []string{"edited.txt"}, result.Modified)
	assert.Equal(t, []string{"gone.txt"}, result.Deleted)

	edited, err := store.GetFile("edited.txt")
	require.NoError(t, err)
	assert.Equal(t, index.StatusModified, edited.Status)
	assert.Empty(t, edited.ContentID, "content id must be cleared on modification")

	stable, err := store.GetFile("stable.txt")
	require.NoError(t, err)
	assert.Equal(t, index.StatusSynced, stable.Status)
	assert.Equal(t, "cid-stable.txt", stable.ContentID)

	gone, err := store.GetFile("gone.txt")
	require.NoError(t, err)
	assert.Equal(t, index.StatusDeleted, gone.Status)
}

func TestIncrementalScan_TouchWithoutChangeStaysSynced(t *testing.T) {
	s, store, ws := newTestScanner(t)
	writeFile(t, ws, "touched.txt", "same content")

	_, err := s.ColdScan(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkAllSynced())
	rec, err := store.GetFile("touched.txt")
	require.NoError(t, err)
	rec.ContentID = "cid-touched"
	require.NoError(t, store.UpsertFile(rec))
	require.NoError(t, store.SetHeadCommit("head1"))

	// Bump mtime without changing content.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(ws, "touched.txt"), future, future))

	s = mustScanner(t, ws, store)
	result, err := s.IncrementalScan(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Modified)

	got, err := store.GetFile("touched.txt")
	require.NoError(t, err)
	assert.Equal(t, index.StatusSynced, got.Status)
	assert.Equal(t, "cid-touched", got.ContentID)
}

func TestQuickHash_Properties(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small")
	require.NoError(t, os.WriteFile(small, []byte("tiny"), 0o644))
	h1, err := QuickHash(small, 4)
	require.NoError(t, err)
	assert.Len(t, h1, 32)

	// Stable across calls.
	h2, err := QuickHash(small, 4)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Size participates: same prefix, different length.
	big := filepath.Join(dir, "big")
	content := make([]byte, 200*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(big, content, 0o644))
	hb1, err := QuickHash(big, uint64(len(content)))
	require.NoError(t, err)

	// A change in the middle (outside both 64 KiB samples) is invisible
	// to the quick-hash; that is by construction, content addressing
	// happens elsewhere.
	middle := make([]byte, len(content))
	copy(middle, content)
	middle[100*1024] ^= 0xff
	require.NoError(t, os.WriteFile(big, middle, 0o644))
	hb2, err := QuickHash(big, uint64(len(middle)))
	require.NoError(t, err)
	assert.Equal(t, hb1, hb2)

	// A change inside the first sample is visible.
	first := make([]byte, len(content))
	copy(first, content)
	first[10] ^= 0xff
	require.NoError(t, os.WriteFile(big, first, 0o644))
	hb3, err := QuickHash(big, uint64(len(first)))
	require.NoError(t, err)
	assert.NotEqual(t, hb1, hb3)
}

func TestEstimateChunkCount(t *testing.T) {
	assert.Equal(t, uint32(1), estimateChunkCount(0))
	assert.Equal(t, uint32(1), estimateChunkCount(256*1024))
	assert.Equal(t, uint32(1), estimateChunkCount(2*1024*1024))
	assert.Equal(t, uint32(2), estimateChunkCount(2*1024*1024+1))
	assert.Equal(t, uint32(5), estimateChunkCount(10 * 1024 * 1024))
}
