package syncer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/napageneral/nexus-cloud/internal/config"
	"github.com/napageneral/nexus-cloud/internal/cryptobox"
	"github.com/napageneral/nexus-cloud/internal/index"
	"github.com/napageneral/nexus-cloud/internal/transport"
)

// fakeCloud implements the whole cloud plane in memory: object store
// with presigned URLs, commit/tree storage and the main ref.
type fakeCloud struct {
	t *testing.T

	mu         sync.Mutex
	objects    map[string][]byte
	registered map[string]bool
	blobs      map[string][]byte
	commits    map[string][]byte
	parents    map[string][]string
	refMain    string
	seq        int
	puts       int

	srv *httptest.Server
}

func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	f := &fakeCloud{
		t:          t,
		objects:    make(map[string][]byte),
		registered: make(map[string]bool),
		blobs:      make(map[string][]byte),
		commits:    make(map[string][]byte),
		parents:    make(map[string][]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/upload/prepare", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Chunks []transport.ChunkInfo `json:"chunks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		type needed struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		}
		out := []needed{}
		for _, c := range req.Chunks {
			if !f.registered[c.ID] {
				out = append(out, needed{ID: c.ID, URL: f.srv.URL + "/objects/" + c.ID})
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"needed": out})
	})
	mux.HandleFunc("PUT /objects/{id}", func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		f.mu.Lock()
		f.objects[r.PathValue("id")] = data
		f.puts++
		f.mu.Unlock()
	})
	mux.HandleFunc("GET /objects/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		data, ok := f.objects[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	})
	mux.HandleFunc("POST /v1/chunks/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		for _, id := range req.IDs {
			f.registered[id] = true
		}
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /v1/upload/complete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"sessionId"`
			Tree      string `json:"tree"`
			Commit    struct {
				Message string   `json:"message"`
				Parents []string `json:"parents"`
			} `json:"commit"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.SessionID)
		tree, err := base64.StdEncoding.DecodeString(req.Tree)
		require.NoError(t, err)

		f.mu.Lock()
		f.seq++
		treeHash := fmt.Sprintf("tree-%d", f.seq)
		commitHash := fmt.Sprintf("commit-%d", f.seq)
		f.blobs[treeHash] = tree
		commitPayload, _ := json.Marshal(map[string]any{
			"tree":    treeHash,
			"message": req.Commit.Message,
			"parents": req.Commit.Parents,
		})
		f.commits[commitHash] = commitPayload
		f.parents[commitHash] = req.Commit.Parents
		f.refMain = commitHash
		f.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]string{"commitHash": commitHash})
	})
	mux.HandleFunc("GET /v1/refs/main", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ref := f.refMain
		f.mu.Unlock()
		if ref == "" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"hash": ref})
	})
	mux.HandleFunc("GET /v1/commits/{hash}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		payload, ok := f.commits[r.PathValue("hash")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"data": base64.StdEncoding.EncodeToString(payload),
		})
	})
	mux.HandleFunc("GET /v1/blobs/{hash}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		blob, ok := f.blobs[r.PathValue("hash")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"data": base64.StdEncoding.EncodeToString(blob),
		})
	})
	mux.HandleFunc("POST /v1/download/prepare", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Chunks []string `json:"chunks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		type urlEntry struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		}
		out := []urlEntry{}
		for _, id := range req.Chunks {
			if _, ok := f.objects[id]; ok {
				out = append(out, urlEntry{ID: id, URL: f.srv.URL + "/objects/" + id})
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"urls": out})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCloud) objectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func testKeys(t *testing.T) cryptobox.KeyBundle {
	t.Helper()
	keys := cryptobox.KeyBundle{
		ContentKey:  make([]byte, cryptobox.KeySize),
		MetadataKey: make([]byte, cryptobox.KeySize),
		Salt:        make([]byte, 16),
	}
	for _, buf := range [][]byte{keys.ContentKey, keys.MetadataKey, keys.Salt} {
		_, err := rand.Read(buf)
		require.NoError(t, err)
	}
	return keys
}

func newTestSyncer(t *testing.T, f *fakeCloud, wsDir string, keys cryptobox.KeyBundle) *Syncer {
	t.Helper()
	stateDir := t.TempDir()
	s, err := New(Config{
		WorkspacePath: wsDir,
		IndexPath:     filepath.Join(stateDir, "index.db"),
		CloudURL:      f.srv.URL,
		Keys:          keys,
		Tokens:        transport.StaticToken("test-token"),
		Settings:      config.DefaultSettings(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeWS(t *testing.T, ws, rel string, content []byte) {
	t.Helper()
	full := filepath.Join(ws, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, content, 0o644))
}

// decodeTree decrypts the current remote tree and returns entries keyed
// by plaintext path.
func decodeTree(t *testing.T, f *fakeCloud, keys cryptobox.KeyBundle) map[string]remoteEntry {
	t.Helper()
	f.mu.Lock()
	var commit struct {
		Tree string `json:"tree"`
	}
	require.NoError(t, json.Unmarshal(f.commits[f.refMain], &commit))
	blob := f.blobs[commit.Tree]
	f.mu.Unlock()

	treeJSON, err := cryptobox.Open(keys.ContentKey, blob)
	require.NoError(t, err)
	var entries []remoteEntry
	require.NoError(t, json.Unmarshal(treeJSON, &entries))

	out := make(map[string]remoteEntry, len(entries))
	for _, e := range entries {
		box, err := base64.StdEncoding.DecodeString(e.EncryptedName)
		require.NoError(t, err)
		meta, err := cryptobox.OpenMetadata(keys.MetadataKey, box)
		require.NoError(t, err)
		out[meta.Filename] = e
	}
	return out
}

func TestPushPull_EndToEnd(t *testing.T) {
	f := newFakeCloud(t)
	keys := testKeys(t)
	ctx := context.Background()

	ws1 := t.TempDir()
	binData := make([]byte, 4096)
	_, err := rand.Read(binData)
	require.NoError(t, err)
	writeWS(t, ws1, "a.txt", []byte("hello"))
	writeWS(t, ws1, "b/bin.dat", binData)
	writeWS(t, ws1, ".git/config", []byte("ignore me"))

	s1 := newTestSyncer(t, f, ws1, keys)

	// Scenario 1: cold push of a tiny workspace. Both files are
	// smaller than the packing threshold, so one packed chunk lands.
	res, err := s1.Push(ctx, "initial", nil)
	require.NoError(t, err)
	require.False(t, res.NothingToPush)
	commit1 := res.CommitHash
	assert.NotEmpty(t, commit1)
	assert.Equal(t, 1, f.objectCount(), "both small files pack into one chunk")
	assert.Empty(t, res.Stats.Errors)

	head, err := s1.Store().HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, commit1, head)

	tree := decodeTree(t, f, keys)
	require.Len(t, tree, 2, ".git must not be visited")
	require.Contains(t, tree, "a.txt")
	require.Contains(t, tree, "b/bin.dat")
	require.Len(t, tree["a.txt"].Chunks, 1)
	require.NotNil(t, tree["a.txt"].Chunks[0].PackOffset)
	require.NotNil(t, tree["b/bin.dat"].Chunks[0].PackOffset)
	assert.Equal(t, tree["a.txt"].Chunks[0].ID, tree["b/bin.dat"].Chunks[0].ID)

	// Scenario 2: idempotent re-push.
	res, err = s1.Push(ctx, "again", nil)
	require.NoError(t, err)
	assert.True(t, res.NothingToPush)
	assert.Equal(t, commit1, res.CommitHash)
	assert.Zero(t, res.Stats.UploadedChunks)

	// Scenario 3: incremental edit of a.txt.
	writeWS(t, ws1, "a.txt", []byte("hello world"))
	res, err = s1.Push(ctx, "edit", nil)
	require.NoError(t, err)
	commit2 := res.CommitHash
	assert.NotEqual(t, commit1, commit2)
	assert.Equal(t, 1, res.Stats.UploadedChunks, "only the edited file re-uploads")
	assert.Equal(t, []string{commit1}, f.parents[commit2], "new commit's parent is the first commit")

	// b/bin.dat keeps its packed entry, read back from the index.
	tree = decodeTree(t, f, keys)
	require.Len(t, tree, 2)
	assert.NotNil(t, tree["b/bin.dat"].Chunks[0].PackOffset)
	assert.Nil(t, tree["a.txt"].Chunks[0].PackOffset, "re-chunked file is no longer packed")

	// Scenario 4: pull into an empty workspace with the same keys.
	ws2 := t.TempDir()
	s2 := newTestSyncer(t, f, ws2, keys)
	pullRes, err := s2.Pull(ctx, false, nil)
	require.NoError(t, err)
	assert.Equal(t, commit2, pullRes.CommitHash)
	assert.Equal(t, 2, pullRes.FilesUpdated)
	assert.Empty(t, pullRes.Conflicts)

	gotA, err := os.ReadFile(filepath.Join(ws2, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), gotA)
	gotB, err := os.ReadFile(filepath.Join(ws2, "b/bin.dat"))
	require.NoError(t, err)
	assert.Equal(t, binData, gotB)

	head2, err := s2.Store().HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, commit2, head2)

	// Pulling again is a no-op.
	pullRes, err = s2.Pull(ctx, false, nil)
	require.NoError(t, err)
	assert.Equal(t, commit2, pullRes.CommitHash)
	assert.Zero(t, pullRes.FilesUpdated)

	// Scenario 5: conflicting local edit in the second client.
	writeWS(t, ws2, "a.txt", []byte("different"))
	writeWS(t, ws1, "a.txt", []byte("hello world, remote wins?"))
	res, err = s1.Push(ctx, "remote edit", nil)
	require.NoError(t, err)
	commit3 := res.CommitHash

	pullRes, err = s2.Pull(ctx, false, nil)
	require.NoError(t, err, "conflicts do not fail the pull")
	assert.Equal(t, []string{"a.txt"}, pullRes.Conflicts)

	merged, err := os.ReadFile(filepath.Join(ws2, "a.txt"))
	require.NoError(t, err)
	text := string(merged)
	assert.Contains(t, text, "<<<<<<< local")
	assert.Contains(t, text, "=======")
	assert.Contains(t, text, ">>>>>>> remote")
	assert.Contains(t, text, "different")
	assert.Contains(t, text, "hello world, remote wins?")

	head2, err = s2.Store().HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, commit3, head2)

	// Scenario 6: force pull fetches everything from scratch.
	ws3 := t.TempDir()
	s3 := newTestSyncer(t, f, ws3, keys)
	_, err = s3.Pull(ctx, false, nil)
	require.NoError(t, err)

	forceRes, err := s3.Pull(ctx, true, nil)
	require.NoError(t, err)
	assert.Equal(t, commit3, forceRes.CommitHash)
	assert.Equal(t, 2, forceRes.FilesUpdated, "cleared index refetches every file")
	assert.Empty(t, forceRes.Conflicts, "identical bytes are not conflicts")

	gotA, err = os.ReadFile(filepath.Join(ws3, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world, remote wins?"), gotA)
	gotB, err = os.ReadFile(filepath.Join(ws3, "b/bin.dat"))
	require.NoError(t, err)
	assert.Equal(t, binData, gotB)
}

func TestPull_EmptyRemoteIsNoop(t *testing.T) {
	f := newFakeCloud(t)
	keys := testKeys(t)
	ws := t.TempDir()
	s := newTestSyncer(t, f, ws, keys)

	res, err := s.Pull(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Empty(t, res.CommitHash)
	assert.Zero(t, res.FilesUpdated)
}

func TestPushPull_EmptyFile(t *testing.T) {
	f := newFakeCloud(t)
	keys := testKeys(t)
	ctx := context.Background()

	ws1 := t.TempDir()
	writeWS(t, ws1, "empty.txt", nil)
	writeWS(t, ws1, "full.txt", []byte("content"))
	s1 := newTestSyncer(t, f, ws1, keys)

	_, err := s1.Push(ctx, "", nil)
	require.NoError(t, err)

	tree := decodeTree(t, f, keys)
	require.Contains(t, tree, "empty.txt")
	assert.Empty(t, tree["empty.txt"].Chunks)

	ws2 := t.TempDir()
	s2 := newTestSyncer(t, f, ws2, keys)
	_, err = s2.Pull(ctx, false, nil)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(ws2, "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestPull_RemoteDeletionRemovesUnmodifiedFile(t *testing.T) {
	f := newFakeCloud(t)
	keys := testKeys(t)
	ctx := context.Background()

	ws1 := t.TempDir()
	writeWS(t, ws1, "keep.txt", []byte("keep"))
	writeWS(t, ws1, "drop.txt", []byte("drop"))
	s1 := newTestSyncer(t, f, ws1, keys)
	_, err := s1.Push(ctx, "", nil)
	require.NoError(t, err)

	ws2 := t.TempDir()
	s2 := newTestSyncer(t, f, ws2, keys)
	_, err = s2.Pull(ctx, false, nil)
	require.NoError(t, err)

	// Client 1 deletes drop.txt and pushes.
	require.NoError(t, os.Remove(filepath.Join(ws1, "drop.txt")))
	_, err = s1.Push(ctx, "delete", nil)
	require.NoError(t, err)

	// Client 2 pulls: the unmodified local copy is removed.
	_, err = s2.Pull(ctx, false, nil)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws2, "drop.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ws2, "keep.txt"))
	assert.NoError(t, err)

	rec, err := s2.Store().GetFile("drop.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, index.StatusDeleted, rec.Status)
}

func TestPull_BinaryConflictKeepsBothVersions(t *testing.T) {
	f := newFakeCloud(t)
	keys := testKeys(t)
	ctx := context.Background()

	binary := append([]byte{0x00, 0x01, 0x02}, []byte("binary-v1")...)
	ws1 := t.TempDir()
	writeWS(t, ws1, "blob.bin", binary)
	s1 := newTestSyncer(t, f, ws1, keys)
	_, err := s1.Push(ctx, "", nil)
	require.NoError(t, err)

	ws2 := t.TempDir()
	s2 := newTestSyncer(t, f, ws2, keys)
	_, err = s2.Pull(ctx, false, nil)
	require.NoError(t, err)

	// Diverge: binary edit locally, different binary remotely.
	localEdit := append([]byte{0x00, 0xff}, []byte("local")...)
	writeWS(t, ws2, "blob.bin", localEdit)
	remoteEdit := append([]byte{0x00, 0xee}, []byte("remote")...)
	writeWS(t, ws1, "blob.bin", remoteEdit)
	_, err = s1.Push(ctx, "", nil)
	require.NoError(t, err)

	pullRes, err := s2.Pull(ctx, false, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"blob.bin"}, pullRes.Conflicts)

	local, err := os.ReadFile(filepath.Join(ws2, "blob.local.bin"))
	require.NoError(t, err)
	assert.Equal(t, localEdit, local)
	remote, err := os.ReadFile(filepath.Join(ws2, "blob.remote.bin"))
	require.NoError(t, err)
	assert.Equal(t, remoteEdit, remote)
}

func TestCreateCommit_DriftGuardSkipsTornEntries(t *testing.T) {
	f := newFakeCloud(t)
	keys := testKeys(t)
	ws := t.TempDir()
	writeWS(t, ws, "drifty.txt", []byte("content at chunk time"))
	s := newTestSyncer(t, f, ws, keys)

	// Pretend the file was chunked with different stats than disk now
	// shows.
	require.NoError(t, s.Store().UpsertFile(&index.FileRecord{
		Path:      "drifty.txt",
		Size:      3, // disagrees with the real size
		MtimeNs:   1,
		ContentID: "stale-content-id",
		Status:    index.StatusModified,
	}))

	hash, err := s.createCommit(context.Background(), "msg", nil)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	tree := decodeTree(t, f, keys)
	assert.NotContains(t, tree, "drifty.txt", "drifted entry is skipped, never torn")

	rec, err := s.Store().GetFile("drifty.txt")
	require.NoError(t, err)
	assert.Equal(t, index.StatusModified, rec.Status)
	assert.Empty(t, rec.ContentID)
}

func TestPush_ProgressPhases(t *testing.T) {
	f := newFakeCloud(t)
	keys := testKeys(t)
	ws := t.TempDir()
	writeWS(t, ws, "a.txt", []byte(strings.Repeat("data", 1024)))
	s := newTestSyncer(t, f, ws, keys)

	var mu sync.Mutex
	var phases []Phase
	_, err := s.Push(context.Background(), "", func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
			phases = append(phases, p.Phase)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, PhaseScanning, phases[0])
	assert.Equal(t, PhaseDone, phases[len(phases)-1])
	assert.Contains(t, phases, PhaseCommitting)
}
