// Package sqlite provides the SQLite-backed implementation of the
// local index. One database file serves any number of workspaces; all
// rows are keyed by the workspace key (the absolute workspace path).
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/napageneral/nexus-cloud/internal/index"
)

// Store implements index.Store on SQLite.
type Store struct {
	db           *sql.DB
	workspaceKey string
}

// Open opens (or creates) the index database at path and binds it to
// the workspace rooted at workspacePath. A legacy single-workspace
// schema is migrated in place inside one transaction.
func Open(path, workspacePath, spaceID string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes all writes; concurrent readers in this
	// process share it safely.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	s := &Store{db: db, workspaceKey: WorkspaceKey(workspacePath)}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := s.ensureWorkspace(workspacePath, spaceID); err != nil {
		db.Close()
		return nil, fmt.Errorf("register workspace: %w", err)
	}
	return s, nil
}

// WorkspaceKey canonicalizes a workspace path into the key that scopes
// every row in the database.
func WorkspaceKey(workspacePath string) string {
	abs, err := filepath.Abs(workspacePath)
	if err != nil {
		return filepath.Clean(workspacePath)
	}
	return abs
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_key TEXT PRIMARY KEY,
		workspace_path TEXT NOT NULL,
		space_id TEXT,
		last_seen_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS files (
		workspace_key TEXT NOT NULL,
		path TEXT NOT NULL,
		inode INTEGER,
		size INTEGER,
		mtime_ns INTEGER,
		quick_hash TEXT,
		content_id TEXT,
		chunk_count INTEGER DEFAULT 0,
		status TEXT DEFAULT 'unknown',
		PRIMARY KEY (workspace_key, path)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		workspace_key TEXT NOT NULL,
		file_path TEXT,
		chunk_index INTEGER,
		chunk_id TEXT,
		offset INTEGER,
		length INTEGER,
		pack_offset INTEGER,
		uploaded INTEGER DEFAULT 0,
		PRIMARY KEY (workspace_key, file_path, chunk_index)
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		workspace_key TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (workspace_key, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if err := s.migrateLegacySchema(); err != nil {
		return fmt.Errorf("migrate legacy schema: %w", err)
	}
	return s.ensureIndexes()
}

func (s *Store) ensureIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_files_status ON files(workspace_key, status);
	CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(workspace_key, file_path);
	CREATE INDEX IF NOT EXISTS idx_chunks_id ON chunks(workspace_key, chunk_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_uploaded ON chunks(workspace_key, uploaded) WHERE uploaded = 0;
	`)
	return err
}

func (s *Store) ensureWorkspace(workspacePath, spaceID string) error {
	var space any
	if spaceID != "" {
		space = spaceID
	}
	_, err := s.db.Exec(`
	INSERT INTO workspaces (workspace_key, workspace_path, space_id, last_seen_at)
	VALUES (?, ?, ?, strftime('%s','now'))
	ON CONFLICT(workspace_key) DO UPDATE SET
		workspace_path = excluded.workspace_path,
		space_id = COALESCE(excluded.space_id, workspaces.space_id),
		last_seen_at = excluded.last_seen_at
	`, s.workspaceKey, workspacePath, space)
	return err
}

// GetFile returns the record for path, or nil when absent.
func (s *Store) GetFile(path string) (*index.FileRecord, error) {
	row := s.db.QueryRow(
		`SELECT path, inode, size, mtime_ns, quick_hash, content_id, chunk_count, status
		 FROM files WHERE workspace_key = ? AND path = ?`, s.workspaceKey, path)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertFile inserts or replaces a file record.
func (s *Store) UpsertFile(rec *index.FileRecord) error {
	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO files (workspace_key, path, inode, size, mtime_ns, quick_hash, content_id, chunk_count, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.workspaceKey, rec.Path, int64(rec.Inode), int64(rec.Size), rec.MtimeNs,
		nullStr(rec.QuickHash), nullStr(rec.ContentID), int64(rec.ChunkCount), string(rec.Status))
	return err
}

// DeleteFile removes a file record and its chunks in one transaction.
func (s *Store) DeleteFile(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM files WHERE workspace_key = ? AND path = ?`, s.workspaceKey, path); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE workspace_key = ? AND file_path = ?`, s.workspaceKey, path); err != nil {
		return err
	}
	return tx.Commit()
}

// GetChunks returns the chunk rows for path ordered by chunk index.
func (s *Store) GetChunks(path string) ([]index.ChunkRecord, error) {
	rows, err := s.db.Query(
		`SELECT chunk_id, file_path, chunk_index, offset, length, pack_offset, uploaded
		 FROM chunks WHERE workspace_key = ? AND file_path = ? ORDER BY chunk_index`,
		s.workspaceKey, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// UpsertChunk inserts or replaces one chunk row.
func (s *Store) UpsertChunk(rec *index.ChunkRecord) error {
	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO chunks (workspace_key, file_path, chunk_index, chunk_id, offset, length, pack_offset, uploaded)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.workspaceKey, rec.FilePath, int64(rec.ChunkIndex), rec.ChunkID,
		int64(rec.Offset), int64(rec.Length), nullU64(rec.PackOffset), boolInt(rec.Uploaded))
	return err
}

// DeleteChunks removes all chunk rows for path.
func (s *Store) DeleteChunks(path string) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE workspace_key = ? AND file_path = ?`, s.workspaceKey, path)
	return err
}

// ReplaceFileChunks writes a file record and its complete chunk set
// atomically, replacing whatever was stored for the path before.
func (s *Store) ReplaceFileChunks(file *index.FileRecord, chunks []index.ChunkRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
	INSERT OR REPLACE INTO files (workspace_key, path, inode, size, mtime_ns, quick_hash, content_id, chunk_count, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.workspaceKey, file.Path, int64(file.Inode), int64(file.Size), file.MtimeNs,
		nullStr(file.QuickHash), nullStr(file.ContentID), int64(file.ChunkCount), string(file.Status)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE workspace_key = ? AND file_path = ?`, s.workspaceKey, file.Path); err != nil {
		return err
	}
	for i := range chunks {
		c := &chunks[i]
		if _, err := tx.Exec(`
		INSERT INTO chunks (workspace_key, file_path, chunk_index, chunk_id, offset, length, pack_offset, uploaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.workspaceKey, c.FilePath, int64(c.ChunkIndex), c.ChunkID,
			int64(c.Offset), int64(c.Length), nullU64(c.PackOffset), boolInt(c.Uploaded)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UnuploadedChunks lists every chunk not yet acknowledged by the server.
func (s *Store) UnuploadedChunks() ([]index.ChunkRecord, error) {
	rows, err := s.db.Query(
		`SELECT chunk_id, file_path, chunk_index, offset, length, pack_offset, uploaded
		 FROM chunks WHERE workspace_key = ? AND uploaded = 0`, s.workspaceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

// MarkChunkUploaded flags every row carrying chunkID as uploaded.
func (s *Store) MarkChunkUploaded(chunkID string) error {
	_, err := s.db.Exec(
		`UPDATE chunks SET uploaded = 1 WHERE workspace_key = ? AND chunk_id = ?`,
		s.workspaceKey, chunkID)
	return err
}

// GetState reads a sync-state value; ok reports whether the key exists.
func (s *Store) GetState(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM sync_state WHERE workspace_key = ? AND key = ?`,
		s.workspaceKey, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetState writes a sync-state value.
func (s *Store) SetState(key, value string) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sync_state (workspace_key, key, value) VALUES (?, ?, ?)`,
		s.workspaceKey, key, value)
	return err
}

// HeadCommit returns the last commit completed by this client, or "".
func (s *Store) HeadCommit() (string, error) {
	value, _, err := s.GetState(index.StateHeadCommit)
	return value, err
}

// SetHeadCommit records a server-acknowledged commit as the new head.
func (s *Store) SetHeadCommit(hash string) error {
	return s.SetState(index.StateHeadCommit, hash)
}

// FilesByStatus lists file records in the given lifecycle state.
func (s *Store) FilesByStatus(status index.FileStatus) ([]index.FileRecord, error) {
	rows, err := s.db.Query(
		`SELECT path, inode, size, mtime_ns, quick_hash, content_id, chunk_count, status
		 FROM files WHERE workspace_key = ? AND status = ?`, s.workspaceKey, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFiles(rows)
}

// AllFiles lists every file record in this workspace.
func (s *Store) AllFiles() ([]index.FileRecord, error) {
	rows, err := s.db.Query(
		`SELECT path, inode, size, mtime_ns, quick_hash, content_id, chunk_count, status
		 FROM files WHERE workspace_key = ?`, s.workspaceKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFiles(rows)
}

// MarkAllSynced promotes every new or modified record to synced.
func (s *Store) MarkAllSynced() error {
	_, err := s.db.Exec(
		`UPDATE files SET status = 'synced' WHERE workspace_key = ? AND status IN ('new','modified')`,
		s.workspaceKey)
	return err
}

// ClearWorkspace erases all rows for this workspace key only.
func (s *Store) ClearWorkspace() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"chunks", "files", "sync_state"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE workspace_key = ?`, s.workspaceKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*index.FileRecord, error) {
	var (
		rec        index.FileRecord
		inode      sql.NullInt64
		size       sql.NullInt64
		mtime      sql.NullInt64
		quickHash  sql.NullString
		contentID  sql.NullString
		chunkCount sql.NullInt64
		status     sql.NullString
	)
	if err := row.Scan(&rec.Path, &inode, &size, &mtime, &quickHash, &contentID, &chunkCount, &status); err != nil {
		return nil, err
	}
	rec.Inode = uint64(inode.Int64)
	rec.Size = uint64(size.Int64)
	rec.MtimeNs = mtime.Int64
	rec.QuickHash = quickHash.String
	rec.ContentID = contentID.String
	rec.ChunkCount = uint32(chunkCount.Int64)
	rec.Status = index.ParseStatus(status.String)
	return &rec, nil
}

func collectFiles(rows *sql.Rows) ([]index.FileRecord, error) {
	var out []index.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func collectChunks(rows *sql.Rows) ([]index.ChunkRecord, error) {
	var out []index.ChunkRecord
	for rows.Next() {
		var (
			rec        index.ChunkRecord
			chunkIndex int64
			offset     int64
			length     int64
			packOffset sql.NullInt64
			uploaded   int64
		)
		if err := rows.Scan(&rec.ChunkID, &rec.FilePath, &chunkIndex, &offset, &length, &packOffset, &uploaded); err != nil {
			return nil, err
		}
		rec.ChunkIndex = uint32(chunkIndex)
		rec.Offset = uint64(offset)
		rec.Length = uint64(length)
		if packOffset.Valid {
			v := uint64(packOffset.Int64)
			rec.PackOffset = &v
		}
		rec.Uploaded = uploaded != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullU64(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
