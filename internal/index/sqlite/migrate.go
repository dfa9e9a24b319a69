package sqlite

import (
	"database/sql"
	"fmt"
)

// migrateLegacySchema upgrades a database created before multi-workspace
// support: tables keyed by bare path get rebuilt with a workspace_key
// column and their rows adopted into the current workspace. Everything
// happens inside one transaction; on failure the database is left as it
// was.
func (s *Store) migrateLegacySchema() error {
	hasFiles, err := s.tableExists("files")
	if err != nil || !hasFiles {
		return err
	}

	migrated, err := s.tableHasColumn("files", "workspace_key")
	if err != nil {
		return err
	}
	if migrated {
		// Current schema; older multi-workspace databases may still lack
		// the pack_offset column.
		hasPack, err := s.tableHasColumn("chunks", "pack_offset")
		if err != nil {
			return err
		}
		if !hasPack {
			_, err = s.db.Exec(`ALTER TABLE chunks ADD COLUMN pack_offset INTEGER`)
		}
		return err
	}

	hasChunks, err := s.tableExists("chunks")
	if err != nil {
		return err
	}
	hasSyncState, err := s.tableExists("sync_state")
	if err != nil {
		return err
	}
	hasPackOffset := false
	hasUploaded := false
	if hasChunks {
		if hasPackOffset, err = s.tableHasColumn("chunks", "pack_offset"); err != nil {
			return err
		}
		if hasUploaded, err = s.tableHasColumn("chunks", "uploaded"); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrateFiles(tx, s.workspaceKey); err != nil {
		return err
	}
	if hasChunks {
		if err := migrateChunks(tx, s.workspaceKey, hasPackOffset, hasUploaded); err != nil {
			return err
		}
	}
	if hasSyncState {
		if err := migrateSyncState(tx, s.workspaceKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func migrateFiles(tx *sql.Tx, workspaceKey string) error {
	if _, err := tx.Exec(`ALTER TABLE files RENAME TO files_old`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
	CREATE TABLE files (
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
	)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
	INSERT INTO files (workspace_key, path, inode, size, mtime_ns, quick_hash, content_id, chunk_count, status)
	SELECT ?, path, inode, size, mtime_ns, quick_hash, content_id, chunk_count, status FROM files_old`,
		workspaceKey); err != nil {
		return err
	}
	_, err := tx.Exec(`DROP TABLE files_old`)
	return err
}

func migrateChunks(tx *sql.Tx, workspaceKey string, hasPackOffset, hasUploaded bool) error {
	if _, err := tx.Exec(`ALTER TABLE chunks RENAME TO chunks_old`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
	CREATE TABLE chunks (
		workspace_key TEXT NOT NULL,
		file_path TEXT,
		chunk_index INTEGER,
		chunk_id TEXT,
		offset INTEGER,
		length INTEGER,
		pack_offset INTEGER,
		uploaded INTEGER DEFAULT 0,
		PRIMARY KEY (workspace_key, file_path, chunk_index)
	)`); err != nil {
		return err
	}
	packSelect := "NULL"
	if hasPackOffset {
		packSelect = "pack_offset"
	}
	uploadedSelect := "0"
	if hasUploaded {
		uploadedSelect = "uploaded"
	}
	if _, err := tx.Exec(fmt.Sprintf(`
	INSERT INTO chunks (workspace_key, file_path, chunk_index, chunk_id, offset, length, pack_offset, uploaded)
	SELECT ?, file_path, chunk_index, chunk_id, offset, length, %s, %s FROM chunks_old`,
		packSelect, uploadedSelect), workspaceKey); err != nil {
		return err
	}
	_, err := tx.Exec(`DROP TABLE chunks_old`)
	return err
}

func migrateSyncState(tx *sql.Tx, workspaceKey string) error {
	if _, err := tx.Exec(`ALTER TABLE sync_state RENAME TO sync_state_old`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
	CREATE TABLE sync_state (
		workspace_key TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (workspace_key, key)
	)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
	INSERT INTO sync_state (workspace_key, key, value)
	SELECT ?, key, value FROM sync_state_old`, workspaceKey); err != nil {
		return err
	}
	_, err := tx.Exec(`DROP TABLE sync_state_old`)
	return err
}

func (s *Store) tableExists(table string) (bool, error) {
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) tableHasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   sql.NullString
			notNull sql.NullInt64
			dflt    sql.NullString
			pk      sql.NullInt64
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
