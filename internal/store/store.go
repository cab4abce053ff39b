// Package store persists file states, sync history and settings in SQLite.
// It is the engine's storage collaborator: every call is synchronous and
// safe for concurrent use from multiple jobs.
package store

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"

	"github.com/volsync/volsync/internal/db"
	syncpkg "github.com/volsync/volsync/internal/sync"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);

-- Last-known fingerprint per synced file, the base of three-way merges.
CREATE TABLE IF NOT EXISTS file_states (
    source_root   TEXT    NOT NULL,
    volume_serial TEXT    NOT NULL,
    rel_path      TEXT    NOT NULL,
    size          INTEGER NOT NULL,
    mod_time      INTEGER NOT NULL,
    content_hash  TEXT    NOT NULL DEFAULT '',
    synced_at     TEXT    NOT NULL,
    PRIMARY KEY (source_root, volume_serial, rel_path)
);

CREATE TABLE IF NOT EXISTS sync_history (
    id            TEXT    PRIMARY KEY,
    source_path   TEXT    NOT NULL,
    dest_path     TEXT    NOT NULL DEFAULT '',
    volume_serial TEXT    NOT NULL,
    volume_label  TEXT    NOT NULL DEFAULT '',
    machine_id    TEXT    NOT NULL DEFAULT '',
    started_at    TEXT    NOT NULL,
    finished_at   TEXT    NOT NULL DEFAULT '',
    status        TEXT    NOT NULL,
    files_copied  INTEGER NOT NULL DEFAULT 0,
    files_skipped INTEGER NOT NULL DEFAULT 0,
    files_deleted INTEGER NOT NULL DEFAULT 0,
    files_errored INTEGER NOT NULL DEFAULT 0,
    bytes_copied  INTEGER NOT NULL DEFAULT 0,
    error_message TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_started ON sync_history(started_at);

CREATE TABLE IF NOT EXISTS sync_history_files (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    history_id TEXT    NOT NULL REFERENCES sync_history(id) ON DELETE CASCADE,
    rel_path   TEXT    NOT NULL,
    action     TEXT    NOT NULL,
    size       INTEGER NOT NULL DEFAULT 0,
    error_msg  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_files ON sync_history_files(history_id);
`

// Store wraps the state database. A file lock next to the database keeps
// concurrent volsync instances from interleaving writes.
type Store struct {
	db   *sqlx.DB
	lock *flock.Flock
}

// Open opens (or creates) the state database at path and acquires the
// instance lock. A second instance on the same database fails fast.
func Open(path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state database %s is in use by another volsync instance", path)
	}

	database, err := db.NewSqliteDB(db.WithPath(path))
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		lock.Unlock()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: database, lock: lock}, nil
}

// OpenInMemory opens an unlocked throwaway store, for tests.
func OpenInMemory() (*Store, error) {
	database, err := db.NewSqliteDB()
	if err != nil {
		return nil, err
	}
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return s.db.Close()
}

type fileStateRow struct {
	SourceRoot   string `db:"source_root"`
	VolumeSerial string `db:"volume_serial"`
	RelPath      string `db:"rel_path"`
	Size         int64  `db:"size"`
	ModTime      int64  `db:"mod_time"`
	ContentHash  string `db:"content_hash"`
	SyncedAt     string `db:"synced_at"`
}

// FileStates returns the last synced fingerprints for one source/volume
// pair, keyed by relative path.
func (s *Store) FileStates(sourceRoot, volumeSerial string) (syncpkg.Tree, error) {
	var rows []fileStateRow
	err := s.db.Select(&rows,
		`SELECT source_root, volume_serial, rel_path, size, mod_time, content_hash, synced_at
		 FROM file_states WHERE source_root = ? AND volume_serial = ?`,
		sourceRoot, volumeSerial)
	if err != nil {
		return nil, fmt.Errorf("query file states: %w", err)
	}

	tree := make(syncpkg.Tree, len(rows))
	for _, row := range rows {
		tree[row.RelPath] = &syncpkg.Fingerprint{
			RelPath: row.RelPath,
			Size:    row.Size,
			ModTime: row.ModTime,
			Hash:    row.ContentHash,
		}
	}
	return tree, nil
}

// SaveFileStates upserts the fingerprints of successfully synced files.
func (s *Store) SaveFileStates(sourceRoot, volumeSerial string, states []*syncpkg.Fingerprint) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin file states tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, fp := range states {
		_, err := tx.Exec(
			`INSERT INTO file_states (source_root, volume_serial, rel_path, size, mod_time, content_hash, synced_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source_root, volume_serial, rel_path)
			 DO UPDATE SET size=excluded.size, mod_time=excluded.mod_time,
			               content_hash=excluded.content_hash, synced_at=excluded.synced_at`,
			sourceRoot, volumeSerial, fp.RelPath, fp.Size, fp.ModTime, fp.Hash, now)
		if err != nil {
			return fmt.Errorf("upsert file state %s: %w", fp.RelPath, err)
		}
	}

	return tx.Commit()
}

// SaveHistory persists a finalized job result with its per-file detail.
func (s *Store) SaveHistory(result *syncpkg.JobResult, hctx syncpkg.HistoryContext) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sync_history
		 (id, source_path, dest_path, volume_serial, volume_label, machine_id,
		  started_at, finished_at, status,
		  files_copied, files_skipped, files_deleted, files_errored, bytes_copied, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID.String(), hctx.SourcePath, hctx.DestPath, hctx.VolumeSerial, hctx.VolumeLabel, hctx.MachineID,
		result.StartedAt.Format(time.RFC3339), result.FinishedAt.Format(time.RFC3339), string(result.Status),
		result.FilesCopied, result.FilesSkipped, result.FilesDeleted, result.FilesErrored,
		result.BytesCopied, result.Error)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	for _, action := range result.Actions {
		_, err := tx.Exec(
			`INSERT INTO sync_history_files (history_id, rel_path, action, size, error_msg)
			 VALUES (?, ?, ?, ?, ?)`,
			result.ID.String(), action.RelPath, action.Action, action.Size, action.Error)
		if err != nil {
			return fmt.Errorf("insert history file %s: %w", action.RelPath, err)
		}
	}

	return tx.Commit()
}

// HistoryEntry is one persisted job summary.
type HistoryEntry struct {
	ID           string `db:"id"`
	SourcePath   string `db:"source_path"`
	DestPath     string `db:"dest_path"`
	VolumeSerial string `db:"volume_serial"`
	VolumeLabel  string `db:"volume_label"`
	MachineID    string `db:"machine_id"`
	StartedAt    string `db:"started_at"`
	FinishedAt   string `db:"finished_at"`
	Status       string `db:"status"`
	FilesCopied  int    `db:"files_copied"`
	FilesSkipped int    `db:"files_skipped"`
	FilesDeleted int    `db:"files_deleted"`
	FilesErrored int    `db:"files_errored"`
	BytesCopied  int64  `db:"bytes_copied"`
	ErrorMessage string `db:"error_message"`
}

// ListHistory returns the most recent job summaries, newest first.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	var entries []HistoryEntry
	err := s.db.Select(&entries,
		`SELECT * FROM sync_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return entries, nil
}

// HistoryFile is one per-file record of a history entry.
type HistoryFile struct {
	ID        int64  `db:"id"`
	HistoryID string `db:"history_id"`
	RelPath   string `db:"rel_path"`
	Action    string `db:"action"`
	Size      int64  `db:"size"`
	ErrorMsg  string `db:"error_msg"`
}

// HistoryFiles returns the per-file actions of one history entry, in the
// order they were recorded.
func (s *Store) HistoryFiles(historyID string) ([]HistoryFile, error) {
	var files []HistoryFile
	err := s.db.Select(&files,
		`SELECT * FROM sync_history_files WHERE history_id = ? ORDER BY id`, historyID)
	if err != nil {
		return nil, fmt.Errorf("query history files: %w", err)
	}
	return files, nil
}
