package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	log "github.com/sirupsen/logrus"
)

const hashLedgerSchema = `
CREATE TABLE IF NOT EXISTS sync_hashes (
    path TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    mod_time INTEGER NOT NULL, -- unix nanoseconds
    hash TEXT NOT NULL,
    complete INTEGER NOT NULL DEFAULT 0
);
`

const hashLedgerPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
`

type ledgerRow struct {
	Path     string `db:"path"`
	Size     int64  `db:"size"`
	ModTime  int64  `db:"mod_time"`
	Hash     string `db:"hash"`
	Complete bool   `db:"complete"`
}

// HashLedger persists file fingerprints keyed by local path so unchanged
// files are not re-read on the next run. The complete flag records whether
// the last upload of that content finished. It is a cache: losing it only
// costs time.
type HashLedger struct {
	db     *sqlx.DB
	dbPath string
}

func OpenHashLedger(dbPath string) (*HashLedger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sqlx.Connect("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening hash ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(hashLedgerPragma); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(hashLedgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing hash ledger schema: %w", err)
	}

	return &HashLedger{db: db, dbPath: dbPath}, nil
}

func (l *HashLedger) Close() error {
	return l.db.Close()
}

// Lookup returns the stored hash when path, size and mtime all match.
func (l *HashLedger) Lookup(record LocalFileRecord) (Sha1Hash, bool, error) {
	var row ledgerRow
	err := l.db.Get(&row, "SELECT path, size, mod_time, hash, complete FROM sync_hashes WHERE path = ?", record.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query %s: %w", record.Path, err)
	}
	if row.Size != record.Size || row.ModTime != record.ModTime.UnixNano() {
		return "", false, nil
	}

	return Sha1Hash(row.Hash), true, nil
}

// Record stores a freshly computed hash. A changed hash resets complete.
func (l *HashLedger) Record(record LocalFileRecord, hash Sha1Hash) error {
	row := ledgerRow{
		Path:    record.Path,
		Size:    record.Size,
		ModTime: record.ModTime.UnixNano(),
		Hash:    hash.String(),
	}
	query := `INSERT INTO sync_hashes (path, size, mod_time, hash, complete)
	          VALUES (:path, :size, :mod_time, :hash, 0)
	          ON CONFLICT(path) DO UPDATE SET
	              size = excluded.size,
	              mod_time = excluded.mod_time,
	              complete = CASE WHEN sync_hashes.hash = excluded.hash THEN sync_hashes.complete ELSE 0 END,
	              hash = excluded.hash`
	if _, err := l.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("record hash for %s: %w", record.Path, err)
	}

	return nil
}

// MarkComplete flags the path's current content as uploaded.
func (l *HashLedger) MarkComplete(path string) error {
	if _, err := l.db.Exec("UPDATE sync_hashes SET complete = 1 WHERE path = ?", path); err != nil {
		return fmt.Errorf("mark %s complete: %w", path, err)
	}

	return nil
}

// IncompletePaths lists paths hashed for upload whose upload never finished.
func (l *HashLedger) IncompletePaths() ([]string, error) {
	paths := make([]string, 0)
	if err := l.db.Select(&paths, "SELECT path FROM sync_hashes WHERE complete = 0 ORDER BY path"); err != nil {
		return nil, fmt.Errorf("query incomplete paths: %w", err)
	}

	return paths, nil
}

// Forget drops rows for paths that no longer exist locally.
func (l *HashLedger) Forget(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM sync_hashes WHERE path IN (?)", paths)
	if err != nil {
		return err
	}
	if _, err := l.db.Exec(l.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("forget %d paths: %w", len(paths), err)
	}
	log.Debug(fmt.Sprintf("Forgot %d ledger entries", len(paths)))

	return nil
}

var _ HashCache = (*HashLedger)(nil)
