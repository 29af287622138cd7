// Package storage provides the persisted frontier state: the URL index that
// remembers every admitted address and the FIFO work queue. Both are SQLite
// databases kept in the crawl work directory.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"
)

// File names inside the work directory.
const (
	URLIndexFile  = "urls.db"
	WorkQueueFile = "queue.db"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// openSQLite opens dbPath with the pragmas shared by both stores and applies schema.
func openSQLite(dbPath, schema string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes every statement, which makes each
	// statement and transaction atomic with respect to all callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000", // 16MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// closeDB checkpoints the WAL so the directory is self-contained, then closes.
func closeDB(db *sql.DB) error {
	_, cpErr := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := db.Close(); err != nil {
		return err
	}
	if cpErr != nil {
		return fmt.Errorf("failed to checkpoint: %w", cpErr)
	}
	return nil
}

// Open opens both stores inside workDir.
func Open(workDir string) (*URLIndex, *WorkQueue, error) {
	index, err := OpenURLIndex(filepath.Join(workDir, URLIndexFile))
	if err != nil {
		return nil, nil, err
	}
	queue, err := OpenWorkQueue(filepath.Join(workDir, WorkQueueFile))
	if err != nil {
		_ = index.Close()
		return nil, nil, err
	}
	return index, queue, nil
}

func sqliteTime() time.Time {
	return time.Now().UTC()
}
