package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/masahif/politecrawl/internal/crawler"
)

// WorkQueue implements crawler.WorkQueue on SQLite.
type WorkQueue struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

// OpenWorkQueue opens or creates the queue at dbPath.
func OpenWorkQueue(dbPath string) (*WorkQueue, error) {
	db, err := openSQLite(dbPath, workQueueSchema)
	if err != nil {
		return nil, fmt.Errorf("work queue: %w", err)
	}
	return &WorkQueue{db: db}, nil
}

// Enqueue appends item to the tail and bumps the insertion counter in the same transaction.
func (q *WorkQueue) Enqueue(item crawler.WebURL) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		"INSERT INTO work_queue (url, depth, added_at) VALUES (?, ?, ?)",
		item.URL, item.Depth, sqliteTime(),
	); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", item.URL, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO queue_meta (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
	`, metaTotalInserted); err != nil {
		return fmt.Errorf("failed to bump insertion counter: %w", err)
	}

	return tx.Commit()
}

// DequeueBatch removes up to n entries from the head in one transaction and
// returns them in insertion order.
func (q *WorkQueue) DequeueBatch(n int) ([]crawler.WebURL, error) {
	if n <= 0 {
		return nil, nil
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query("SELECT seq, url, depth FROM work_queue ORDER BY seq ASC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}

	var (
		items   []crawler.WebURL
		lastSeq int64
	)
	for rows.Next() {
		var item crawler.WebURL
		if err := rows.Scan(&lastSeq, &item.URL, &item.Depth); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to iterate queue: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close queue cursor: %w", err)
	}

	if len(items) == 0 {
		return nil, nil
	}

	// The selected rows are exactly the ones at or below the last seq read
	if _, err := tx.Exec("DELETE FROM work_queue WHERE seq <= ?", lastSeq); err != nil {
		return nil, fmt.Errorf("failed to remove dispatched entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dequeue: %w", err)
	}
	return items, nil
}

// TotalInserted returns how many entries were ever enqueued.
func (q *WorkQueue) TotalInserted() (int64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}

	var total int64
	err := q.db.QueryRow("SELECT value FROM queue_meta WHERE key = ?", metaTotalInserted).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read insertion counter: %w", err)
	}
	return total, nil
}

// Len returns the number of pending entries.
func (q *WorkQueue) Len() (int64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}

	var n int64
	if err := q.db.QueryRow("SELECT COUNT(*) FROM work_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Reset empties the queue and zeroes the insertion counter.
func (q *WorkQueue) Reset() error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	tx, err := q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		"DELETE FROM work_queue",
		"DELETE FROM queue_meta",
		"DELETE FROM sqlite_sequence WHERE name = 'work_queue'",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to reset work queue: %w", err)
		}
	}
	return tx.Commit()
}

// Close flushes and closes the database. Subsequent calls return the first result.
func (q *WorkQueue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.closeErr = closeDB(q.db)
	})
	return q.closeErr
}

var (
	_ crawler.WorkQueue = (*WorkQueue)(nil)
	_ crawler.URLIndex  = (*URLIndex)(nil)
)
