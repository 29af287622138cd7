package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// URLIndex implements crawler.URLIndex on SQLite.
type URLIndex struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

// OpenURLIndex opens or creates the index at dbPath.
func OpenURLIndex(dbPath string) (*URLIndex, error) {
	db, err := openSQLite(dbPath, urlIndexSchema)
	if err != nil {
		return nil, fmt.Errorf("url index: %w", err)
	}
	return &URLIndex{db: db}, nil
}

// Put assigns the next sequential ID to url. Existing entries are left untouched.
func (s *URLIndex) Put(url string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	// One statement, so the MAX lookup and the insert cannot interleave with another Put
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO urls (url, id, added_at)
		SELECT ?, COALESCE(MAX(id), -1) + 1, ? FROM urls
	`, url, sqliteTime())
	if err != nil {
		return fmt.Errorf("failed to index url %s: %w", url, err)
	}
	return nil
}

// ID returns the ID assigned to url.
func (s *URLIndex) ID(url string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return -1, false, ErrClosed
	}

	var id int64
	err := s.db.QueryRow("SELECT id FROM urls WHERE url = ?", url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, false, nil
	}
	if err != nil {
		return -1, false, fmt.Errorf("failed to look up url %s: %w", url, err)
	}
	return id, true, nil
}

// Count returns the number of indexed addresses.
func (s *URLIndex) Count() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM urls").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count urls: %w", err)
	}
	return n, nil
}

// Reset forgets every address; the next Put is assigned ID 0 again.
func (s *URLIndex) Reset() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.Exec("DELETE FROM urls"); err != nil {
		return fmt.Errorf("failed to reset url index: %w", err)
	}
	return nil
}

// Close flushes and closes the database. Subsequent calls return the first result.
func (s *URLIndex) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = closeDB(s.db)
	})
	return s.closeErr
}
