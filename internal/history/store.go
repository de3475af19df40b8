// Package history keeps the user-facing archive of finished downloads in
// SQLite. The queue's event log is replay state; this survives compaction
// and clear operations on the live queue.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

type Entry struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Kind       string    `json:"kind"`
	Format     string    `json:"format,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Class      string    `json:"class,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Stats struct {
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Bytes     int64 `json:"bytes"`
}

type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := &Store{db: db, path: path}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		kind TEXT NOT NULL,
		format TEXT,
		output_path TEXT,
		size INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		reason TEXT,
		class TEXT,
		created_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_finished ON downloads(finished_at);
	CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// Record upserts one finished download. Re-running a task under the same ID
// keeps only the latest outcome.
func (s *Store) Record(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now()
	}
	query := `
	INSERT OR REPLACE INTO downloads (id, url, kind, format, output_path, size, status, reason, class, created_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.URL,
		entry.Kind,
		entry.Format,
		entry.OutputPath,
		entry.Size,
		entry.Status,
		entry.Reason,
		entry.Class,
		entry.CreatedAt.Unix(),
		entry.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// List returns entries newest first. limit <= 0 means a default page of 50.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
	SELECT id, url, kind, format, output_path, size, status, reason, class, created_at, finished_at
	FROM downloads
	ORDER BY finished_at DESC, id
	LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry := &Entry{}
		var createdUnix, finishedUnix int64
		if err := rows.Scan(
			&entry.ID,
			&entry.URL,
			&entry.Kind,
			&entry.Format,
			&entry.OutputPath,
			&entry.Size,
			&entry.Status,
			&entry.Reason,
			&entry.Class,
			&createdUnix,
			&finishedUnix,
		); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		entry.CreatedAt = time.Unix(createdUnix, 0)
		entry.FinishedAt = time.Unix(finishedUnix, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) Clear(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM downloads")
	if err != nil {
		return 0, fmt.Errorf("failed to clear history: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN size ELSE 0 END), 0)
	FROM downloads
	`
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.Completed, &stats.Failed, &stats.Cancelled, &stats.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
