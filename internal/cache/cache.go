// Package cache persists updater state: the last validated commit of each
// authentication repository and an audit log of update runs.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"taf/internal/logging"
)

// Store is the sqlite-backed validation cache.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the cache database under the taf home directory.
func Open(home string) (*Store, error) {
	dbPath := filepath.Join(home, "cache.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	logging.Get(logging.CategoryCache).Debug("opened cache at %s", dbPath)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS last_validated (
		repo TEXT PRIMARY KEY,
		commit_sha TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS update_runs (
		run_id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		successful INTEGER NOT NULL,
		error TEXT,
		commits_validated INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_update_runs_repo ON update_runs(repo, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LastValidated returns the last validated commit for a repository key
// (its path or url), or "" when the repository was never validated.
func (s *Store) LastValidated(repo string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sha string
	err := s.db.QueryRow(
		"SELECT commit_sha FROM last_validated WHERE repo = ?", repo).Scan(&sha)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query last validated commit: %w", err)
	}
	return sha, nil
}

// SetLastValidated records the last validated commit for a repository.
func (s *Store) SetLastValidated(repo, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO last_validated (repo, commit_sha, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(repo) DO UPDATE SET commit_sha = excluded.commit_sha,
			updated_at = excluded.updated_at`,
		repo, sha, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record last validated commit: %w", err)
	}
	return nil
}

// RunRecord is one entry of the update audit log.
type RunRecord struct {
	RunID            string
	Repo             string
	StartedAt        time.Time
	FinishedAt       time.Time
	Successful       bool
	Error            string
	CommitsValidated int
}

// RecordRun appends an update run to the audit log.
func (s *Store) RecordRun(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO update_runs
			(run_id, repo, started_at, finished_at, successful, error, commits_validated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Repo, rec.StartedAt.Unix(), rec.FinishedAt.Unix(),
		boolToInt(rec.Successful), rec.Error, rec.CommitsValidated)
	if err != nil {
		return fmt.Errorf("failed to record update run: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent update runs for a repository, newest
// first.
func (s *Store) RecentRuns(repo string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT run_id, repo, started_at, finished_at, successful, error, commits_validated
		FROM update_runs WHERE repo = ?
		ORDER BY started_at DESC LIMIT ?`, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, finished int64
		var success int
		var errText sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.Repo, &started, &finished,
			&success, &errText, &rec.CommitsValidated); err != nil {
			return nil, err
		}
		rec.StartedAt = time.Unix(started, 0)
		rec.FinishedAt = time.Unix(finished, 0)
		rec.Successful = success != 0
		rec.Error = errText.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
