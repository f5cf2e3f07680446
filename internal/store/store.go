// Package store is the durable process store: job metadata and per-row
// cached results in SQLite. All mutations funnel through a single
// background writer goroutine so callers never block on storage latency
// and write-write races cannot happen. Reads go straight to the database
// after a flush barrier, so a caller always observes its own writes.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store owns the SQLite database and the write queue. Construct one per
// process and pass the handle to every caller.
type Store struct {
	db     *sql.DB
	writer *queueWriter
}

// New opens (creating if needed) the process store at path and starts the
// background writer.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.writer = newQueueWriter(db)
	s.writer.start()
	return s, nil
}

// DefaultPath returns the per-user location of the cache database.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".augmenta", "cache", "cache.db"), nil
}

// Close flushes the write queue (bounded wait) and shuts the writer and
// database down. Rows still mid-flight in callers at this point are
// simply not recorded.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.writer != nil {
		s.writer.stop()
	}
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// StartJob creates a new running job for the fingerprint and returns its
// id. The insert is applied asynchronously by the writer.
func (s *Store) StartJob(fingerprint string, totalRows int) (string, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return "", &ValidationError{Reason: "fingerprint must be a non-empty string"}
	}
	if totalRows < 0 {
		return "", &ValidationError{Reason: "total rows must be non-negative"}
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()
	err := s.writer.enqueue(writeTask{
		query: `INSERT INTO jobs (id, fingerprint, start_time, last_updated, status, total_rows, processed_rows)
			VALUES (?, ?, ?, ?, ?, ?, 0)`,
		args: []any{jobID, fingerprint, now, now, string(StatusRunning), totalRows},
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// CacheRow enqueues an upsert of one row result plus the owning job's
// progress bump. It returns as soon as the tasks are queued; durability is
// asynchronous.
func (s *Store) CacheRow(jobID string, rowIndex int, query string, result json.RawMessage) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Reason: "job id must be a non-empty string"}
	}
	if rowIndex < 0 {
		return &ValidationError{Reason: "row index must be non-negative"}
	}
	if result == nil {
		return &ValidationError{Reason: "result must not be nil"}
	}

	now := time.Now().UTC()
	if err := s.writer.enqueue(writeTask{
		query: `INSERT INTO cached_rows (job_id, row_index, query, result, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(job_id, row_index) DO UPDATE SET
				query=excluded.query,
				result=excluded.result,
				created_at=excluded.created_at`,
		args: []any{jobID, rowIndex, query, string(result), now},
	}); err != nil {
		return err
	}
	return s.bumpProgress(jobID, now)
}

// RecordRowFailure counts a row that finished without a cacheable result.
// Nothing is written to cached_rows, so a resumed run retries the row.
func (s *Store) RecordRowFailure(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Reason: "job id must be a non-empty string"}
	}
	return s.bumpProgress(jobID, time.Now().UTC())
}

// bumpProgress advances processed_rows, clamped to total_rows: a row that
// failed once and was retried after a resume would otherwise count twice.
func (s *Store) bumpProgress(jobID string, now time.Time) error {
	return s.writer.enqueue(writeTask{
		query: `UPDATE jobs
			SET processed_rows = min(processed_rows + 1, total_rows),
				last_updated = ?
			WHERE id = ?`,
		args: []any{now, jobID},
	})
}

// GetCachedRows returns every cached result for the job, keyed by row
// index. The write queue is flushed first so the caller sees its own
// prior writes.
func (s *Store) GetCachedRows(ctx context.Context, jobID string) (map[int]json.RawMessage, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, &ValidationError{Reason: "job id must be a non-empty string"}
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT row_index, result FROM cached_rows WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, &StorageError{Op: "get cached rows", Err: err}
	}
	defer rows.Close()

	ret := make(map[int]json.RawMessage)
	for rows.Next() {
		var index int
		var result string
		if err := rows.Scan(&index, &result); err != nil {
			return nil, &StorageError{Op: "get cached rows", Err: err}
		}
		ret[index] = json.RawMessage(result)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "get cached rows", Err: err}
	}
	return ret, nil
}

// GetJob loads one job by id. Returns nil when not found.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, start_time, last_updated, status, total_rows, processed_rows
		 FROM jobs WHERE id = ?`, jobID))
}

// FindUnfinishedJob returns the most recently updated running job for the
// fingerprint, or nil when there is none.
func (s *Store) FindUnfinishedJob(ctx context.Context, fingerprint string) (*Job, error) {
	if strings.TrimSpace(fingerprint) == "" {
		return nil, &ValidationError{Reason: "fingerprint must be a non-empty string"}
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT id, fingerprint, start_time, last_updated, status, total_rows, processed_rows
		 FROM jobs
		 WHERE fingerprint = ? AND status = ?
		 ORDER BY last_updated DESC
		 LIMIT 1`, fingerprint, string(StatusRunning)))
}

func (s *Store) scanJob(row *sql.Row) (*Job, error) {
	var job Job
	var status string
	err := row.Scan(
		&job.ID,
		&job.Fingerprint,
		&job.StartTime,
		&job.LastUpdated,
		&status,
		&job.TotalRows,
		&job.ProcessedRows,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load job", Err: err}
	}
	job.Status = Status(status)
	return &job, nil
}

// MarkCompleted finalizes a job as completed.
func (s *Store) MarkCompleted(jobID string) error {
	return s.markStatus(jobID, StatusCompleted)
}

// MarkFailed finalizes a job as failed.
func (s *Store) MarkFailed(jobID string) error {
	return s.markStatus(jobID, StatusFailed)
}

func (s *Store) markStatus(jobID string, status Status) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Reason: "job id must be a non-empty string"}
	}
	return s.writer.enqueue(writeTask{
		query: `UPDATE jobs SET status = ?, last_updated = ? WHERE id = ?`,
		args:  []any{string(status), time.Now().UTC(), jobID},
	})
}

// ResumeJob re-marks a job as running and bumps last_updated, used when a
// caller resumes an explicit job id.
func (s *Store) ResumeJob(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return &ValidationError{Reason: "job id must be a non-empty string"}
	}
	return s.writer.enqueue(writeTask{
		query: `UPDATE jobs SET status = ?, last_updated = ? WHERE id = ?`,
		args:  []any{string(StatusRunning), time.Now().UTC(), jobID},
	})
}

// CleanupOlderThan deletes jobs whose last_updated predates the cutoff;
// their cached rows go with them via the cascade. Returns the number of
// jobs removed.
func (s *Store) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age < 0 {
		return 0, &ValidationError{Reason: "age must be non-negative"}
	}
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-age)
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE last_updated < ?`, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "cleanup", Err: err}
	}
	return res.RowsAffected()
}

// Flush blocks until every previously enqueued write has been applied (or
// the writer has died with a StorageError).
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}
