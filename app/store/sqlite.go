package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLite keeps a row per job with the record serialized as json.
// Mutations run in a transaction, so a failed write leaves the previous record intact.
type SQLite struct {
	db   *sqlx.DB
	path string
}

// NewSQLite opens (or creates) sqlite database and makes the schema
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	res := &SQLite{db: db, path: dbPath}
	if err := res.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return res, nil
}

func (s *SQLite) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at INTEGER,
			updated_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Read returns a single job
func (s *SQLite) Read(jobID string) (rec Record, found bool, err error) {
	var raw string
	err = s.db.Get(&raw, "SELECT record FROM jobs WHERE id = ?", jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to query job %s: %w", jobID, err)
	}
	if err = json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
	}
	return rec, true, nil
}

// Mutate loads the job row, applies fn and writes it back in a single transaction
func (s *SQLite) Mutate(jobID string, fn func(rec *Record, found bool) error) (Record, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rec, found := Record{}, true
	var raw string
	err = tx.Get(&raw, "SELECT record FROM jobs WHERE id = ?", jobID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return Record{}, fmt.Errorf("failed to query job %s: %w", jobID, err)
	default:
		if err = json.Unmarshal([]byte(raw), &rec); err != nil {
			return Record{}, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
		}
	}

	if err = fn(&rec, found); err != nil {
		return Record{}, err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal job %s: %w", jobID, err)
	}
	var createdAt int64
	if rec.CreatedAt != nil {
		createdAt = rec.CreatedAt.UnixMilli()
	}
	_, err = tx.Exec(`INSERT INTO jobs (id, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, record = excluded.record, updated_at = excluded.updated_at`,
		jobID, rec.Status.String(), string(data), createdAt, time.Now().UnixMilli())
	if err != nil {
		return Record{}, fmt.Errorf("failed to save job %s: %w", jobID, err)
	}

	if err = tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// All returns all jobs ordered by creation time, newest first
func (s *SQLite) All() ([]Record, error) {
	raws := []string{}
	if err := s.db.Select(&raws, "SELECT record FROM jobs ORDER BY created_at DESC"); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	res := make([]Record, 0, len(raws))
	for _, raw := range raws {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		res = append(res, rec)
	}
	return res, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) String() string {
	return "sqlite:" + s.path
}
