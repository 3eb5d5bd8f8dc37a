// Package store provides durable, concurrency-safe storage of job records.
// Every mutation is a full read-merge-write cycle under a single store-wide lock,
// so concurrent progress updates and log appends never lose each other's changes.
// The actual durable layer is pluggable, JSONFile keeps a single document on disk
// and SQLite keeps a row per job.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultMaxLogs is the number of most recent log entries kept per job
const DefaultMaxLogs = 120

var (
	// ErrNotFound returned for unknown job id
	ErrNotFound = errors.New("job not found")
	// ErrExists returned on attempt to create a job with id already in use
	ErrExists = errors.New("job already exists")
	// ErrTransition returned on attempt to move job status backward or out of terminal state
	ErrTransition = errors.New("invalid status transition")
	// ErrCorrupt returned by strict backends when durable state can't be parsed
	ErrCorrupt = errors.New("corrupted job state")
)

// Backend is a durable layer for job records. Implementations don't need to be thread safe,
// Store serializes all calls.
type Backend interface {
	Read(jobID string) (rec Record, found bool, err error)
	// Mutate loads the record, calls fn and persists the result atomically.
	// Nothing is written if fn returns an error.
	Mutate(jobID string, fn func(rec *Record, found bool) error) (Record, error)
	All() ([]Record, error)
	Close() error
}

// Store is a job records storage safe for concurrent use
type Store struct {
	backend Backend
	maxLogs int
	lock    sync.Mutex
}

// New makes Store on top of the backend. maxLogs <= 0 sets DefaultMaxLogs.
func New(backend Backend, maxLogs int) *Store {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return &Store{backend: backend, maxLogs: maxLogs}
}

// Create stores a new record, fails with ErrExists if the job id is taken
func (s *Store) Create(rec Record) (Record, error) {
	if rec.JobID == "" {
		return Record{}, errors.New("empty job id")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	res, err := s.backend.Mutate(rec.JobID, func(cur *Record, found bool) error {
		if found {
			return fmt.Errorf("%w: %s", ErrExists, rec.JobID)
		}
		if len(rec.Logs) > s.maxLogs {
			rec.Logs = rec.Logs[len(rec.Logs)-s.maxLogs:]
		}
		*cur = rec
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("can't create %s: %w", rec.JobID, err)
	}
	return res, nil
}

// Upsert merges the update into the job record, creating it if absent, and returns the merged record
func (s *Store) Upsert(jobID string, upd Update) (Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	res, err := s.backend.Mutate(jobID, func(cur *Record, found bool) error {
		if !found {
			cur.JobID = jobID
		}
		return cur.apply(upd)
	})
	if err != nil {
		return Record{}, fmt.Errorf("can't update %s: %w", jobID, err)
	}
	return res, nil
}

// AppendLog adds a log line with the current timestamp and truncates logs to the last maxLogs entries
func (s *Store) AppendLog(jobID, level, message string) (Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	res, err := s.backend.Mutate(jobID, func(cur *Record, found bool) error {
		if !found {
			cur.JobID = jobID
		}
		cur.appendLog(LogEntry{At: time.Now().UTC(), Level: level, Message: message}, s.maxLogs)
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("can't append log to %s: %w", jobID, err)
	}
	return res, nil
}

// Get returns job record or ErrNotFound
func (s *Store) Get(jobID string) (Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	rec, found, err := s.backend.Read(jobID)
	if err != nil {
		return Record{}, fmt.Errorf("can't read %s: %w", jobID, err)
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return rec, nil
}

// List returns all records, newest first
func (s *Store) List() ([]Record, error) {
	s.lock.Lock()
	recs, err := s.backend.All()
	s.lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("can't list jobs: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := recs[i].CreatedAt, recs[j].CreatedAt
		if ti == nil || tj == nil || ti.Equal(*tj) {
			return recs[i].JobID > recs[j].JobID
		}
		return ti.After(*tj)
	})
	return recs, nil
}

// Close closes the backend
func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.backend.Close()
}
