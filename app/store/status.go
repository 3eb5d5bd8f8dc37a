package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status represents the lifecycle state of a job.
// Transitions are forward-only: queued -> running -> completed|failed, plus queued -> failed
// for jobs which never started (canceled before start or left queued by a previous process).
type Status string

// job statuses
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus converts string to Status, case insensitive
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("invalid job status %q", s)
	}
}

func (s Status) String() string { return string(s) }

// UnmarshalJSON accepts known statuses only, so a stored record with a broken status is reported
// by the backend as corrupted. Empty status is kept for records made by AppendLog or Upsert on a missing job.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("invalid job status %s: %w", data, err)
	}
	if str == "" {
		*s = ""
		return nil
	}
	st, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// IsTerminal returns true for completed and failed statuses
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanMoveTo checks if the transition from s to next is allowed.
// Non-terminal statuses may be re-written with the same value (progress updates for running job),
// terminal statuses accept nothing.
func (s Status) CanMoveTo(next Status) bool {
	switch s {
	case "":
		return true // new record
	case StatusQueued:
		return next == StatusQueued || next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next.IsTerminal()
	default:
		return false
	}
}
