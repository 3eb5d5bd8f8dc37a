package store

import (
	"fmt"
	"strings"
	"time"
)

// Record is a persisted state of a single job
type Record struct {
	JobID      string     `json:"jobId"`
	Status     Status     `json:"status"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// request echo, set once on submission
	Provider        string         `json:"provider,omitempty"`
	DatasetPath     string         `json:"datasetPath,omitempty"`
	DatasetTier     string         `json:"datasetTier,omitempty"`
	BaseModel       string         `json:"baseModel,omitempty"`
	AdapterName     string         `json:"adapterName,omitempty"`
	AdapterPath     string         `json:"adapterPath,omitempty"`
	OutputDir       string         `json:"outputDir,omitempty"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	Progress Progress   `json:"progress"`
	Logs     []LogEntry `json:"logs"`
	Result   *Result    `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Trace    string     `json:"trace,omitempty"`
}

// Progress is a snapshot of job progress reported by the running work
type Progress struct {
	GlobalStep       int     `json:"globalStep"`
	MaxSteps         int     `json:"maxSteps"` // 0 means unknown
	Ratio            float64 `json:"progressRatio"`
	Percent          float64 `json:"progressPercent"`
	ElapsedSeconds   int64   `json:"elapsedSeconds"`
	RemainingSeconds *int64  `json:"estimatedRemainingSeconds"`
}

// LogEntry is a single job log line
type LogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Result is set on successful completion
type Result struct {
	OK              bool           `json:"ok"`
	Output          map[string]any `json:"output,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
}

// Update is a partial record change. Zero values are not applied,
// Progress and Result replace the stored blocks wholesale. Logs can't be changed by Update.
type Update struct {
	Status     Status
	StartedAt  *time.Time
	FinishedAt *time.Time
	Progress   *Progress
	Result     *Result
	Error      string
	Trace      string
}

// apply merges update into the record, rejecting status regressions
func (r *Record) apply(upd Update) error {
	if upd.Status != "" {
		if !r.Status.CanMoveTo(upd.Status) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrTransition, r.Status, upd.Status, r.JobID)
		}
		r.Status = upd.Status
	}
	if upd.StartedAt != nil {
		r.StartedAt = upd.StartedAt
	}
	if upd.FinishedAt != nil {
		r.FinishedAt = upd.FinishedAt
	}
	if upd.Progress != nil {
		r.Progress = *upd.Progress
	}
	if upd.Result != nil {
		r.Result = upd.Result
	}
	if upd.Error != "" {
		r.Error = upd.Error
	}
	if upd.Trace != "" {
		r.Trace = upd.Trace
	}
	return nil
}

// appendLog adds entry and keeps only the last maxLogs entries
func (r *Record) appendLog(entry LogEntry, maxLogs int) {
	entry.Message = strings.TrimSpace(entry.Message)
	if entry.Level == "" {
		entry.Level = "info"
	}
	r.Logs = append(r.Logs, entry)
	if maxLogs > 0 && len(r.Logs) > maxLogs {
		r.Logs = append([]LogEntry(nil), r.Logs[len(r.Logs)-maxLogs:]...)
	}
}
