// Package trainer provides work units executed by the runner for training jobs.
// Command runs an external trainer process and translates its output into progress and log lines,
// Simulated walks through fixed number of steps without doing any training.
package trainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/umputun/trainq/app/runner"
	"github.com/umputun/trainq/app/store"
)

const (
	// SummaryFile is written to adapter directory on success
	SummaryFile = "training-summary.json"
	// ExamplesFile is the prepared dataset passed to the trainer
	ExamplesFile = "train.jsonl"
	// ResultFile is an optional trainer output merged into the summary
	ResultFile = "trainer-result.json"

	maxLineSize = 4 * 1024 * 1024
)

// prepared is a validated job input shared by all work units
type prepared struct {
	adapterPath  string
	examplesPath string
	sampleCount  int
	hyper        Hyperparams
}

// prepare validates job parameters and dataset, makes adapter directory and writes prepared examples
func prepare(job store.Record, rep runner.Reporter) (prepared, error) {
	rep.Log("info", "Preparing training job")
	if job.AdapterPath == "" {
		return prepared{}, errors.New("adapter path is not set")
	}
	if err := os.MkdirAll(job.AdapterPath, 0o750); err != nil {
		return prepared{}, fmt.Errorf("can't make adapter dir: %w", err)
	}
	rep.Log("info", "Adapter path: "+job.AdapterPath)
	rep.Log("info", "Base model: "+job.BaseModel)

	hyper, err := ParseHyperparams(job.Hyperparameters)
	if err != nil {
		return prepared{}, fmt.Errorf("bad hyperparameters: %w", err)
	}

	examples, err := LoadDataset(job.DatasetPath)
	if err != nil {
		return prepared{}, err
	}
	rep.Log("info", fmt.Sprintf("Loaded dataset samples: %d", len(examples)))

	res := prepared{
		adapterPath:  job.AdapterPath,
		examplesPath: filepath.Join(job.AdapterPath, ExamplesFile),
		sampleCount:  len(examples),
		hyper:        hyper,
	}
	if err := WriteExamples(res.examplesPath, examples); err != nil {
		return prepared{}, err
	}
	return res, nil
}

// finish makes the summary payload, writes it next to the adapter and returns as job output
func finish(job store.Record, p prepared, mode string, extra map[string]any) (map[string]any, error) {
	summary := map[string]any{
		"ok":              true,
		"jobId":           job.JobID,
		"mode":            mode,
		"adapterPath":     p.adapterPath,
		"baseModel":       job.BaseModel,
		"datasetPath":     job.DatasetPath,
		"sampleCount":     p.sampleCount,
		"hyperparameters": p.hyper,
		"finishedAt":      time.Now().UTC().Format(time.RFC3339),
	}
	if job.Metadata != nil {
		summary["metadata"] = job.Metadata
	}
	for k, v := range extra {
		summary[k] = v
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("can't marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(p.adapterPath, SummaryFile), data, 0o600); err != nil {
		return nil, fmt.Errorf("can't write summary: %w", err)
	}
	return summary, nil
}
