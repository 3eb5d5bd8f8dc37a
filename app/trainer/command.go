package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/trainq/app/runner"
	"github.com/umputun/trainq/app/store"
)

// Command runs external trainer process via shell. Job parameters passed as TRAINQ_* environment,
// the process runs in the adapter directory.
type Command struct {
	Command     string
	Env         []string      // extra environment, KEY=VALUE
	OutputLines int           // lines of output kept for failure trace
	LogWriter   io.Writer     // process output echo, prefixed with job id. Default os.Stdout
	StopDelay   time.Duration // wait for output after the process is killed, default 5s
}

// Run prepares the dataset, executes the trainer and returns the summary
func (c *Command) Run(ctx context.Context, job store.Record, rep runner.Reporter) (map[string]any, error) {
	if c.Command == "" {
		return nil, errors.New("trainer command is not set")
	}
	p, err := prepare(job, rep)
	if err != nil {
		return nil, err
	}

	logWriter := c.LogWriter
	if logWriter == nil {
		logWriter = os.Stdout
	}
	capture := NewOutputCapture(c.OutputLines)
	echo := NewLogPrefixer(logWriter, job.JobID)

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command) //nolint gosec
	cmd.Dir = p.adapterPath
	cmd.Env = append(append(append(os.Environ(), c.Env...), c.jobEnv(job, p)...), p.hyper.Env()...)
	cmd.Stderr = io.MultiWriter(capture, echo)
	cmd.WaitDelay = c.StopDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	stdout := newLineWriter(func(line string) {
		_, _ = capture.Write([]byte(line))
		_, _ = echo.Write([]byte(line + "\n"))
		forwardLine(line, rep)
	})
	cmd.Stdout = stdout

	log.Printf("[DEBUG] job %s, starting trainer %q", job.JobID, c.Command)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("can't start trainer: %w", err)
	}
	rep.Log("info", "Training started")

	waitErr := cmd.Wait()
	stdout.Flush()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, &ExecError{Err: fmt.Errorf("training interrupted: %w", ctxErr), Output: capture.String()}
	}
	if waitErr != nil {
		return nil, &ExecError{Err: fmt.Errorf("trainer command failed: %w", waitErr), Output: capture.String()}
	}
	rep.Log("info", "Training loop completed")

	extra := map[string]any{}
	if res, ok := c.trainerResult(p.adapterPath, rep); ok {
		extra["trainer"] = res
	}
	return finish(job, p, "command", extra)
}

func (c *Command) jobEnv(job store.Record, p prepared) []string {
	hyper, _ := json.Marshal(p.hyper)
	return []string{
		"TRAINQ_JOB_ID=" + job.JobID,
		"TRAINQ_PROVIDER=" + job.Provider,
		"TRAINQ_BASE_MODEL=" + job.BaseModel,
		"TRAINQ_DATASET_PATH=" + job.DatasetPath,
		"TRAINQ_DATASET_TIER=" + job.DatasetTier,
		"TRAINQ_EXAMPLES_PATH=" + p.examplesPath,
		"TRAINQ_SAMPLE_COUNT=" + strconv.Itoa(p.sampleCount),
		"TRAINQ_ADAPTER_NAME=" + job.AdapterName,
		"TRAINQ_ADAPTER_PATH=" + p.adapterPath,
		"TRAINQ_OUTPUT_DIR=" + job.OutputDir,
		"TRAINQ_HYPERPARAMETERS=" + string(hyper),
	}
}

// trainerResult loads optional result file left by the trainer
func (c *Command) trainerResult(adapterPath string, rep runner.Reporter) (map[string]any, bool) {
	data, err := os.ReadFile(filepath.Join(adapterPath, ResultFile)) //nolint gosec
	if err != nil {
		return nil, false
	}
	var res map[string]any
	if err := json.Unmarshal(data, &res); err != nil {
		rep.Log("warn", fmt.Sprintf("can't parse %s: %v", ResultFile, err))
		return nil, false
	}
	return res, true
}
