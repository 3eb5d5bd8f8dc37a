package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_Run(t *testing.T) {
	job := testJob(t)
	rep, logs, steps := recordingReporter()

	out, err := (&Simulated{Steps: 4, Delay: time.Millisecond}).Run(t.Context(), job, rep)
	require.NoError(t, err)
	assert.Equal(t, []step{{0, 4}, {1, 4}, {2, 4}, {3, 4}, {4, 4}}, *steps)
	assert.Equal(t, "simulated", out["mode"])
	assert.Equal(t, 4, out["globalStep"])
	assert.Contains(t, *logs, logLine{"info", "Training started"})
	assert.Contains(t, *logs, logLine{"debug", "Trainer log: step=4, epoch=2.00"})

	_, err = os.Stat(filepath.Join(job.AdapterPath, SummaryFile))
	require.NoError(t, err)
}

func TestSimulated_RunCanceled(t *testing.T) {
	job := testJob(t)
	rep, _, steps := recordingReporter()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := (&Simulated{Steps: 1000, Delay: 20 * time.Millisecond}).Run(ctx, job, rep)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, len(*steps), 1000)
}
