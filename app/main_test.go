package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/trainq/app/conditions"
	"github.com/umputun/trainq/app/store"
	"github.com/umputun/trainq/app/trainer"
)

func Test_makeHostName(t *testing.T) {
	opts.Notify.HostName = "test"
	assert.Equal(t, "test", makeHostName())

	opts.Notify.HostName = ""
	exp, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, exp, makeHostName())
}

func Test_makeNotifier(t *testing.T) {
	opts.Notify.EnabledCompletion, opts.Notify.EnabledError = false, false
	opts.Notify.FromEmail = ""
	opts.Notify.ToEmails = []string{"test@example.com"}
	assert.Nil(t, makeNotifier())

	opts.Notify.EnabledCompletion = true
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.True(t, notif.IsOnCompletion())
	assert.False(t, notif.IsOnError())
	assert.Equal(t, "trainq@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From "+
			"is setting the From based on hostname")

	opts.Notify.ToEmails = nil
	assert.Nil(t, makeNotifier(), "no destinations")
	opts.Notify.EnabledCompletion = false
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	tmpfile, err := os.CreateTemp(t.TempDir(), "")
	require.NoError(t, err)

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false
	defer func() { opts.Log.Enabled = false }()

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_makeWork(t *testing.T) {
	opts.Trainer.Command = ""
	opts.Conditions.MemoryBelow = 0
	_, ok := makeWork(os.Stdout).(*trainer.Simulated)
	assert.True(t, ok)

	opts.Trainer.Command = "python train.py"
	_, ok = makeWork(os.Stdout).(*trainer.Command)
	assert.True(t, ok)

	opts.Conditions.MemoryBelow = 90
	guard, ok := makeWork(os.Stdout).(*conditions.Guard)
	require.True(t, ok)
	require.NotNil(t, guard.Config.MemoryBelow)
	assert.Equal(t, 90, *guard.Config.MemoryBelow)
	assert.Nil(t, guard.Config.CPUBelow)
	_, ok = guard.Next.(*trainer.Command)
	assert.True(t, ok)

	opts.Trainer.Command, opts.Conditions.MemoryBelow = "", 0
}

func Test_makeBackend(t *testing.T) {
	tests := []struct {
		typ, file string
	}{
		{"json", "jobs.json"},
		{"sqlite", "jobs.db"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			opts.Store.Type = tt.typ
			opts.Store.File = filepath.Join(t.TempDir(), tt.file)
			b, err := makeBackend()
			require.NoError(t, err)
			assert.Contains(t, b.String(), tt.file)
			require.NoError(t, b.Close())
		})
	}
	opts.Store.Type = "json"
}

func Test_makeModels(t *testing.T) {
	opts.Trainer.Models = ""
	m, err := makeModels()
	require.NoError(t, err)
	assert.Nil(t, m)

	opts.Trainer.Models = "/no/such/models.yml"
	_, err = makeModels()
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "models.yml")
	require.NoError(t, os.WriteFile(file, []byte("default: base/m1\naliases:\n  Short: base/m2\n"), 0o600))
	opts.Trainer.Models = file
	m, err = makeModels()
	require.NoError(t, err)
	assert.Equal(t, "base/m2", m.Resolve("short"))
	opts.Trainer.Models = ""
}

func Test_runSimulatedJob(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "ds.jsonl")
	require.NoError(t, os.WriteFile(dataset, []byte(`{"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`+"\n"), 0o600))

	port := chooseRandomUnusedPort(t)
	opts.Store.Type, opts.Store.File = "json", filepath.Join(dir, "state", "jobs.json")
	opts.Trainer.Command, opts.Trainer.SimSteps, opts.Trainer.SimDelay = "", 4, 10*time.Millisecond
	opts.Web.Address, opts.Web.SubmitRate, opts.Web.PasswordHash = fmt.Sprintf("127.0.0.1:%d", port), 0, ""
	opts.Notify.EnabledError, opts.Notify.EnabledCompletion = false, false

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- run(ctx, os.Stdout) }()
	waitForServer(t, port)

	body := fmt.Sprintf(`{"datasetPath":%q,"outputDir":%q,"adapterName":"Test Adapter"}`, dataset, filepath.Join(dir, "out"))
	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/jobs", port), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	backend, err := store.NewJSONFile(opts.Store.File, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		recs, err := backend.All()
		return err == nil && len(recs) == 1 && recs[0].Status == store.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	recs, err := backend.All()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "test-adapter"), recs[0].AdapterPath)
	assert.InDelta(t, 100.0, recs[0].Progress.Percent, 0.001)
	assert.FileExists(t, filepath.Join(dir, "out", "test-adapter", trainer.SummaryFile))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
}

func chooseRandomUnusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func waitForServer(t *testing.T, port int) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 50*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}
