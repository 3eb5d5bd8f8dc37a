package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/trainq/app/store"
)

type launcherMock struct {
	mu   sync.Mutex
	jobs []store.Record
}

func (l *launcherMock) Launch(job store.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, job)
}

func prepService(t *testing.T) (*Service, *store.Store, *launcherMock) {
	t.Helper()
	b, err := store.NewJSONFile(filepath.Join(t.TempDir(), "jobs.json"), true)
	require.NoError(t, err)
	st := store.New(b, 0)
	l := &launcherMock{}
	return New(st, l, nil), st, l
}

func TestService_Submit(t *testing.T) {
	svc, st, l := prepService(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return ts }
	dir := t.TempDir()

	rec, err := svc.Submit(CreateRequest{
		DatasetPath:     filepath.Join(dir, "data.jsonl"),
		OutputDir:       filepath.Join(dir, "out", "adapters"),
		BaseModel:       "QWEN2.5:7B",
		AdapterName:     "  My Adapter!! v2 ",
		Hyperparameters: map[string]any{"epochs": 2},
		Metadata:        map[string]any{"cycle": "c1"},
	})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^job-1714557600000-[0-9a-f]{12}$`), rec.JobID)
	assert.Equal(t, store.StatusQueued, rec.Status)
	assert.Equal(t, "generic-http", rec.Provider)
	assert.Equal(t, "curated", rec.DatasetTier)
	assert.Equal(t, "Qwen/Qwen2.5-7B-Instruct", rec.BaseModel)
	assert.Equal(t, "my-adapter-v2", rec.AdapterName)
	assert.Equal(t, filepath.Join(dir, "out", "adapters", "my-adapter-v2"), rec.AdapterPath)
	assert.Equal(t, ts, *rec.CreatedAt)
	require.Len(t, rec.Logs, 1)
	assert.Equal(t, "Job queued", rec.Logs[0].Message)
	assert.Equal(t, 0.0, rec.Progress.Ratio)
	assert.Nil(t, rec.Progress.RemainingSeconds)

	info, err := os.Stat(filepath.Join(dir, "out", "adapters"))
	require.NoError(t, err, "output dir created")
	assert.True(t, info.IsDir())

	stored, err := st.Get(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, stored.Status)

	require.Len(t, l.jobs, 1)
	assert.Equal(t, rec.JobID, l.jobs[0].JobID)

	got, err := svc.Status(" " + rec.JobID + " ")
	require.NoError(t, err)
	assert.Equal(t, rec.JobID, got.JobID)
}

func TestService_SubmitInvalid(t *testing.T) {
	svc, st, l := prepService(t)
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	tests := []struct {
		name string
		req  CreateRequest
		err  string
	}{
		{"no dataset", CreateRequest{OutputDir: dir}, "invalid request: datasetPath is required"},
		{"blank dataset", CreateRequest{DatasetPath: "  ", OutputDir: dir}, "invalid request: datasetPath is required"},
		{"no output", CreateRequest{DatasetPath: "d.jsonl"}, "invalid request: outputDir is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.EqualError(t, err, tt.err)
		})
	}

	t.Run("output dir not creatable", func(t *testing.T) {
		_, err := svc.Submit(CreateRequest{DatasetPath: "d.jsonl", OutputDir: filepath.Join(blocker, "sub")})
		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.Contains(t, err.Error(), "can't make outputDir")
	})

	recs, err := st.List()
	require.NoError(t, err)
	assert.Empty(t, recs, "no job created for invalid request")
	assert.Empty(t, l.jobs)
}

func TestService_DistinctIDs(t *testing.T) {
	svc, _, l := prepService(t)
	ts := time.Now()
	svc.now = func() time.Time { return ts } // all in the same millisecond
	dir := t.TempDir()

	ids := map[string]bool{}
	for range 50 {
		rec, err := svc.Submit(CreateRequest{DatasetPath: "d.jsonl", OutputDir: dir})
		require.NoError(t, err)
		ids[rec.JobID] = true
	}
	assert.Len(t, ids, 50)
	assert.Len(t, l.jobs, 50)

	list, err := svc.List()
	require.NoError(t, err)
	assert.Len(t, list, 50)
}

func TestService_StatusNotFound(t *testing.T) {
	svc, _, _ := prepService(t)
	_, err := svc.Status("job-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_Schema(t *testing.T) {
	svc, _, _ := prepService(t)
	data, err := json.Marshal(svc.Schema())
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"datasetPath"`)
	assert.Contains(t, s, `"outputDir"`)
	assert.Contains(t, s, `"hyperparameters"`)
	assert.Contains(t, s, "Training job request")
	assert.Contains(t, s, `"default":"luna-adapter"`)
}

func TestSanitizeAdapterName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"luna-adapter", "luna-adapter"},
		{"  My Adapter ", "my-adapter"},
		{"a//b\\c", "a-b-c"},
		{"--x--y--", "x-y"},
		{"v1.2_final", "v1.2_final"},
		{"", "lora-adapter"},
		{"!!!", "lora-adapter"},
		{"..", "lora-adapter"},
		{"../../etc", "..-..-etc"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeAdapterName(tt.in))
		})
	}
}
