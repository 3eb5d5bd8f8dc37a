package conditions

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/trainq/app/runner"
	"github.com/umputun/trainq/app/runner/mocks"
	"github.com/umputun/trainq/app/store"
)

func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64 { return &v }

type checkerFunc func(cfg Config) (bool, string)

func (f checkerFunc) Check(cfg Config) (bool, string) { return f(cfg) }

type workFunc func(ctx context.Context, job store.Record, rep runner.Reporter) (map[string]any, error)

func (f workFunc) Run(ctx context.Context, job store.Record, rep runner.Reporter) (map[string]any, error) {
	return f(ctx, job, rep)
}

func nopReporter() *mocks.ReporterMock {
	return &mocks.ReporterMock{LogFunc: func(string, string) {}, ProgressFunc: func(int, int) {}}
}

func TestSystem_Check(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		wantOK bool
	}{
		{name: "no conditions", cfg: Config{}, wantOK: true},
		{name: "memory below high threshold", cfg: Config{MemoryBelow: intPtr(101)}, wantOK: true},
		{name: "disk free above zero", cfg: Config{DiskFreeAbove: intPtr(0), DiskFreePath: "/"}, wantOK: true},
		{name: "disk free above impossible", cfg: Config{DiskFreeAbove: intPtr(101)}, wantOK: false},
		{name: "load below huge threshold", cfg: Config{LoadAvgBelow: floatPtr(100000)}, wantOK: true},
		{name: "memory below zero", cfg: Config{MemoryBelow: intPtr(0)}, wantOK: false},
		{name: "disk on missing path", cfg: Config{DiskFreeAbove: intPtr(1), DiskFreePath: "/no/such/path/here"}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := System{}.Check(tt.cfg)
			assert.Equal(t, tt.wantOK, ok, reason)
			if !tt.wantOK {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{DiskFreePath: "/", MaxPostpone: time.Second}.Enabled())
	assert.True(t, Config{CPUBelow: intPtr(90)}.Enabled())
	assert.True(t, Config{LoadAvgBelow: floatPtr(4)}.Enabled())
}

func TestGuard_Run(t *testing.T) {
	next := workFunc(func(context.Context, store.Record, runner.Reporter) (map[string]any, error) {
		return map[string]any{"done": true}, nil
	})

	t.Run("disabled passes through", func(t *testing.T) {
		g := &Guard{Next: next, Checker: checkerFunc(func(Config) (bool, string) {
			t.Error("checker should not be called")
			return false, ""
		})}
		out, err := g.Run(t.Context(), store.Record{JobID: "job-1"}, nopReporter())
		require.NoError(t, err)
		assert.Equal(t, true, out["done"])
	})

	t.Run("not met without postpone fails", func(t *testing.T) {
		g := &Guard{Next: next, Config: Config{MemoryBelow: intPtr(10)},
			Checker: checkerFunc(func(Config) (bool, string) { return false, "memory at 90%, threshold 10%" })}
		_, err := g.Run(t.Context(), store.Record{JobID: "job-1"}, nopReporter())
		require.EqualError(t, err, "system conditions not met: memory at 90%, threshold 10%")
	})

	t.Run("waits until met", func(t *testing.T) {
		var calls int32
		g := &Guard{Next: next,
			Config: Config{MemoryBelow: intPtr(10), MaxPostpone: time.Minute, CheckInterval: 5 * time.Millisecond},
			Checker: checkerFunc(func(Config) (bool, string) {
				return atomic.AddInt32(&calls, 1) >= 3, "busy"
			})}
		rep := nopReporter()
		out, err := g.Run(t.Context(), store.Record{JobID: "job-1"}, rep)
		require.NoError(t, err)
		assert.Equal(t, true, out["done"])
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		require.Len(t, rep.LogCalls(), 2)
		assert.Equal(t, "Waiting for system conditions: busy", rep.LogCalls()[0].Msg)
		assert.Equal(t, "System conditions met", rep.LogCalls()[1].Msg)
	})

	t.Run("runs anyway after max postpone", func(t *testing.T) {
		g := &Guard{Next: next,
			Config:  Config{MemoryBelow: intPtr(10), MaxPostpone: 30 * time.Millisecond, CheckInterval: 5 * time.Millisecond},
			Checker: checkerFunc(func(Config) (bool, string) { return false, "busy" })}
		rep := nopReporter()
		out, err := g.Run(t.Context(), store.Record{JobID: "job-1"}, rep)
		require.NoError(t, err)
		assert.Equal(t, true, out["done"])
		calls := rep.LogCalls()
		assert.Equal(t, "Max postpone reached, starting anyway", calls[len(calls)-1].Msg)
	})

	t.Run("canceled while waiting", func(t *testing.T) {
		g := &Guard{Next: next,
			Config:  Config{MemoryBelow: intPtr(10), MaxPostpone: time.Minute, CheckInterval: 5 * time.Millisecond},
			Checker: checkerFunc(func(Config) (bool, string) { return false, "busy" })}
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, err := g.Run(ctx, store.Record{JobID: "job-1"}, nopReporter())
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestGetStats(t *testing.T) {
	st := GetStats(t.TempDir())
	assert.Positive(t, st.CPUs)
	assert.NotEmpty(t, st.DiskPath)
	assert.GreaterOrEqual(t, st.DiskFreePercent, 0.0)
	assert.LessOrEqual(t, st.DiskFreePercent, 100.0)

	st = GetStats("")
	assert.Zero(t, st.DiskFreeMB)
}
