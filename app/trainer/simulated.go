package trainer

import (
	"context"
	"fmt"
	"time"

	"github.com/umputun/trainq/app/runner"
	"github.com/umputun/trainq/app/store"
)

// Simulated is a dry-run work, validates the job input like the real trainer and then
// reports Steps progress updates with Delay between them
type Simulated struct {
	Steps int
	Delay time.Duration
}

// Run walks through steps, stops early with error if ctx canceled
func (s *Simulated) Run(ctx context.Context, job store.Record, rep runner.Reporter) (map[string]any, error) {
	p, err := prepare(job, rep)
	if err != nil {
		return nil, err
	}
	steps := max(1, s.Steps)
	rep.Log("info", "Training started")
	rep.Progress(0, steps)
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("training interrupted at step %d/%d: %w", i-1, steps, ctx.Err())
		case <-time.After(s.Delay):
		}
		rep.Progress(i, steps)
		if i%p.hyper.LoggingSteps == 0 || i == steps {
			rep.Log("debug", fmt.Sprintf("Trainer log: step=%d, epoch=%.2f", i, float64(i)/float64(steps)*float64(p.hyper.Epochs)))
		}
	}
	rep.Log("info", "Training loop completed")
	return finish(job, p, "simulated", map[string]any{"globalStep": steps, "maxSteps": steps})
}
